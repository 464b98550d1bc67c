package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTodayPlusDays(t *testing.T) {
	want := time.Now().AddDate(0, 0, 14).Format(DateLayout)
	require.Equal(t, want, TodayPlusDays(14))
}

func TestAddDays(t *testing.T) {
	require.Equal(t, "2026-03-01", AddDays("2026-02-22", 7))
	require.Equal(t, "2025-01-03", AddDays("2024-12-27", 7))
}

func TestAddDaysFallsBackToToday(t *testing.T) {
	want := time.Now().AddDate(0, 0, 7).Format(DateLayout)
	require.Equal(t, want, AddDays("not-a-date", 7))
}

func TestValidDate(t *testing.T) {
	require.True(t, ValidDate("2026-08-26"))
	require.False(t, ValidDate("26/08/2026"))
	require.False(t, ValidDate(""))
}
