package model

import "time"

// DateLayout is the civil date format used for due dates. No timezone logic
// is applied; dates are local wall-clock days.
const DateLayout = "2006-01-02"

// Today returns the current local date in YYYY-MM-DD form.
func Today() string {
	return time.Now().Format(DateLayout)
}

// TodayPlusDays returns today's date shifted by the given number of civil
// days.
func TodayPlusDays(days int) string {
	return time.Now().AddDate(0, 0, days).Format(DateLayout)
}

// AddDays shifts a YYYY-MM-DD date by the given number of days. An unparsable
// input falls back to today as the base, matching the tolerant handling of
// dates arriving over the wire.
func AddDays(date string, days int) string {
	base, err := time.Parse(DateLayout, date)
	if err != nil {
		base = time.Now()
	}
	return base.AddDate(0, 0, days).Format(DateLayout)
}

// ValidDate reports whether the string is a well-formed YYYY-MM-DD date.
func ValidDate(date string) bool {
	_, err := time.Parse(DateLayout, date)
	return err == nil
}

// NowMillis returns the current time in milliseconds since the epoch, the
// unit used for all wire timestamps.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
