package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

func TestHeartbeatPublication(t *testing.T) {
	m := New("A", 50*time.Millisecond, nil)
	require.NoError(t, m.Start("127.0.0.1:0", "127.0.0.1:0"))
	defer m.Stop()

	sub := wire.DialSub(m.HeartbeatAddr(), []string{HeartbeatTopic}, nil)
	defer sub.Close()

	var first, second model.Heartbeat
	msg, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Payload, &first))

	msg, err = sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(msg.Payload, &second))

	require.Equal(t, "A", first.Node)
	require.Equal(t, "alive", first.Status)
	require.Greater(t, second.Sequence, first.Sequence)
	require.NotZero(t, first.TS)
}

func TestHealthProbe(t *testing.T) {
	m := New("B", time.Hour, nil) // interval irrelevant for probes
	require.NoError(t, m.Start("127.0.0.1:0", "127.0.0.1:0"))
	defer m.Stop()

	client := wire.DialReq(m.HealthAddr())
	defer client.Close()

	probe, _ := json.Marshal(model.HealthProbe{Status: "check"})
	raw, err := client.Do(probe, 2*time.Second)
	require.NoError(t, err)

	var reply model.HealthReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, "ok", reply.Status)
	require.Equal(t, "B", reply.Node)
	require.Equal(t, int64(1), reply.ProbesHandled)

	raw, err = client.Do(probe, 2*time.Second)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, &reply))
	require.Equal(t, int64(2), reply.ProbesHandled)
}

func TestStopWithinOnePeriod(t *testing.T) {
	m := New("A", 50*time.Millisecond, nil)
	require.NoError(t, m.Start("127.0.0.1:0", "127.0.0.1:0"))

	done := make(chan struct{})
	go func() {
		m.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop within the poll period")
	}
}
