package wire

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReqRepRoundTrip(t *testing.T) {
	srv, err := ListenReq("127.0.0.1:0", func(payload []byte) []byte {
		return append([]byte("echo:"), payload...)
	}, nil)
	require.NoError(t, err)
	defer srv.Close()

	client := DialReq(srv.Addr())
	defer client.Close()

	reply, err := client.Do([]byte("hola"), 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "echo:hola", string(reply))
}

func TestReqRepConcurrentClients(t *testing.T) {
	srv, err := ListenReq("127.0.0.1:0", func(payload []byte) []byte {
		return payload
	}, nil)
	require.NoError(t, err)
	defer srv.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client := DialReq(srv.Addr())
			defer client.Close()
			for j := 0; j < 10; j++ {
				msg := fmt.Sprintf("c%d-m%d", i, j)
				reply, err := client.Do([]byte(msg), 2*time.Second)
				require.NoError(t, err)
				require.Equal(t, msg, string(reply))
			}
		}(i)
	}
	wg.Wait()
}

func TestReqClientTimeout(t *testing.T) {
	srv, err := ListenReq("127.0.0.1:0", func(payload []byte) []byte {
		time.Sleep(500 * time.Millisecond)
		return payload
	}, nil)
	require.NoError(t, err)
	defer srv.Close()

	client := DialReq(srv.Addr())
	defer client.Close()

	_, err = client.Do([]byte("x"), 50*time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPubSubTopicFilter(t *testing.T) {
	pub, err := ListenPub("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pub.Close()

	sub := DialSub(pub.Addr(), []string{"RENOVACION"}, nil)
	defer sub.Close()

	waitForSubscribers(t, pub, 1)

	require.NoError(t, pub.Publish("DEVOLUCION", []byte(`{"n":1}`)))
	require.NoError(t, pub.Publish("RENOVACION", []byte(`{"n":2}`)))

	msg, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, "RENOVACION", msg.Topic)
	require.JSONEq(t, `{"n":2}`, string(msg.Payload))

	// The filtered-out topic must never arrive.
	_, err = sub.Recv(200 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
}

func TestPubSubWildcard(t *testing.T) {
	pub, err := ListenPub("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pub.Close()

	sub := DialSub(pub.Addr(), nil, nil)
	defer sub.Close()

	waitForSubscribers(t, pub, 1)

	require.NoError(t, pub.Publish("A", []byte(`1`)))
	require.NoError(t, pub.Publish("B", []byte(`2`)))

	first, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	second, err := sub.Recv(2 * time.Second)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"A", "B"}, []string{first.Topic, second.Topic})
}

func TestSubscriberRecvTimeout(t *testing.T) {
	pub, err := ListenPub("127.0.0.1:0", nil)
	require.NoError(t, err)
	defer pub.Close()

	sub := DialSub(pub.Addr(), nil, nil)
	defer sub.Close()

	start := time.Now()
	_, err = sub.Recv(100 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func waitForSubscribers(t *testing.T, pub *Publisher, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pub.SubscriberCount() >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("subscribers never reached %d", n)
}
