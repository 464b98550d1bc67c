// Package wire provides the message-oriented endpoint abstractions used by
// every component: strict request/reply endpoints and publish/subscribe
// topics, both addressed by host:port tuples. The transport is WebSocket,
// which preserves message boundaries; payloads are opaque byte slices
// (UTF-8 JSON by convention of the callers).
package wire

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrTimeout is returned by receive operations that exhaust their poll
// period without a message. Loops treat it as a normal continue signal.
var ErrTimeout = errors.New("wire: receive timed out")

// ErrClosed is returned by operations on a closed endpoint.
var ErrClosed = errors.New("wire: endpoint closed")

// PollInterval is the receive timeout every long-lived loop polls with, so
// shutdown is observed within one period.
const PollInterval = time.Second

// frame is the envelope carried on publish/subscribe connections. The topic
// travels alongside the payload, mirroring a two-frame topic message.
type frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}

// subscribeFrame is the first message a subscriber sends after connecting.
// An empty topic list subscribes to everything.
type subscribeFrame struct {
	Topics []string `json:"topics"`
}
