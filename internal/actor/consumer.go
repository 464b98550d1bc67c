package actor

import (
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

// Consumer is an asynchronous topic actor: it subscribes to one topic,
// validates each envelope and invokes the matching storage manager method.
// There is no reply channel; failures are logged and dropped.
type Consumer struct {
	topic  string
	op     string
	method string
	sm     SMCaller
	log    *zap.Logger

	sub      *wire.Subscriber
	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewRenew builds the renewal consumer for the RENOVACION topic.
func NewRenew(sm SMCaller, logger *zap.Logger) *Consumer {
	return newConsumer(model.TopicRenovacion, model.OpRenovar, model.MethodRenovar, sm, logger)
}

// NewReturn builds the return consumer for the DEVOLUCION topic.
func NewReturn(sm SMCaller, logger *zap.Logger) *Consumer {
	return newConsumer(model.TopicDevolucion, model.OpDevolver, model.MethodDevolver, sm, logger)
}

func newConsumer(topic, op, method string, sm SMCaller, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		topic:   topic,
		op:      op,
		method:  method,
		sm:      sm,
		log:     logger,
		stopped: make(chan struct{}),
	}
}

// Start subscribes to the coordinator's topic endpoint and launches the
// consume loop.
func (c *Consumer) Start(topicConnect string) {
	c.sub = wire.DialSub(topicConnect, []string{c.topic}, c.log)
	c.log.Info("actor subscribed", zap.String("topic", c.topic), zap.String("endpoint", topicConnect))

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.loop()
	}()
}

// Stop terminates the consume loop within one poll period.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	if c.sub != nil {
		_ = c.sub.Close()
	}
	c.wg.Wait()
}

func (c *Consumer) loop() {
	for {
		select {
		case <-c.stopped:
			return
		default:
		}

		msg, err := c.sub.Recv(wire.PollInterval)
		if err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				continue
			}
			if errors.Is(err, wire.ErrClosed) {
				return
			}
			c.log.Warn("receive failed", zap.Error(err))
			continue
		}
		c.Process(msg.Payload)
	}
}

// Process validates and applies one topic envelope. Exposed for tests.
func (c *Consumer) Process(payload []byte) {
	var env model.ActorEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		c.log.Warn("malformed envelope dropped", zap.Error(err))
		return
	}
	if env.Op != c.op {
		c.log.Warn("envelope with unexpected op dropped",
			zap.String("id", env.ID), zap.String("op", env.Op))
		return
	}
	if env.ID == "" || env.UserID == "" || env.BookCode == "" {
		c.log.Warn("envelope with missing fields dropped", zap.String("id", env.ID))
		return
	}
	if c.op == model.OpRenovar && env.DueDateNew == "" {
		c.log.Warn("renewal envelope without dueDateNew dropped", zap.String("id", env.ID))
		return
	}

	reply, err := c.sm.Call(model.SMRequest{
		Method: c.method,
		Payload: model.SMPayload{
			ID:         env.ID,
			BookCode:   env.BookCode,
			UserID:     env.UserID,
			DueDateNew: env.DueDateNew,
		},
	})
	if err != nil {
		c.log.Error("storage manager unreachable",
			zap.String("id", env.ID), zap.String("op", c.op), zap.Error(err))
		return
	}
	if !reply.OK {
		// Business failures on the async path are logged and dropped; no
		// corrective event is published.
		c.log.Warn("operation rejected",
			zap.String("id", env.ID), zap.String("op", c.op), zap.String("reason", reply.Reason))
		return
	}
	c.log.Info("operation applied", zap.String("id", env.ID), zap.String("op", c.op))
}
