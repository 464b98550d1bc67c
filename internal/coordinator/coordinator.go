package coordinator

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/wire"
)

// Coordinator binds the client endpoint and the topic publisher and serves
// requests either strictly in order (serial mode) or through a worker pool
// (threaded mode).
type Coordinator struct {
	cfg *config.Config
	log *zap.Logger

	pub *wire.Publisher
	srv *wire.ReqServer

	counters *Counters
	pool     *pool

	serialMu sync.Mutex
	serial   *Router

	stopOnce sync.Once
}

// New builds a coordinator from the site configuration.
func New(cfg *config.Config, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{cfg: cfg, log: logger, counters: &Counters{}}
}

// Start binds the topic publisher and the client endpoint and begins serving.
func (c *Coordinator) Start() error {
	pub, err := wire.ListenPub(c.cfg.Endpoints.TopicBind, c.log.Named("topics"))
	if err != nil {
		return fmt.Errorf("bind topic endpoint: %w", err)
	}
	c.pub = pub

	ccCfg := c.cfg.Coordinator
	if ccCfg.Mode == config.ModeThreaded {
		c.pool = newPool(ccCfg.Workers, c.routerFactory(), c.log)
		c.pool.start()
	} else {
		c.serial = c.routerFactory()()
	}

	srv, err := wire.ListenReq(c.cfg.Endpoints.ClientBind, c.handle, c.log.Named("clients"))
	if err != nil {
		c.pub.Close()
		return fmt.Errorf("bind client endpoint: %w", err)
	}
	c.srv = srv

	c.log.Info("coordinator started",
		zap.String("mode", ccCfg.Mode),
		zap.Int("workers", ccCfg.Workers),
		zap.String("clientBind", srv.Addr()),
		zap.String("topicBind", pub.Addr()))
	return nil
}

// routerFactory returns a constructor giving each caller a router with its
// own loan actor connection.
func (c *Coordinator) routerFactory() func() *Router {
	return func() *Router {
		loan := NewLoanClient(c.cfg.Endpoints.LoanConnect)
		return NewRouter(c.pub, loan, c.cfg.Loan, c.cfg.Coordinator.LoanTimeout, c.counters, c.log)
	}
}

func (c *Coordinator) handle(payload []byte) []byte {
	if c.pool != nil {
		return c.pool.submit(payload)
	}
	// Serial mode processes one request at a time regardless of how many
	// clients are connected.
	c.serialMu.Lock()
	defer c.serialMu.Unlock()
	return c.serial.HandleRaw(payload)
}

// ClientAddr returns the bound client endpoint address.
func (c *Coordinator) ClientAddr() string { return c.srv.Addr() }

// TopicAddr returns the bound topic publisher address.
func (c *Coordinator) TopicAddr() string { return c.pub.Addr() }

// Counters returns the shared request counters.
func (c *Coordinator) Counters() CounterSnapshot { return c.counters.Snapshot() }

// TopicSubscribers reports how many actors are attached to the topic
// publisher.
func (c *Coordinator) TopicSubscribers() int { return c.pub.SubscriberCount() }

// Stop closes the endpoints, drains the worker pool and logs the final
// request counters.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() {
		if c.srv != nil {
			c.srv.Close()
		}
		if c.pool != nil {
			c.pool.stop()
		}
		if c.pub != nil {
			c.pub.Close()
		}
		snap := c.counters.Snapshot()
		c.log.Info("coordinator stopped",
			zap.Int64("received", snap.Received),
			zap.Int64("ok", snap.OK),
			zap.Int64("accepted", snap.Accepted),
			zap.Int64("failed", snap.Failed))
	})
}
