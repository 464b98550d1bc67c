// Package health publishes periodic heartbeats and answers health probes for
// one site.
package health

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

// HeartbeatTopic carries the liveness publications.
const HeartbeatTopic = "HEARTBEAT"

// Monitor runs the heartbeat publisher and the health responder.
type Monitor struct {
	nodeID   string
	interval time.Duration
	log      *zap.Logger

	pub *wire.Publisher
	rep *wire.ReqServer

	heartbeatsSent atomic.Int64
	probesHandled  atomic.Int64
	sequence       atomic.Int64

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// New builds a monitor for the given node publishing every interval.
func New(nodeID string, interval time.Duration, logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		nodeID:   nodeID,
		interval: interval,
		log:      logger,
		stopped:  make(chan struct{}),
	}
}

// Start binds the heartbeat publication and health reply endpoints and
// launches the publisher loop.
func (m *Monitor) Start(heartbeatBind, healthBind string) error {
	pub, err := wire.ListenPub(heartbeatBind, m.log)
	if err != nil {
		return err
	}
	m.pub = pub

	rep, err := wire.ListenReq(healthBind, m.handleProbe, m.log)
	if err != nil {
		_ = pub.Close()
		return err
	}
	m.rep = rep

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.heartbeatLoop()
	}()

	m.log.Info("health monitor started",
		zap.String("heartbeat_bind", heartbeatBind),
		zap.String("health_bind", healthBind),
		zap.Duration("interval", m.interval))
	return nil
}

// HeartbeatAddr returns the bound heartbeat endpoint once started.
func (m *Monitor) HeartbeatAddr() string { return m.pub.Addr() }

// HealthAddr returns the bound health endpoint once started.
func (m *Monitor) HealthAddr() string { return m.rep.Addr() }

// Stop terminates the loops; they observe it within one publish period.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopped) })
	m.wg.Wait()
	if m.rep != nil {
		_ = m.rep.Close()
	}
	if m.pub != nil {
		_ = m.pub.Close()
	}
}

func (m *Monitor) heartbeatLoop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.publishHeartbeat()
		case <-m.stopped:
			return
		}
	}
}

func (m *Monitor) publishHeartbeat() {
	hb := model.Heartbeat{
		Node:     m.nodeID,
		TS:       model.NowMillis(),
		Status:   "alive",
		Sequence: m.sequence.Add(1),
	}
	payload, err := json.Marshal(hb)
	if err != nil {
		m.log.Error("encode heartbeat", zap.Error(err))
		return
	}
	if err := m.pub.Publish(HeartbeatTopic, payload); err != nil {
		m.log.Warn("heartbeat publish failed", zap.Error(err))
		return
	}
	m.heartbeatsSent.Add(1)
}

func (m *Monitor) handleProbe(payload []byte) []byte {
	var probe model.HealthProbe
	// A malformed probe is still answered; liveness matters more than the
	// probe's shape.
	_ = json.Unmarshal(payload, &probe)

	m.probesHandled.Add(1)
	reply := model.HealthReply{
		Status:         "ok",
		Node:           m.nodeID,
		TS:             model.NowMillis(),
		HeartbeatsSent: m.heartbeatsSent.Load(),
		ProbesHandled:  m.probesHandled.Load(),
	}
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"status":"error"}`)
	}
	return data
}

// HeartbeatsSent reports the number of heartbeats published so far.
func (m *Monitor) HeartbeatsSent() int64 { return m.heartbeatsSent.Load() }
