// Package replication propagates locally applied operations to the peer site
// and applies peer operations locally. Replication is asynchronous and
// best-effort; idempotency at the journal is the sole duplicate guard.
package replication

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/oplog"
	"github.com/bibliodist/biblionet/internal/storage"
	"github.com/bibliodist/biblionet/internal/wire"
)

// Topic carrying replicated operations between sites.
const Topic = "REPLICATION"

// Replicator owns the outbound publication endpoint and the inbound
// subscription to the peer. It implements storage.AppliedPublisher.
type Replicator struct {
	store   *storage.Store
	journal *oplog.Log
	nodeID  string
	cfg     config.ReplicationConfig
	log     *zap.Logger

	pub *wire.Publisher
	sub *wire.Subscriber

	opsSent     atomic.Int64
	opsReceived atomic.Int64

	snapMu          sync.Mutex
	lastSnapshotOps int

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// Stats is the replication counter snapshot.
type Stats struct {
	NodeID             string `json:"nodeId"`
	OperationsSent     int64  `json:"operationsSent"`
	OperationsReceived int64  `json:"operationsReceived"`
}

// New builds a replicator for one site.
func New(store *storage.Store, journal *oplog.Log, nodeID string, cfg config.ReplicationConfig, logger *zap.Logger) *Replicator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Replicator{
		store:   store,
		journal: journal,
		nodeID:  nodeID,
		cfg:     cfg,
		log:     logger,
		stopped: make(chan struct{}),
	}
}

// Start binds the outbound publication endpoint.
func (r *Replicator) Start(pubBind string) error {
	pub, err := wire.ListenPub(pubBind, r.log)
	if err != nil {
		return err
	}
	r.pub = pub
	r.log.Info("replication publisher listening", zap.String("bind", pubBind))
	return nil
}

// PubAddr returns the bound publication address once started.
func (r *Replicator) PubAddr() string {
	return r.pub.Addr()
}

// ConnectPeer subscribes to the peer's publication endpoint (all topics) and
// starts the inbound apply loop.
func (r *Replicator) ConnectPeer(subConnect string) {
	r.sub = wire.DialSub(subConnect, nil, r.log)
	r.log.Info("replication subscriber connecting", zap.String("peer", subConnect))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.applyLoop()
	}()
}

// Stop terminates the loops and closes both endpoints.
func (r *Replicator) Stop() {
	r.stopOnce.Do(func() { close(r.stopped) })
	if r.sub != nil {
		_ = r.sub.Close()
	}
	r.wg.Wait()
	if r.pub != nil {
		_ = r.pub.Close()
	}
}

// PublishApplied sends a locally applied operation to the peer, stamped with
// this node's id. Called by the storage server after journal acceptance.
func (r *Replicator) PublishApplied(entry model.OpLogEntry) {
	if r.pub == nil {
		return
	}
	entry.SourceNode = r.nodeID
	payload, err := json.Marshal(model.ReplicatedOp{
		OpLogEntry:    entry,
		ReplicationTS: model.NowMillis(),
	})
	if err != nil {
		r.log.Error("encode replicated op", zap.String("id", entry.ID), zap.Error(err))
		return
	}
	if err := r.pub.Publish(Topic, payload); err != nil {
		r.log.Warn("publish to peer failed", zap.String("id", entry.ID), zap.Error(err))
		return
	}
	r.opsSent.Add(1)
	r.log.Debug("operation published to peer",
		zap.String("id", entry.ID), zap.String("op", entry.Op))

	r.maybeSnapshot()
}

func (r *Replicator) applyLoop() {
	for {
		select {
		case <-r.stopped:
			return
		default:
		}

		msg, err := r.sub.Recv(wire.PollInterval)
		if err != nil {
			if errors.Is(err, wire.ErrTimeout) {
				continue
			}
			if errors.Is(err, wire.ErrClosed) {
				return
			}
			r.log.Warn("replication receive failed", zap.Error(err))
			continue
		}

		var op model.ReplicatedOp
		if err := json.Unmarshal(msg.Payload, &op); err != nil {
			r.log.Warn("malformed replicated op dropped", zap.Error(err))
			continue
		}
		r.applyRemote(op)
	}
}

// applyRemote applies one peer operation through the same store path as
// local mutations, journals it with the remote marker, and never
// re-publishes it.
func (r *Replicator) applyRemote(op model.ReplicatedOp) {
	if r.journal.IsApplied(op.ID) {
		r.log.Debug("remote operation already applied",
			zap.String("id", op.ID), zap.String("op", op.Op))
		return
	}

	var (
		result storage.Result
		err    error
	)
	switch op.Op {
	case model.OpPrestar:
		result, err = r.store.CheckAndLoan(op.ID, op.Code, op.UserID)
	case model.OpRenovar:
		result, err = r.store.Renovar(op.ID, op.Code, op.UserID, op.DueDateNew)
	case model.OpDevolver:
		result, err = r.store.Devolver(op.ID, op.Code, op.UserID)
	default:
		r.log.Warn("unknown remote operation dropped",
			zap.String("id", op.ID), zap.String("op", op.Op))
		return
	}

	if err != nil {
		r.log.Error("remote operation apply failed",
			zap.String("id", op.ID), zap.String("op", op.Op), zap.Error(err))
		return
	}
	if !result.OK {
		// Divergence under adversarial concurrent edits is accepted.
		r.log.Warn("remote operation rejected",
			zap.String("id", op.ID), zap.String("op", op.Op),
			zap.String("reason", result.Reason))
		return
	}

	entry := op.OpLogEntry
	entry.Remote = true
	if _, err := r.journal.Append(entry); err != nil {
		r.log.Error("journal append for remote op failed",
			zap.String("id", op.ID), zap.Error(err))
		return
	}
	r.opsReceived.Add(1)
	r.log.Info("remote operation applied",
		zap.String("id", op.ID), zap.String("op", op.Op),
		zap.String("source", op.SourceNode))

	r.maybeSnapshot()
}

// maybeSnapshot truncates the journal once it has grown by the configured
// number of operations since the last trigger.
func (r *Replicator) maybeSnapshot() {
	r.snapMu.Lock()
	defer r.snapMu.Unlock()

	total := r.journal.Stats().TotalOperations
	if total-r.lastSnapshotOps < r.cfg.SnapshotIntervalOps {
		return
	}
	if err := r.journal.Truncate(r.cfg.RetainLastN); err != nil {
		r.log.Error("journal truncation failed", zap.Error(err))
		return
	}
	r.lastSnapshotOps = r.journal.Stats().TotalOperations
	r.log.Info("snapshot trigger fired", zap.Int("retained", r.lastSnapshotOps))
}

// Stats returns the replication counters.
func (r *Replicator) Stats() Stats {
	return Stats{
		NodeID:             r.nodeID,
		OperationsSent:     r.opsSent.Load(),
		OperationsReceived: r.opsReceived.Load(),
	}
}
