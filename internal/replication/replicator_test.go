package replication

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/oplog"
	"github.com/bibliodist/biblionet/internal/storage"
)

type site struct {
	store   *storage.Store
	journal *oplog.Log
	server  *storage.Server
	repl    *Replicator
}

func newSite(t *testing.T, nodeID string, replCfg config.ReplicationConfig) *site {
	t.Helper()
	dir := t.TempDir()
	store, err := storage.Open(dir, config.LoanConfig{DurationDays: 14, RenewDays: 7, MaxRenewals: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddBook("c5", "Cien años de soledad", true))
	journal, err := oplog.Open(dir, nil)
	require.NoError(t, err)

	repl := New(store, journal, nodeID, replCfg, nil)
	srv := storage.NewServer(store, journal, repl, nil)
	return &site{store: store, journal: journal, server: srv, repl: repl}
}

func defaultReplCfg() config.ReplicationConfig {
	return config.ReplicationConfig{SnapshotIntervalOps: 500, RetainLastN: 1000}
}

func smCall(t *testing.T, s *site, method string, payload model.SMPayload) model.SMReply {
	t.Helper()
	req, err := json.Marshal(model.SMRequest{Method: method, Payload: payload})
	require.NoError(t, err)
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(s.server.Handle(req), &reply))
	return reply
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestCrossSiteConvergence(t *testing.T) {
	a := newSite(t, "A", defaultReplCfg())
	b := newSite(t, "B", defaultReplCfg())

	require.NoError(t, a.repl.Start("127.0.0.1:0"))
	require.NoError(t, b.repl.Start("127.0.0.1:0"))
	defer a.repl.Stop()
	defer b.repl.Stop()

	a.repl.ConnectPeer(b.repl.PubAddr())
	b.repl.ConnectPeer(a.repl.PubAddr())

	// Give the subscribers a moment to attach before publishing.
	waitFor(t, func() bool { return a.repl.pub.SubscriberCount() == 1 && b.repl.pub.SubscriberCount() == 1 })

	reply := smCall(t, a, model.MethodCheckAndLoan, model.SMPayload{ID: "r20", BookCode: "c5", UserID: "u5"})
	require.True(t, reply.OK)

	waitFor(t, func() bool { return b.journal.IsApplied("r20") })

	books := b.store.Books()
	require.False(t, books[0].Available)
	loans := b.store.Loans()
	require.Len(t, loans, 1)
	require.Equal(t, "u5", loans[0].UserID)

	entries := b.journal.Since(-1)
	require.Len(t, entries, 1)
	require.True(t, entries[0].Remote)
	require.Equal(t, "A", entries[0].SourceNode)

	// No self-replication loop: B applied a remote op and must not have
	// published anything of its own.
	require.Equal(t, int64(1), a.repl.Stats().OperationsSent)
	require.Equal(t, int64(0), b.repl.Stats().OperationsSent)
	require.Equal(t, int64(1), b.repl.Stats().OperationsReceived)
}

func TestApplyRemoteIdempotentReplay(t *testing.T) {
	a := newSite(t, "A", defaultReplCfg())

	reply := smCall(t, a, model.MethodCheckAndLoan, model.SMPayload{ID: "r10", BookCode: "c5", UserID: "u5"})
	require.True(t, reply.OK)
	require.True(t, a.journal.IsApplied("r10"))

	// Re-deliver the identical operation as if it arrived from the peer.
	a.repl.applyRemote(model.ReplicatedOp{OpLogEntry: model.OpLogEntry{
		ID: "r10", Op: model.OpPrestar, Code: "c5", UserID: "u5", SourceNode: "B", TS: model.NowMillis(),
	}})

	require.Equal(t, 1, a.journal.Stats().TotalOperations)
	require.Len(t, a.store.Loans(), 1)
	require.Equal(t, int64(0), a.repl.Stats().OperationsReceived)
}

func TestApplyRemoteRenovar(t *testing.T) {
	a := newSite(t, "A", defaultReplCfg())

	smCall(t, a, model.MethodCheckAndLoan, model.SMPayload{ID: "r1", BookCode: "c5", UserID: "u5"})

	a.repl.applyRemote(model.ReplicatedOp{OpLogEntry: model.OpLogEntry{
		ID: "r2", Op: model.OpRenovar, Code: "c5", UserID: "u5",
		DueDateNew: "2026-09-02", SourceNode: "B", TS: model.NowMillis(),
	}})

	loans := a.store.Loans()
	require.Equal(t, "2026-09-02", loans[0].DueDate)
	require.Equal(t, 1, loans[0].Renewals)
	require.True(t, a.journal.IsApplied("r2"))
	require.Equal(t, int64(1), a.repl.Stats().OperationsReceived)
}

func TestApplyRemoteBusinessRejectionDropped(t *testing.T) {
	a := newSite(t, "A", defaultReplCfg())

	// No loan exists, so a remote return is rejected and must not journal.
	a.repl.applyRemote(model.ReplicatedOp{OpLogEntry: model.OpLogEntry{
		ID: "r9", Op: model.OpDevolver, Code: "c5", UserID: "u5", SourceNode: "B", TS: model.NowMillis(),
	}})

	require.False(t, a.journal.IsApplied("r9"))
	require.Equal(t, int64(0), a.repl.Stats().OperationsReceived)
}

func TestSnapshotTriggerTruncates(t *testing.T) {
	a := newSite(t, "A", config.ReplicationConfig{SnapshotIntervalOps: 4, RetainLastN: 2})
	require.NoError(t, a.repl.Start("127.0.0.1:0"))
	defer a.repl.Stop()

	ids := []string{"r1", "r2", "r3", "r4"}
	for i, id := range ids {
		if i%2 == 0 {
			smCall(t, a, model.MethodCheckAndLoan, model.SMPayload{ID: id, BookCode: "c5", UserID: "u5"})
		} else {
			smCall(t, a, model.MethodDevolver, model.SMPayload{ID: id, BookCode: "c5", UserID: "u5"})
		}
	}

	stats := a.journal.Stats()
	require.Equal(t, 2, stats.TotalOperations)
	require.True(t, a.journal.IsApplied("r3"))
	require.True(t, a.journal.IsApplied("r4"))
	require.False(t, a.journal.IsApplied("r1"))
}
