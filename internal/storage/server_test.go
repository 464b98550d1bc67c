package storage

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/oplog"
)

type capturePublisher struct {
	mu      sync.Mutex
	entries []model.OpLogEntry
}

func (c *capturePublisher) PublishApplied(entry model.OpLogEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
}

func (c *capturePublisher) published() []model.OpLogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.OpLogEntry(nil), c.entries...)
}

func newTestServer(t *testing.T) (*Server, *oplog.Log, *capturePublisher) {
	t.Helper()
	srv, journal, pub, _ := newTestServerAt(t)
	return srv, journal, pub
}

func newTestServerAt(t *testing.T) (*Server, *oplog.Log, *capturePublisher, string) {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(dir, config.LoanConfig{DurationDays: 14, RenewDays: 7, MaxRenewals: 2}, nil)
	require.NoError(t, err)
	require.NoError(t, store.AddBook("ISBN-0001", "El Quijote", true))
	journal, err := oplog.Open(dir, nil)
	require.NoError(t, err)
	pub := &capturePublisher{}
	return NewServer(store, journal, pub, nil), journal, pub, dir
}

func call(t *testing.T, srv *Server, method string, payload model.SMPayload) model.SMReply {
	t.Helper()
	req, err := json.Marshal(model.SMRequest{Method: method, Payload: payload})
	require.NoError(t, err)
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(srv.Handle(req), &reply))
	return reply
}

func TestHandleCheckAndLoanJournalsAndPublishes(t *testing.T) {
	srv, journal, pub := newTestServer(t)

	reply := call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	require.True(t, reply.OK)
	require.Equal(t, model.TodayPlusDays(14), reply.Metadata["dueDate"])

	require.True(t, journal.IsApplied("r1"))
	entries := pub.published()
	require.Len(t, entries, 1)
	require.Equal(t, model.OpPrestar, entries[0].Op)
	require.Equal(t, "r1", entries[0].ID)
}

func TestHandleRejectionDoesNotJournal(t *testing.T) {
	srv, journal, pub := newTestServer(t)

	call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	reply := call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r2", BookCode: "ISBN-0001", UserID: "u-2",
	})
	require.False(t, reply.OK)
	require.Equal(t, ReasonNotAvailable, reply.Reason)

	require.False(t, journal.IsApplied("r2"))
	require.Len(t, pub.published(), 1)
}

func TestHandleDuplicateIDNotRepublished(t *testing.T) {
	srv, journal, pub := newTestServer(t)

	call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	call(t, srv, model.MethodDevolver, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})

	// The second request succeeds against the store but shares the id, so
	// the journal refuses it and nothing more is replicated.
	require.Equal(t, 1, journal.Stats().TotalOperations)
	require.Len(t, pub.published(), 1)
}

func TestHandleRenovarRequiresDueDate(t *testing.T) {
	srv, _, _ := newTestServer(t)
	reply := call(t, srv, model.MethodRenovar, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	require.False(t, reply.OK)
	require.Equal(t, "missing required fields", reply.Reason)
}

func TestHandleUnknownMethod(t *testing.T) {
	srv, _, _ := newTestServer(t)
	reply := call(t, srv, "prune", model.SMPayload{ID: "r1", BookCode: "c", UserID: "u"})
	require.False(t, reply.OK)
	require.Contains(t, reply.Reason, "unknown method")
}

func TestHandleJournalWriteFailureRepliesInternalError(t *testing.T) {
	srv, journal, pub, dir := newTestServerAt(t)

	// A directory squatting on the journal's temp path makes the next
	// journal write fail.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "oplog.json.tmp"), 0o755))

	reply := call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	require.False(t, reply.OK)
	require.Equal(t, ReasonInternal, reply.Reason)

	require.False(t, journal.IsApplied("r1"))
	require.Empty(t, pub.published(), "an unjournaled operation is never replicated")
}

func TestHandleIndexPersistFailureStillCommits(t *testing.T) {
	srv, journal, pub, dir := newTestServerAt(t)

	// Block only the index write; the journal itself succeeds and startup
	// reconciliation can rebuild the index from it.
	require.NoError(t, os.Mkdir(filepath.Join(dir, "applied_index.json.tmp"), 0o755))

	reply := call(t, srv, model.MethodCheckAndLoan, model.SMPayload{
		ID: "r1", BookCode: "ISBN-0001", UserID: "u-1",
	})
	require.True(t, reply.OK)
	require.True(t, journal.IsApplied("r1"))
	require.Len(t, pub.published(), 1)
}

func TestHandleMalformedPayload(t *testing.T) {
	srv, _, _ := newTestServer(t)
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(srv.Handle([]byte("{bad json")), &reply))
	require.False(t, reply.OK)
	require.Equal(t, "malformed request", reply.Reason)
}
