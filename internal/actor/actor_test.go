package actor

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bibliodist/biblionet/internal/model"
)

// --- mock: SMCaller ---

type mockSM struct {
	mu    sync.Mutex
	calls []model.SMRequest
	reply model.SMReply
	err   error
}

func (m *mockSM) Call(req model.SMRequest) (model.SMReply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	return m.reply, m.err
}

func (m *mockSM) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func TestLoanHandleSuccess(t *testing.T) {
	sm := &mockSM{reply: model.SMReply{OK: true, Metadata: map[string]any{"dueDate": "2026-09-09"}}}
	a := NewLoan(sm, nil)

	req, _ := json.Marshal(model.LoanRequest{ID: "r1", BookCode: "ISBN-0001", UserID: "u-1"})
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(a.Handle(req), &reply))

	require.True(t, reply.OK)
	require.Equal(t, "2026-09-09", reply.Metadata["dueDate"])
	require.Equal(t, 1, sm.callCount())
	require.Equal(t, model.MethodCheckAndLoan, sm.calls[0].Method)
	require.Equal(t, "r1", sm.calls[0].Payload.ID)
}

func TestLoanHandleBusinessFailurePassedThrough(t *testing.T) {
	sm := &mockSM{reply: model.SMReply{OK: false, Reason: "not available"}}
	a := NewLoan(sm, nil)

	req, _ := json.Marshal(model.LoanRequest{ID: "r1", BookCode: "ISBN-0001", UserID: "u-2"})
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(a.Handle(req), &reply))

	require.False(t, reply.OK)
	require.Equal(t, "not available", reply.Reason)
}

func TestLoanHandleMissingFields(t *testing.T) {
	sm := &mockSM{}
	a := NewLoan(sm, nil)

	req, _ := json.Marshal(model.LoanRequest{ID: "r1"})
	var reply model.SMReply
	require.NoError(t, json.Unmarshal(a.Handle(req), &reply))

	require.False(t, reply.OK)
	require.Equal(t, "missing required fields", reply.Reason)
	require.Zero(t, sm.callCount())
}

func TestLoanHandleMalformedJSON(t *testing.T) {
	sm := &mockSM{}
	a := NewLoan(sm, nil)

	var reply model.SMReply
	require.NoError(t, json.Unmarshal(a.Handle([]byte("{oops")), &reply))
	require.False(t, reply.OK)
	require.Zero(t, sm.callCount())
}

func TestRenewProcessCallsStorage(t *testing.T) {
	sm := &mockSM{reply: model.SMReply{OK: true}}
	c := NewRenew(sm, nil)

	env, _ := json.Marshal(model.ActorEnvelope{
		ID: "r1", SiteID: "A", UserID: "u-1", BookCode: "ISBN-0001",
		Op: model.OpRenovar, DueDateNew: "2026-09-02",
	})
	c.Process(env)

	require.Equal(t, 1, sm.callCount())
	require.Equal(t, model.MethodRenovar, sm.calls[0].Method)
	require.Equal(t, "2026-09-02", sm.calls[0].Payload.DueDateNew)
}

func TestRenewProcessDropsWrongOp(t *testing.T) {
	sm := &mockSM{}
	c := NewRenew(sm, nil)

	env, _ := json.Marshal(model.ActorEnvelope{
		ID: "r1", SiteID: "A", UserID: "u-1", BookCode: "ISBN-0001", Op: model.OpDevolver,
	})
	c.Process(env)
	require.Zero(t, sm.callCount())
}

func TestRenewProcessDropsMissingDueDate(t *testing.T) {
	sm := &mockSM{}
	c := NewRenew(sm, nil)

	env, _ := json.Marshal(model.ActorEnvelope{
		ID: "r1", SiteID: "A", UserID: "u-1", BookCode: "ISBN-0001", Op: model.OpRenovar,
	})
	c.Process(env)
	require.Zero(t, sm.callCount())
}

func TestReturnProcessCallsStorage(t *testing.T) {
	sm := &mockSM{reply: model.SMReply{OK: true}}
	c := NewReturn(sm, nil)

	env, _ := json.Marshal(model.ActorEnvelope{
		ID: "r2", SiteID: "B", UserID: "u-2", BookCode: "ISBN-0002", Op: model.OpDevolver,
	})
	c.Process(env)

	require.Equal(t, 1, sm.callCount())
	require.Equal(t, model.MethodDevolver, sm.calls[0].Method)
}

func TestReturnProcessDropsMalformed(t *testing.T) {
	sm := &mockSM{}
	c := NewReturn(sm, nil)
	c.Process([]byte("not json"))
	require.Zero(t, sm.callCount())
}

func TestConsumerBusinessFailureDropped(t *testing.T) {
	sm := &mockSM{reply: model.SMReply{OK: false, Reason: "no active loan"}}
	c := NewReturn(sm, nil)

	env, _ := json.Marshal(model.ActorEnvelope{
		ID: "r3", SiteID: "A", UserID: "u-1", BookCode: "ISBN-0001", Op: model.OpDevolver,
	})
	c.Process(env)

	// Called once, never retried.
	require.Equal(t, 1, sm.callCount())
}
