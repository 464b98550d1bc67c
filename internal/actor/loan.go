package actor

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

// Loan is the synchronous loan actor. It bridges the coordinator's loan
// requests to the storage manager's checkAndLoan and relays the outcome,
// one request in flight per connection.
type Loan struct {
	sm  SMCaller
	log *zap.Logger
	srv *wire.ReqServer
}

// NewLoan builds the loan actor on top of a storage manager client.
func NewLoan(sm SMCaller, logger *zap.Logger) *Loan {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loan{sm: sm, log: logger}
}

// Start binds the actor's reply endpoint.
func (a *Loan) Start(bind string) error {
	srv, err := wire.ListenReq(bind, a.Handle, a.log)
	if err != nil {
		return err
	}
	a.srv = srv
	a.log.Info("loan actor listening", zap.String("bind", bind))
	return nil
}

// Addr returns the bound endpoint once started.
func (a *Loan) Addr() string { return a.srv.Addr() }

// Stop closes the endpoint.
func (a *Loan) Stop() {
	if a.srv != nil {
		_ = a.srv.Close()
	}
}

// Handle processes one loan request payload. Exposed for in-process tests.
func (a *Loan) Handle(payload []byte) []byte {
	var req model.LoanRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		a.log.Warn("malformed loan request", zap.Error(err))
		return encodeReply(model.SMReply{OK: false, Reason: "malformed request"})
	}
	if req.ID == "" || req.BookCode == "" || req.UserID == "" {
		return encodeReply(model.SMReply{OK: false, Reason: "missing required fields"})
	}

	a.log.Info("loan request received",
		zap.String("id", req.ID), zap.String("code", req.BookCode), zap.String("user", req.UserID))

	reply, err := a.sm.Call(model.SMRequest{
		Method: model.MethodCheckAndLoan,
		Payload: model.SMPayload{
			ID:       req.ID,
			BookCode: req.BookCode,
			UserID:   req.UserID,
		},
	})
	if err != nil {
		a.log.Error("storage manager unreachable", zap.String("id", req.ID), zap.Error(err))
		return encodeReply(model.SMReply{OK: false, Reason: "storage manager unreachable"})
	}

	if reply.OK {
		a.log.Info("loan applied", zap.String("id", req.ID))
	} else {
		a.log.Info("loan rejected", zap.String("id", req.ID), zap.String("reason", reply.Reason))
	}
	return encodeReply(reply)
}

func encodeReply(reply model.SMReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"ok":false,"reason":"internal error"}`)
	}
	return data
}
