package storage

import (
	"encoding/json"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/oplog"
	"github.com/bibliodist/biblionet/internal/wire"
)

// AppliedPublisher receives locally applied operations for propagation to
// the peer site. The replicator implements it; a nil publisher disables
// replication.
type AppliedPublisher interface {
	PublishApplied(entry model.OpLogEntry)
}

// Server exposes the store over the SM request/reply endpoint. Every
// accepted mutation is journaled and handed to the replicator before the
// reply is sent.
type Server struct {
	store   *Store
	journal *oplog.Log
	repl    AppliedPublisher
	log     *zap.Logger
	srv     *wire.ReqServer
}

// NewServer wires the store, the journal and the replication hook together.
func NewServer(store *Store, journal *oplog.Log, repl AppliedPublisher, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{store: store, journal: journal, repl: repl, log: logger}
}

// Start binds the SM endpoint and begins serving requests.
func (s *Server) Start(bind string) error {
	srv, err := wire.ListenReq(bind, s.Handle, s.log)
	if err != nil {
		return err
	}
	s.srv = srv
	s.log.Info("storage manager listening", zap.String("bind", bind))
	return nil
}

// Addr returns the bound endpoint address once started.
func (s *Server) Addr() string {
	return s.srv.Addr()
}

// Stop closes the endpoint.
func (s *Server) Stop() {
	if s.srv != nil {
		_ = s.srv.Close()
	}
}

// Handle processes one SM request envelope and returns the reply envelope.
// Exposed for in-process dispatch in tests.
func (s *Server) Handle(payload []byte) []byte {
	var req model.SMRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		s.log.Warn("malformed storage request", zap.Error(err))
		return marshalReply(model.SMReply{OK: false, Reason: "malformed request"})
	}

	reply := s.dispatch(req)
	return marshalReply(reply)
}

func (s *Server) dispatch(req model.SMRequest) model.SMReply {
	p := req.Payload
	if p.ID == "" || p.BookCode == "" || p.UserID == "" {
		return model.SMReply{OK: false, Reason: "missing required fields"}
	}

	var (
		result Result
		err    error
		op     string
	)
	switch req.Method {
	case model.MethodCheckAndLoan:
		op = model.OpPrestar
		result, err = s.store.CheckAndLoan(p.ID, p.BookCode, p.UserID)
	case model.MethodRenovar:
		if p.DueDateNew == "" {
			return model.SMReply{OK: false, Reason: "missing required fields"}
		}
		op = model.OpRenovar
		result, err = s.store.Renovar(p.ID, p.BookCode, p.UserID, p.DueDateNew)
	case model.MethodDevolver:
		op = model.OpDevolver
		result, err = s.store.Devolver(p.ID, p.BookCode, p.UserID)
	default:
		return model.SMReply{OK: false, Reason: "unknown method: " + req.Method}
	}

	if err != nil {
		// Persistence failed; no journal append so the log stays consistent
		// with the on-disk state.
		s.log.Error("storage mutation failed", zap.String("id", p.ID),
			zap.String("op", op), zap.Error(err))
		return model.SMReply{OK: false, Reason: ReasonInternal}
	}
	if !result.OK {
		s.log.Info("operation rejected", zap.String("id", p.ID),
			zap.String("op", op), zap.String("reason", result.Reason))
		return model.SMReply{OK: false, Reason: result.Reason}
	}

	entry := model.OpLogEntry{
		ID:         p.ID,
		Op:         op,
		Code:       p.BookCode,
		UserID:     p.UserID,
		DueDateNew: p.DueDateNew,
	}
	appended, err := s.journal.Append(entry)
	if err != nil {
		s.log.Error("journal append failed", zap.String("id", p.ID), zap.Error(err))
		if !appended {
			// The journal never recorded the operation, so it will not
			// replicate; the client must not treat it as committed.
			return model.SMReply{OK: false, Reason: ReasonInternal}
		}
		// Journal write succeeded and only the index persist failed; startup
		// reconciliation rebuilds the index from the journal tail.
	}
	if appended && s.repl != nil {
		s.repl.PublishApplied(entry)
	}

	return model.SMReply{OK: true, Metadata: result.Metadata}
}

func marshalReply(reply model.SMReply) []byte {
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"ok":false,"reason":"internal error"}`)
	}
	return data
}
