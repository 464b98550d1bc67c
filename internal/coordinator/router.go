// Package coordinator implements the central coordinator: the client-facing
// entry point that validates requests, synchronously dispatches loans to the
// loan actor and publishes renewals and returns on their topics with an
// immediate ACK.
package coordinator

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/config"
	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/wire"
)

// LoanCaller performs one request/reply exchange with the loan actor.
type LoanCaller interface {
	Call(req model.LoanRequest, timeout time.Duration) (model.SMReply, error)
}

type loanClient struct {
	client *wire.ReqClient
}

// NewLoanClient returns a LoanCaller connected to the loan actor endpoint.
func NewLoanClient(addr string) LoanCaller {
	return &loanClient{client: wire.DialReq(addr)}
}

func (c *loanClient) Call(req model.LoanRequest, timeout time.Duration) (model.SMReply, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return model.SMReply{}, err
	}
	raw, err := c.client.Do(payload, timeout)
	if err != nil {
		return model.SMReply{}, err
	}
	var reply model.SMReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		return model.SMReply{}, err
	}
	return reply, nil
}

// TopicPublisher is the shared topic endpoint; wire.Publisher satisfies it
// and provides thread-safe publication.
type TopicPublisher interface {
	Publish(topic string, payload []byte) error
}

// Counters aggregates request statistics across workers under one mutex.
type Counters struct {
	mu       sync.Mutex
	received int64
	ok       int64
	accepted int64
	failed   int64
}

// CounterSnapshot is an immutable view of the counters.
type CounterSnapshot struct {
	Received int64 `json:"received"`
	OK       int64 `json:"ok"`
	Accepted int64 `json:"accepted"`
	Failed   int64 `json:"failed"`
}

func (c *Counters) count(status string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received++
	switch status {
	case model.StatusOK:
		c.ok++
	case model.StatusRecibido:
		c.accepted++
	default:
		c.failed++
	}
}

// Snapshot returns the current counter values.
func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return CounterSnapshot{Received: c.received, OK: c.ok, Accepted: c.accepted, Failed: c.failed}
}

// Router validates one client request and executes the dispatch table. Each
// worker owns a Router with its own loan connection; the topic publisher and
// the counters are shared.
type Router struct {
	pub      TopicPublisher
	loan     LoanCaller
	loanCfg  config.LoanConfig
	timeout  time.Duration
	counters *Counters
	log      *zap.Logger
}

// NewRouter builds a router around a topic publisher and a loan connection.
func NewRouter(pub TopicPublisher, loan LoanCaller, loanCfg config.LoanConfig, timeout time.Duration, counters *Counters, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counters == nil {
		counters = &Counters{}
	}
	return &Router{pub: pub, loan: loan, loanCfg: loanCfg, timeout: timeout, counters: counters, log: logger}
}

// HandleRaw routes one raw client payload and returns the encoded reply.
func (r *Router) HandleRaw(payload []byte) []byte {
	reply := r.route(payload)
	r.counters.count(reply.Status)
	data, err := json.Marshal(reply)
	if err != nil {
		return []byte(`{"id":"","status":"ERROR","reason":"internal error"}`)
	}
	return data
}

func (r *Router) route(payload []byte) model.CCReply {
	var req model.ClientRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		// Still try to echo the request id so the client can correlate.
		id := gjson.GetBytes(payload, "id").String()
		r.log.Warn("malformed client request", zap.String("id", id), zap.Error(err))
		return model.CCReply{ID: id, Status: model.StatusError, Reason: "invalid request: malformed JSON"}
	}

	if req.ID == "" {
		// A client may omit the id; the coordinator coins one so the
		// operation stays traceable end to end.
		req.ID = uuid.NewString()
	}
	if reason, ok := validate(req); !ok {
		r.log.Warn("request rejected",
			zap.String("id", req.ID), zap.String("op", req.Op), zap.String("reason", reason))
		return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: reason}
	}

	r.log.Info("request received", zap.String("id", req.ID),
		zap.String("op", req.Op), zap.String("site", req.SiteID), zap.String("user", req.UserID))

	switch req.Op {
	case model.OpPrestar:
		return r.handlePrestar(req)
	case model.OpRenovar:
		return r.publishAsync(req, model.TopicRenovacion, model.TodayPlusDays(r.loanCfg.RenewDays))
	default: // DEVOLVER, already validated
		return r.publishAsync(req, model.TopicDevolucion, "")
	}
}

func validate(req model.ClientRequest) (string, bool) {
	switch req.Op {
	case model.OpPrestar, model.OpRenovar, model.OpDevolver:
	default:
		return "unknown operation: " + req.Op, false
	}
	if req.SiteID != "A" && req.SiteID != "B" {
		return "invalid siteId: " + req.SiteID, false
	}
	if req.UserID == "" || req.BookCode == "" {
		return "missing required fields", false
	}
	return "", true
}

func (r *Router) handlePrestar(req model.ClientRequest) model.CCReply {
	reply, err := r.loan.Call(model.LoanRequest{
		ID:       req.ID,
		BookCode: req.BookCode,
		UserID:   req.UserID,
	}, r.timeout)
	if err != nil {
		if errors.Is(err, wire.ErrTimeout) {
			r.log.Error("loan actor timed out", zap.String("id", req.ID))
			return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: "loan actor timeout"}
		}
		r.log.Error("loan actor unreachable", zap.String("id", req.ID), zap.Error(err))
		return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: "loan actor unreachable"}
	}

	if !reply.OK {
		return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: reply.Reason}
	}
	dueDate, _ := reply.Metadata["dueDate"].(string)
	return model.CCReply{ID: req.ID, Status: model.StatusOK, DueDate: dueDate}
}

// publishAsync fans the request out on its topic and acknowledges
// immediately; the reply never waits for the actor.
func (r *Router) publishAsync(req model.ClientRequest, topic, dueDateNew string) model.CCReply {
	env := model.ActorEnvelope{
		ID:         req.ID,
		SiteID:     req.SiteID,
		UserID:     req.UserID,
		BookCode:   req.BookCode,
		Op:         req.Op,
		DueDateNew: dueDateNew,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: "internal error"}
	}
	if err := r.pub.Publish(topic, payload); err != nil {
		r.log.Error("topic publish failed",
			zap.String("id", req.ID), zap.String("topic", topic), zap.Error(err))
		return model.CCReply{ID: req.ID, Status: model.StatusError, Reason: "publish failed"}
	}

	r.log.Info("published to topic", zap.String("id", req.ID), zap.String("topic", topic))
	return model.CCReply{ID: req.ID, Status: model.StatusRecibido}
}
