// Package model defines the closed message schemas exchanged between the
// coordinator, the actors, the storage manager and the replication layer,
// together with the persisted entities. All JSON field names are part of the
// external contract and must not change.
package model

// Operation kinds carried in client requests and oplog entries.
const (
	OpPrestar  = "PRESTAR"
	OpRenovar  = "RENOVAR"
	OpDevolver = "DEVOLVER"
)

// Reply statuses returned by the coordinator.
const (
	StatusRecibido = "RECIBIDO"
	StatusOK       = "OK"
	StatusError    = "ERROR"
)

// Topics published by the coordinator and consumed by the async actors.
const (
	TopicRenovacion = "RENOVACION"
	TopicDevolucion = "DEVOLUCION"
)

// Storage manager methods addressable over the SM endpoint.
const (
	MethodCheckAndLoan = "checkAndLoan"
	MethodRenovar      = "renovar"
	MethodDevolver     = "devolver"
)

// ClientRequest is the message a client sends to the coordinator.
type ClientRequest struct {
	ID        string `json:"id"`
	SiteID    string `json:"siteId"`
	UserID    string `json:"userId"`
	Op        string `json:"op"`
	BookCode  string `json:"libroCodigo"`
	Timestamp int64  `json:"timestamp"`
}

// CCReply is the coordinator's answer to a client request.
type CCReply struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	DueDate string `json:"dueDate,omitempty"`
}

// ActorEnvelope is the payload published on the RENOVACION and DEVOLUCION
// topics for the asynchronous actors.
type ActorEnvelope struct {
	ID         string `json:"id"`
	SiteID     string `json:"siteId"`
	UserID     string `json:"userId"`
	BookCode   string `json:"libroCodigo"`
	Op         string `json:"op"`
	DueDateNew string `json:"dueDateNew,omitempty"`
}

// LoanRequest is the coordinator's synchronous request to the loan actor.
type LoanRequest struct {
	ID       string `json:"id"`
	BookCode string `json:"libroCodigo"`
	UserID   string `json:"userId"`
}

// SMPayload carries the operation arguments inside an SMRequest.
type SMPayload struct {
	ID         string `json:"id"`
	BookCode   string `json:"libroCodigo"`
	UserID     string `json:"userId"`
	DueDateNew string `json:"dueDateNew,omitempty"`
}

// SMRequest is the envelope actors send to the storage manager endpoint.
type SMRequest struct {
	Method  string    `json:"method"`
	Payload SMPayload `json:"payload"`
}

// SMReply mirrors the storage manager's result envelope. Metadata carries
// operation-specific values such as the due date or the renewal count.
type SMReply struct {
	OK       bool           `json:"ok"`
	Reason   string         `json:"reason,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Heartbeat is published periodically by the health subsystem.
type Heartbeat struct {
	Node     string `json:"node"`
	TS       int64  `json:"ts"`
	Status   string `json:"status"`
	Sequence int64  `json:"sequence"`
}

// HealthProbe is the request accepted by the health responder.
type HealthProbe struct {
	Status string `json:"status"`
}

// HealthReply answers a health probe with liveness counters.
type HealthReply struct {
	Status         string `json:"status"`
	Node           string `json:"node"`
	TS             int64  `json:"ts"`
	HeartbeatsSent int64  `json:"heartbeatsSent"`
	ProbesHandled  int64  `json:"probesHandled"`
}
