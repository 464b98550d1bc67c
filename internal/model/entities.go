package model

// Book is a catalog entry. Available is true iff no active loan references
// the book's code.
type Book struct {
	Code      string `json:"code"`
	Title     string `json:"title"`
	Available bool   `json:"available"`
}

// Loan is an active loan, identified by the (code, userId) pair. Renewals is
// capped by the configured maximum (default 2).
type Loan struct {
	Code     string `json:"code"`
	UserID   string `json:"userId"`
	DueDate  string `json:"dueDate"`
	Renewals int    `json:"renewals"`
}

// OpLogEntry is one applied mutation in the append-only journal. Entries
// received through replication carry Remote=true and the originating
// SourceNode; they are never re-published.
type OpLogEntry struct {
	ID         string `json:"id"`
	Op         string `json:"op"`
	Code       string `json:"code"`
	UserID     string `json:"userId"`
	DueDateNew string `json:"dueDateNew,omitempty"`
	TS         int64  `json:"ts"`
	SourceNode string `json:"sourceNode,omitempty"`
	Remote     bool   `json:"remote,omitempty"`
}

// ReplicatedOp is an OpLogEntry as published to the peer site.
type ReplicatedOp struct {
	OpLogEntry
	ReplicationTS int64 `json:"replicationTs"`
}

// AppliedIndex mirrors the journal for O(1) idempotency checks.
type AppliedIndex struct {
	LastAppliedIndex  int      `json:"lastAppliedIndex"`
	AppliedOperations []string `json:"appliedOperations"`
}
