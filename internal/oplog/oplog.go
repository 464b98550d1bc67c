// Package oplog implements the append-only operation journal with an applied
// index for O(1) idempotency checks. The log knows nothing about business
// rules; it is a pure event store shared by the storage server and the
// replicator.
package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/bibliodist/biblionet/internal/model"
	"github.com/bibliodist/biblionet/internal/pkg/atomicfile"
)

const (
	journalFile = "oplog.json"
	indexFile   = "applied_index.json"
)

// Log is the per-site operation journal. All operations take the internal
// lock; the journal file and the index file form one transactional unit.
type Log struct {
	mu          sync.Mutex
	journalPath string
	indexPath   string
	entries     []model.OpLogEntry
	applied     map[string]struct{}
	log         *zap.Logger
}

// Stats is the observability snapshot of a Log.
type Stats struct {
	TotalOperations   int   `json:"totalOperations"`
	AppliedOperations int   `json:"appliedOperations"`
	LastAppliedIndex  int   `json:"lastAppliedIndex"`
	JournalSizeBytes  int64 `json:"journalSizeBytes"`
}

// Open loads or initializes the journal under dataDir. A journal tail written
// before a crash interrupted the index update is replayed into the index.
func Open(dataDir string, logger *zap.Logger) (*Log, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("oplog: create data dir: %w", err)
	}

	l := &Log{
		journalPath: filepath.Join(dataDir, journalFile),
		indexPath:   filepath.Join(dataDir, indexFile),
		applied:     make(map[string]struct{}),
		log:         logger,
	}

	var entries []model.OpLogEntry
	if _, err := atomicfile.ReadJSON(l.journalPath, &entries); err != nil {
		return nil, err
	}
	l.entries = entries

	var index model.AppliedIndex
	if _, err := atomicfile.ReadJSON(l.indexPath, &index); err != nil {
		return nil, err
	}
	for _, id := range index.AppliedOperations {
		l.applied[id] = struct{}{}
	}

	// Reconcile: ids present in the journal but missing from the index mean
	// the process died between the two writes.
	repaired := false
	for _, e := range l.entries {
		if _, ok := l.applied[e.ID]; !ok {
			l.applied[e.ID] = struct{}{}
			repaired = true
		}
	}
	if repaired {
		if err := l.persistIndexLocked(); err != nil {
			return nil, err
		}
		logger.Info("applied index reconciled from journal tail",
			zap.Int("entries", len(l.entries)))
	}
	return l, nil
}

// Append adds an entry to the journal unless its id was already applied.
// It returns true when the entry was written. The journal is persisted
// before the index so a crash between the two is recoverable.
func (l *Log) Append(entry model.OpLogEntry) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, dup := l.applied[entry.ID]; dup {
		l.log.Debug("duplicate operation skipped",
			zap.String("id", entry.ID), zap.String("op", entry.Op))
		return false, nil
	}

	if entry.TS == 0 {
		entry.TS = model.NowMillis()
	}

	l.entries = append(l.entries, entry)
	if err := atomicfile.WriteJSON(l.journalPath, l.entries); err != nil {
		l.entries = l.entries[:len(l.entries)-1]
		return false, err
	}

	l.applied[entry.ID] = struct{}{}
	if err := l.persistIndexLocked(); err != nil {
		// Journal already holds the entry; startup reconciliation repairs
		// the index from it.
		return true, err
	}
	return true, nil
}

// Since returns the entries strictly after lastIndex, for peer catch-up.
func (l *Log) Since(lastIndex int) []model.OpLogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	if lastIndex+1 >= len(l.entries) {
		return nil
	}
	out := make([]model.OpLogEntry, len(l.entries)-lastIndex-1)
	copy(out, l.entries[lastIndex+1:])
	return out
}

// IsApplied reports whether the id is in the current journal window.
func (l *Log) IsApplied(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.applied[id]
	return ok
}

// Truncate retains the last keepLastN entries and rebuilds the applied index
// over the survivors.
func (l *Log) Truncate(keepLastN int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.entries) <= keepLastN {
		return nil
	}

	l.entries = append([]model.OpLogEntry(nil), l.entries[len(l.entries)-keepLastN:]...)
	l.applied = make(map[string]struct{}, len(l.entries))
	for _, e := range l.entries {
		l.applied[e.ID] = struct{}{}
	}

	if err := atomicfile.WriteJSON(l.journalPath, l.entries); err != nil {
		return err
	}
	if err := l.persistIndexLocked(); err != nil {
		return err
	}
	l.log.Info("journal truncated", zap.Int("kept", keepLastN))
	return nil
}

// Stats returns the current journal statistics.
func (l *Log) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		TotalOperations:   len(l.entries),
		AppliedOperations: len(l.applied),
		LastAppliedIndex:  len(l.entries) - 1,
		JournalSizeBytes:  atomicfile.Size(l.journalPath),
	}
}

func (l *Log) persistIndexLocked() error {
	ids := make([]string, 0, len(l.entries))
	for _, e := range l.entries {
		ids = append(ids, e.ID)
	}
	return atomicfile.WriteJSON(l.indexPath, model.AppliedIndex{
		LastAppliedIndex:  len(l.entries) - 1,
		AppliedOperations: ids,
	})
}
