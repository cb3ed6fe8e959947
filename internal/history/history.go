// Package history is an optional local audit trail of terminal runs. It is
// write-only from the manager's point of view and never restores registry
// state: the in-memory registry stays the sole source of truth.
package history

import (
	"time"
)

// Record is one terminal run as persisted to the sink.
type Record struct {
	RunID       string
	Profiler    string
	Status      string
	Source      string
	ReturnCode  *int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
}

// Sink receives terminal runs. Implementations must be safe for concurrent
// use; failures are the caller's to log, never to propagate.
type Sink interface {
	RecordFinished(rec Record) error
	Query(limit int) ([]Record, error)
	Close() error
}
