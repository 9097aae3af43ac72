// Package store defines the durable contracts the engine runs against: a job
// store with an optimistic claim primitive and an append-mostly execution log.
package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"jobd/internal/job"
	logx "jobd/pkg/logx"
)

var (
	// ErrNotFound is returned for unknown job or execution IDs.
	ErrNotFound = errors.New("not found")
	// ErrExists is returned when creating a job whose ID is already taken.
	ErrExists = errors.New("already exists")
)

// JobFilter narrows Find results. Nil pointer fields mean "any".
type JobFilter struct {
	Type          *job.Type
	Enabled       *bool
	OwnerID       string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
}

// JobStore is the durable mapping from job ID to definition plus mutable
// scheduling state.
//
// TryClaim is the single point of mutual exclusion in the system: it
// compare-and-sets NextRun so that when two dispatch cycles race on the same
// due job, exactly one claim succeeds.
type JobStore interface {
	Find(ctx context.Context, f JobFilter) ([]*job.Job, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	Create(ctx context.Context, j *job.Job) error
	Update(ctx context.Context, j *job.Job) error
	Delete(ctx context.Context, id string) (bool, error)

	// Due returns enabled jobs with next_run <= now, ordered by next_run.
	Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)

	// TryClaim atomically replaces NextRun iff it still equals expected.
	// next == nil records schedule exhaustion.
	TryClaim(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error)

	// SetLastRun records the terminal instant of an occurrence.
	SetLastRun(ctx context.Context, id string, t time.Time) error
}

// ExecutionStore is the append-mostly occurrence log.
type ExecutionStore interface {
	Append(ctx context.Context, e *job.Execution) error
	Update(ctx context.Context, e *job.Execution) error
	ListByJob(ctx context.Context, jobID string, limit int) ([]*job.Execution, error)

	// CountByJob counts every execution recorded for a job, including
	// ones older than any ListByJob limit.
	CountByJob(ctx context.Context, jobID string) (int, error)

	// CountSince counts executions started at or after the given instant
	// (used by scheduler metrics).
	CountSince(ctx context.Context, since time.Time) (int, error)
}

// Store bundles both contracts behind one lifecycle.
type Store interface {
	Jobs() JobStore
	Executions() ExecutionStore
	Close() error
}

// Config configures storage.
//
// Driver values:
//   - "memory": in-process reference implementation (tests, dev)
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store. An empty driver defaults to memory.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
