package engine

import (
	"time"

	"jobd/internal/job"
)

// Config controls the execution engine.
//
// The dispatcher is trigger-only; everything about running occurrences
// (concurrency bound, timeouts, retry jitter, cancellation grace) lives here.
type Config struct {
	Workers   int
	QueueSize int

	// DefaultTimeout applies when an action carries no timeout of its own.
	DefaultTimeout time.Duration

	// CancelGrace bounds how long a cancelled handler may keep running before
	// the execution is marked CANCELLED regardless. The handler goroutine is
	// abandoned after the grace period; its side effect may still complete
	// out-of-band (at-least-once, not exactly-once).
	CancelGrace time.Duration

	// Coalesce collapses occurrences that become due while the same job is
	// still executing: only the newest deferred occurrence is kept. With
	// coalescing off, deferred occurrences run back to back in order.
	Coalesce bool

	// RetryJitter spreads retry delays by the given fraction (0.2 = ±20%).
	// 0 keeps delays exact.
	RetryJitter float64

	HistorySize int
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 5 * time.Minute
	}
	if c.CancelGrace <= 0 {
		c.CancelGrace = 10 * time.Second
	}
	if c.HistorySize <= 0 {
		c.HistorySize = 200
	}
	return c
}

// Occurrence is one claimed firing of a job, queued for execution.
type Occurrence struct {
	Job         *job.Job // snapshot taken at claim time
	ExecutionID string
	Overrides   job.Params // per-invocation params (execute-now)
	Manual      bool

	ScheduledFor time.Time // the claimed nextRun instant
	EnqueuedAt   time.Time
}

// HistoryItem is one finished occurrence in the diagnostics ring.
type HistoryItem struct {
	ExecutionID string
	JobID       string
	JobName     string
	Status      job.Status
	Started     time.Time
	QueueDelay  time.Duration
	Duration    time.Duration
	Attempts    int
	Error       string
}

// ExecutionEvent is the bus payload for execution lifecycle events.
type ExecutionEvent struct {
	ExecutionID string        `json:"execution_id"`
	JobID       string        `json:"job_id"`
	JobName     string        `json:"job_name"`
	Status      job.Status    `json:"status"`
	Attempt     int           `json:"attempt"`
	Duration    time.Duration `json:"duration,omitempty"`
	Error       string        `json:"error,omitempty"`
}

// Snapshot is a lightweight diagnostics view.
type Snapshot struct {
	Workers   int
	QueueLen  int
	QueueCap  int
	InFlight  int
	Deferred  int
	Cancels   int
	History   []HistoryItem
}
