package job

import "time"

// Status is the execution state machine.
//
//	PENDING → RUNNING → {COMPLETED, FAILED, CANCELLED}
//	FAILED(attempt) → RETRYING → RUNNING
//
// COMPLETED, CANCELLED and terminal FAILED are immutable.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusRetrying  Status = "RETRYING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether an execution in this status counts as in-flight for
// the one-per-job concurrency rule.
func (s Status) Active() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusPending:  {StatusRunning, StatusCancelled},
	StatusRunning:  {StatusCompleted, StatusFailed, StatusCancelled, StatusRetrying},
	StatusRetrying: {StatusRunning, StatusFailed, StatusCancelled},
}

// CanTransition reports whether s → to is a legal move.
func (s Status) CanTransition(to Status) bool {
	for _, t := range transitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// ExecError is a handler-reported failure. Retryable is the handler's explicit
// classification; the engine never guesses.
type ExecError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

func (e *ExecError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Execution records one occurrence of a job.
//
// Invariants: CompletedAt is set iff Status is terminal; RetryCount only
// increases. Rows are never deleted by the engine (audit trail).
type Execution struct {
	ID          string        `json:"id"`
	JobID       string        `json:"job_id"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
	Duration    time.Duration `json:"duration,omitempty"`
	Result      Params        `json:"result,omitempty"`
	Error       *ExecError    `json:"error,omitempty"`
	RetryCount  int           `json:"retry_count"`
	Manual      bool          `json:"manual,omitempty"`
}
