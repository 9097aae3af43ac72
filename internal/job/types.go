package job

import (
	"time"
)

// Type discriminates the five scheduling modes.
type Type string

const (
	TypeOneTime   Type = "ONE_TIME"
	TypeRecurring Type = "RECURRING"
	TypeCron      Type = "CRON"
	TypeInterval  Type = "INTERVAL"
	TypeDelayed   Type = "DELAYED"
)

// Frequency applies to RECURRING schedules.
type Frequency string

const (
	FreqDaily   Frequency = "DAILY"
	FreqWeekly  Frequency = "WEEKLY"
	FreqMonthly Frequency = "MONTHLY"
	FreqYearly  Frequency = "YEARLY"
	FreqCustom  Frequency = "CUSTOM"
)

// ActionType names the business capability a job triggers.
// The engine resolves handlers by this value; it never implements the
// business effect itself.
type ActionType string

const (
	ActionTaskCreate       ActionType = "TASK_CREATE"
	ActionTaskUpdate       ActionType = "TASK_UPDATE"
	ActionEmailSend        ActionType = "EMAIL_SEND"
	ActionNotificationSend ActionType = "NOTIFICATION_SEND"
	ActionReportGenerate   ActionType = "REPORT_GENERATE"
	ActionDataCleanup      ActionType = "DATA_CLEANUP"
	ActionSyncIntegration  ActionType = "SYNC_INTEGRATION"
	ActionWebhookCall      ActionType = "WEBHOOK_CALL"
	ActionWorkflowTrigger  ActionType = "WORKFLOW_TRIGGER"
	ActionCustomFunction   ActionType = "CUSTOM_FUNCTION"
)

// RetryPolicy controls re-attempts after a retryable execution failure.
// Delay for attempt n (0-based) is RetryDelay * Multiplier^n, capped at
// MaxRetryDelay.
type RetryPolicy struct {
	MaxRetries    int           `json:"max_retries"`
	RetryDelay    time.Duration `json:"retry_delay"`
	Multiplier    float64       `json:"multiplier"`
	MaxRetryDelay time.Duration `json:"max_retry_delay"`
}

// Action is the target side of a job: what to invoke when an occurrence fires.
type Action struct {
	Type    ActionType    `json:"type" validate:"required,oneof=TASK_CREATE TASK_UPDATE EMAIL_SEND NOTIFICATION_SEND REPORT_GENERATE DATA_CLEANUP SYNC_INTEGRATION WEBHOOK_CALL WORKFLOW_TRIGGER CUSTOM_FUNCTION"`
	Target  string        `json:"target,omitempty" validate:"max=2048"`
	Method  string        `json:"method,omitempty" validate:"max=16"`
	Params  Params        `json:"params,omitempty"`
	Timeout time.Duration `json:"timeout,omitempty"`
	Retry   *RetryPolicy  `json:"retry,omitempty"`
}

// Job is the declarative definition plus mutable scheduling state.
//
// Invariants:
//   - Schedule.Kind() == Type
//   - NextRun is nil (exhausted/disabled) or strictly in the future relative
//     to the computation that set it
//   - a disabled job is never advanced by the dispatcher
type Job struct {
	ID          string     `json:"id"`
	OwnerID     string     `json:"owner_id,omitempty"`
	Name        string     `json:"name" validate:"required,max=200"`
	Description string     `json:"description,omitempty" validate:"max=2000"`
	Type        Type       `json:"type" validate:"required,oneof=ONE_TIME RECURRING CRON INTERVAL DELAYED"`
	Schedule    Schedule   `json:"-"`
	Action      Action     `json:"action"`
	Enabled     bool       `json:"enabled"`
	Metadata    Params     `json:"metadata,omitempty"`
	LastRun     *time.Time `json:"last_run,omitempty"`
	NextRun     *time.Time `json:"next_run,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Clone returns a deep copy safe to hand across goroutines.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	cp := *j
	cp.Metadata = j.Metadata.Clone()
	cp.Action.Params = j.Action.Params.Clone()
	if j.Action.Retry != nil {
		r := *j.Action.Retry
		cp.Action.Retry = &r
	}
	cp.LastRun = cloneTime(j.LastRun)
	cp.NextRun = cloneTime(j.NextRun)
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
