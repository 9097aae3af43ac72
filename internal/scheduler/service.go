// Package scheduler is the facade the rest of the program (and embedders)
// talk to: job CRUD, manual execution, bulk operations, per-job stats and
// system metrics. It owns no goroutines; the dispatch and engine services do
// the moving parts.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"jobd/internal/engine"
	"jobd/internal/job"
	"jobd/internal/schedule"
	"jobd/internal/store"
	"jobd/internal/template"
	logx "jobd/pkg/logx"
)

// Executor is the slice of the engine the facade needs.
type Executor interface {
	Enqueue(ctx context.Context, occ engine.Occurrence) error
	Cancel(executionID string) bool
	Busy(jobID string) bool
}

// statsWindow bounds how much execution history feeds the success-rate and
// average-duration stats; the total count is unwindowed.
const statsWindow = 500

type Service struct {
	jobs    store.JobStore
	execs   store.ExecutionStore
	eng     Executor
	catalog *template.Catalog
	log     logx.Logger
}

func New(st store.Store, eng Executor, catalog *template.Catalog, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if catalog == nil {
		catalog = template.NewCatalog()
	}
	return &Service{
		jobs:    st.Jobs(),
		execs:   st.Executions(),
		eng:     eng,
		catalog: catalog,
		log:     log.With(logx.String("component", "scheduler")),
	}
}

// Templates exposes the catalog for registration and listing.
func (s *Service) Templates() *template.Catalog { return s.catalog }

// CreateJob validates the definition, assigns identity and the first next-run
// instant, and persists it. A one-shot whose instant already passed is stored
// with a null next run; it will never fire.
func (s *Service) CreateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	if err := job.Validate(j); err != nil {
		return nil, err
	}
	j = j.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	var err error
	if j.Metadata, err = j.Metadata.Normalize(); err != nil {
		return nil, &job.ValidationError{Field: "metadata", Reason: err.Error()}
	}
	if j.Action.Params, err = j.Action.Params.Normalize(); err != nil {
		return nil, &job.ValidationError{Field: "action.params", Reason: err.Error()}
	}

	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	j.LastRun = nil
	j.NextRun, err = schedule.NextRun(j.Schedule, now, nil, now)
	if err != nil {
		return nil, &job.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	if err := s.jobs.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	s.log.Info("job created",
		logx.String("job", j.ID), logx.String("type", string(j.Type)),
		logx.Bool("scheduled", j.NextRun != nil))
	return j.Clone(), nil
}

func (s *Service) GetJob(ctx context.Context, id string) (*job.Job, error) {
	return s.jobs.Get(ctx, id)
}

// UpdateJob replaces the definition and recomputes the next-run instant from
// the new schedule. Creation time and last-run history survive the update.
func (s *Service) UpdateJob(ctx context.Context, j *job.Job) (*job.Job, error) {
	if j == nil || j.ID == "" {
		return nil, &job.ValidationError{Field: "id", Reason: "missing"}
	}
	if err := job.Validate(j); err != nil {
		return nil, err
	}
	prev, err := s.jobs.Get(ctx, j.ID)
	if err != nil {
		return nil, err
	}

	j = j.Clone()
	if j.Metadata, err = j.Metadata.Normalize(); err != nil {
		return nil, &job.ValidationError{Field: "metadata", Reason: err.Error()}
	}
	if j.Action.Params, err = j.Action.Params.Normalize(); err != nil {
		return nil, &job.ValidationError{Field: "action.params", Reason: err.Error()}
	}
	j.CreatedAt = prev.CreatedAt
	j.LastRun = prev.LastRun
	j.UpdatedAt = time.Now().UTC()
	j.NextRun, err = schedule.NextRun(j.Schedule, j.UpdatedAt, j.LastRun, j.CreatedAt)
	if err != nil {
		return nil, &job.ValidationError{Field: "schedule", Reason: err.Error()}
	}

	if err := s.jobs.Update(ctx, j); err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	s.log.Info("job updated", logx.String("job", j.ID))
	return j.Clone(), nil
}

func (s *Service) DeleteJob(ctx context.Context, id string) error {
	ok, err := s.jobs.Delete(ctx, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	if !ok {
		return store.ErrNotFound
	}
	s.log.Info("job deleted", logx.String("job", id))
	return nil
}

func (s *Service) ListJobs(ctx context.Context, f store.JobFilter) ([]*job.Job, error) {
	return s.jobs.Find(ctx, f)
}

// ExecuteNow runs a job immediately, outside its schedule. The occurrence is
// marked manual, carries the caller's parameter overrides, and still takes
// its turn behind any in-flight occurrence of the same job. Works on disabled
// jobs; manual means manual.
func (s *Service) ExecuteNow(ctx context.Context, jobID string, overrides job.Params) (string, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return "", err
	}
	if overrides, err = overrides.Normalize(); err != nil {
		return "", &job.ValidationError{Field: "overrides", Reason: err.Error()}
	}

	occ := engine.Occurrence{
		Job:          j.Clone(),
		ExecutionID:  uuid.NewString(),
		Overrides:    overrides,
		Manual:       true,
		ScheduledFor: time.Now().UTC(),
	}
	if err := s.eng.Enqueue(ctx, occ); err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}
	s.log.Info("manual execution queued",
		logx.String("job", jobID), logx.String("exec", occ.ExecutionID))
	return occ.ExecutionID, nil
}

// CancelExecution cancels an execution. A running one gets cooperative
// cancellation through its context; one still waiting behind the same job is
// dropped before it starts. Returns false when the execution is neither
// running nor waiting.
func (s *Service) CancelExecution(executionID string) bool {
	return s.eng.Cancel(executionID)
}

func (s *Service) ListExecutions(ctx context.Context, jobID string, limit int) ([]*job.Execution, error) {
	return s.execs.ListByJob(ctx, jobID, limit)
}

// Stats summarizes one job's execution history. TotalExecutions counts every
// recorded execution; SuccessRate and AverageDuration are computed over the
// most recent statsWindow executions only, so very old history does not mask
// how the job behaves now.
type Stats struct {
	JobID           string        `json:"job_id"`
	TotalExecutions int           `json:"total_executions"`
	SuccessRate     float64       `json:"success_rate"` // 0..1 over terminal executions
	AverageDuration time.Duration `json:"average_duration"`
	LastExecution   *time.Time    `json:"last_execution,omitempty"`
	NextExecution   *time.Time    `json:"next_execution,omitempty"`
	Running         bool          `json:"running"`
}

func (s *Service) JobStats(ctx context.Context, jobID string) (Stats, error) {
	j, err := s.jobs.Get(ctx, jobID)
	if err != nil {
		return Stats{}, err
	}
	execs, err := s.execs.ListByJob(ctx, jobID, statsWindow)
	if err != nil {
		return Stats{}, fmt.Errorf("list executions: %w", err)
	}
	total, err := s.execs.CountByJob(ctx, jobID)
	if err != nil {
		return Stats{}, fmt.Errorf("count executions: %w", err)
	}

	st := Stats{
		JobID:           jobID,
		TotalExecutions: total,
		LastExecution:   j.LastRun,
		NextExecution:   j.NextRun,
		Running:         s.eng.Busy(jobID),
	}
	var (
		terminal  int
		succeeded int
		totalDur  time.Duration
	)
	for _, e := range execs {
		if !e.Status.Terminal() {
			continue
		}
		terminal++
		totalDur += e.Duration
		if e.Status == job.StatusCompleted {
			succeeded++
		}
	}
	if terminal > 0 {
		st.SuccessRate = float64(succeeded) / float64(terminal)
		st.AverageDuration = totalDur / time.Duration(terminal)
	}
	return st, nil
}

// Metrics is a coarse system overview. Sub-query failures degrade to partial
// data rather than failing the whole call; Partial reports the degradation.
type Metrics struct {
	ActiveJobs      int  `json:"active_jobs"`
	ExecutionsToday int  `json:"executions_today"`
	Upcoming        int  `json:"upcoming"` // next-run within the coming 24h
	Partial         bool `json:"partial,omitempty"`
}

func (s *Service) Metrics(ctx context.Context) Metrics {
	var m Metrics
	now := time.Now().UTC()

	enabled := true
	jobs, err := s.jobs.Find(ctx, store.JobFilter{Enabled: &enabled})
	if err != nil {
		s.log.Warn("metrics: job query failed", logx.Err(err))
		m.Partial = true
	} else {
		m.ActiveJobs = len(jobs)
		horizon := now.Add(24 * time.Hour)
		for _, j := range jobs {
			if j.NextRun != nil && j.NextRun.Before(horizon) {
				m.Upcoming++
			}
		}
	}

	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	n, err := s.execs.CountSince(ctx, midnight)
	if err != nil {
		s.log.Warn("metrics: execution count failed", logx.Err(err))
		m.Partial = true
	} else {
		m.ExecutionsToday = n
	}
	return m
}

// InstantiateTemplate creates a job from a catalog template plus overrides.
func (s *Service) InstantiateTemplate(ctx context.Context, templateID string, overrides job.Params) (*job.Job, error) {
	tpl, ok := s.catalog.Get(templateID)
	if !ok {
		return nil, fmt.Errorf("template %q: %w", templateID, store.ErrNotFound)
	}
	j, err := template.Instantiate(tpl, overrides)
	if err != nil {
		return nil, err
	}
	return s.CreateJob(ctx, j)
}
