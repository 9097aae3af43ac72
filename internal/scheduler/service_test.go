package scheduler

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"jobd/internal/engine"
	"jobd/internal/job"
	"jobd/internal/store"
	"jobd/internal/template"
	"jobd/pkg/logx"
)

// fakeExec records enqueued occurrences instead of running them.
type fakeExec struct {
	occs      []engine.Occurrence
	cancelled []string
	busy      map[string]bool
	err       error
}

func (f *fakeExec) Enqueue(ctx context.Context, occ engine.Occurrence) error {
	if f.err != nil {
		return f.err
	}
	f.occs = append(f.occs, occ)
	return nil
}

func (f *fakeExec) Cancel(executionID string) bool {
	f.cancelled = append(f.cancelled, executionID)
	return true
}

func (f *fakeExec) Busy(jobID string) bool { return f.busy[jobID] }

func newService(t *testing.T) (*Service, *fakeExec, *store.Memory) {
	t.Helper()
	st := store.NewMemory()
	eng := &fakeExec{busy: map[string]bool{}}
	return New(st, eng, template.NewCatalog(), logx.Nop()), eng, st
}

func intervalJob(name string) *job.Job {
	return &job.Job{
		Name:     name,
		Type:     job.TypeInterval,
		Schedule: job.Interval{IntervalMinutes: 15},
		Action:   job.Action{Type: job.ActionWebhookCall, Target: "https://example.com/hook"},
		Enabled:  true,
	}
}

func TestCreateJobAssignsIdentityAndNextRun(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("sync"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.ID == "" {
		t.Fatal("no ID assigned")
	}
	if created.NextRun == nil {
		t.Fatal("no NextRun computed for an interval job")
	}
	want := created.CreatedAt.Add(15 * time.Minute)
	if !created.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", created.NextRun, want)
	}
	if created.LastRun != nil {
		t.Fatal("LastRun must start empty")
	}

	got, err := s.GetJob(ctx, created.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Name != "sync" {
		t.Fatalf("persisted Name = %q", got.Name)
	}
}

func TestCreateJobPastOneTimeNeverFires(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	j := intervalJob("once")
	j.Type = job.TypeOneTime
	j.Schedule = job.OneTime{RunAt: time.Now().UTC().Add(-time.Hour)}

	created, err := s.CreateJob(context.Background(), j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if created.NextRun != nil {
		t.Fatalf("NextRun = %v, want nil for a one-shot in the past", created.NextRun)
	}
}

func TestCreateJobInvalid(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	j := intervalJob("")
	if _, err := s.CreateJob(context.Background(), j); err == nil {
		t.Fatal("nameless job accepted")
	}
	var verr *job.ValidationError
	_, err := s.CreateJob(context.Background(), j)
	if !errors.As(err, &verr) {
		t.Fatalf("error type = %T, want *job.ValidationError", err)
	}
}

func TestUpdateJobPreservesHistory(t *testing.T) {
	t.Parallel()
	s, _, st := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("sync"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	last := time.Now().UTC().Add(-5 * time.Minute)
	if err := st.Jobs().SetLastRun(ctx, created.ID, last); err != nil {
		t.Fatalf("SetLastRun: %v", err)
	}

	upd := created.Clone()
	upd.Schedule = job.Interval{IntervalMinutes: 60}
	got, err := s.UpdateJob(ctx, upd)
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if !got.CreatedAt.Equal(created.CreatedAt) {
		t.Fatal("CreatedAt changed on update")
	}
	if got.LastRun == nil || !got.LastRun.Equal(last) {
		t.Fatalf("LastRun = %v, want %v", got.LastRun, last)
	}
	// Interval anchors on the last run once one exists.
	want := last.Add(time.Hour)
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Fatalf("NextRun = %v, want %v", got.NextRun, want)
	}
}

func TestDeleteJob(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("sync"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.DeleteJob(ctx, created.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if err := s.DeleteJob(ctx, created.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete = %v, want ErrNotFound", err)
	}
}

func TestExecuteNow(t *testing.T) {
	t.Parallel()
	s, eng, _ := newService(t)
	ctx := context.Background()

	j := intervalJob("sync")
	j.Enabled = false // manual execution ignores the enabled flag
	created, err := s.CreateJob(ctx, j)
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	execID, err := s.ExecuteNow(ctx, created.ID, job.Params{"limit": 10})
	if err != nil {
		t.Fatalf("ExecuteNow: %v", err)
	}
	if execID == "" {
		t.Fatal("no execution ID returned")
	}
	if len(eng.occs) != 1 {
		t.Fatalf("enqueued %d occurrences, want 1", len(eng.occs))
	}
	occ := eng.occs[0]
	if !occ.Manual {
		t.Fatal("manual occurrence not marked Manual")
	}
	if occ.ExecutionID != execID {
		t.Fatalf("ExecutionID mismatch: %s vs %s", occ.ExecutionID, execID)
	}
	// Normalize turns the int override into the canonical float64 form.
	if occ.Overrides["limit"] != float64(10) {
		t.Fatalf("Overrides = %v", occ.Overrides)
	}

	if _, err := s.ExecuteNow(ctx, "no-such-job", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("ExecuteNow on missing job = %v, want ErrNotFound", err)
	}
}

func TestBulkPerItemIsolation(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()

	a, err := s.CreateJob(ctx, intervalJob("a"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	b, err := s.CreateJob(ctx, intervalJob("b"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	ids := []string{a.ID, "missing", b.ID}
	results := s.Bulk(ctx, BulkDisable, ids)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	for i, id := range ids {
		if results[i].JobID != id {
			t.Fatalf("results[%d].JobID = %s, want %s (index-aligned)", i, results[i].JobID, id)
		}
	}
	if !results[0].OK || !results[2].OK {
		t.Fatalf("valid items failed: %+v", results)
	}
	if results[1].OK || results[1].Error == "" {
		t.Fatalf("missing item should fail with a message: %+v", results[1])
	}

	got, _ := s.GetJob(ctx, a.ID)
	if got.Enabled {
		t.Fatal("job a still enabled after bulk disable")
	}
}

func TestBulkUnknownOpFailsAll(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	results := s.Bulk(context.Background(), BulkOp("EXPLODE"), []string{"x", "y"})
	for _, r := range results {
		if r.OK || r.Error == "" {
			t.Fatalf("unknown op produced %+v", r)
		}
	}
}

func TestReEnableRecomputesNextRun(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("sync"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if err := s.DisableJob(ctx, created.ID); err != nil {
		t.Fatalf("DisableJob: %v", err)
	}
	if err := s.EnableJob(ctx, created.ID); err != nil {
		t.Fatalf("EnableJob: %v", err)
	}
	got, _ := s.GetJob(ctx, created.ID)
	if !got.Enabled {
		t.Fatal("job not re-enabled")
	}
	if got.NextRun == nil || got.NextRun.Before(time.Now().UTC()) {
		t.Fatalf("NextRun = %v, want a future instant after re-enable", got.NextRun)
	}
}

func TestJobStats(t *testing.T) {
	t.Parallel()
	s, eng, st := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("sync"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	done := now.Add(time.Second)
	seed := []*job.Execution{
		{ID: "e1", JobID: created.ID, Status: job.StatusCompleted, StartedAt: now, CompletedAt: &done, Duration: 2 * time.Second},
		{ID: "e2", JobID: created.ID, Status: job.StatusFailed, StartedAt: now, CompletedAt: &done, Duration: 4 * time.Second},
		{ID: "e3", JobID: created.ID, Status: job.StatusRunning, StartedAt: now},
	}
	for _, e := range seed {
		if err := st.Executions().Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", e.ID, err)
		}
	}
	eng.busy[created.ID] = true

	stats, err := s.JobStats(ctx, created.ID)
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats.TotalExecutions != 3 {
		t.Fatalf("TotalExecutions = %d, want 3", stats.TotalExecutions)
	}
	if stats.SuccessRate != 0.5 {
		t.Fatalf("SuccessRate = %v, want 0.5 (running executions excluded)", stats.SuccessRate)
	}
	if stats.AverageDuration != 3*time.Second {
		t.Fatalf("AverageDuration = %v, want 3s", stats.AverageDuration)
	}
	if !stats.Running {
		t.Fatal("Running should reflect the engine's gate")
	}
	if stats.NextExecution == nil {
		t.Fatal("NextExecution missing")
	}
}

func TestJobStatsCountsBeyondWindow(t *testing.T) {
	t.Parallel()
	s, _, st := newService(t)
	ctx := context.Background()

	created, err := s.CreateJob(ctx, intervalJob("chatty"))
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}

	now := time.Now().UTC()
	done := now.Add(time.Second)
	n := statsWindow + 25
	for i := 0; i < n; i++ {
		e := &job.Execution{
			ID:          fmt.Sprintf("e%04d", i),
			JobID:       created.ID,
			Status:      job.StatusCompleted,
			StartedAt:   now,
			CompletedAt: &done,
			Duration:    time.Second,
		}
		if err := st.Executions().Append(ctx, e); err != nil {
			t.Fatalf("Append %s: %v", e.ID, err)
		}
	}

	stats, err := s.JobStats(ctx, created.ID)
	if err != nil {
		t.Fatalf("JobStats: %v", err)
	}
	if stats.TotalExecutions != n {
		t.Fatalf("TotalExecutions = %d, want %d (count must not stop at the stats window)", stats.TotalExecutions, n)
	}
	if stats.SuccessRate != 1 {
		t.Fatalf("SuccessRate = %v, want 1", stats.SuccessRate)
	}
}

func TestMetrics(t *testing.T) {
	t.Parallel()
	s, _, st := newService(t)
	ctx := context.Background()

	if _, err := s.CreateJob(ctx, intervalJob("a")); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	b := intervalJob("b")
	b.Enabled = false
	if _, err := s.CreateJob(ctx, b); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	e := &job.Execution{ID: "e1", JobID: "a", Status: job.StatusCompleted, StartedAt: time.Now().UTC()}
	if err := st.Executions().Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}

	m := s.Metrics(ctx)
	if m.Partial {
		t.Fatal("Partial set with a healthy store")
	}
	if m.ActiveJobs != 1 {
		t.Fatalf("ActiveJobs = %d, want 1 (disabled jobs excluded)", m.ActiveJobs)
	}
	if m.Upcoming != 1 {
		t.Fatalf("Upcoming = %d, want 1", m.Upcoming)
	}
	if m.ExecutionsToday != 1 {
		t.Fatalf("ExecutionsToday = %d, want 1", m.ExecutionsToday)
	}
}

func TestInstantiateTemplate(t *testing.T) {
	t.Parallel()
	s, _, _ := newService(t)
	ctx := context.Background()

	err := s.Templates().Register(template.Template{
		ID:   "ping",
		Name: "Ping",
		Schedule: job.Params{
			"type":             "INTERVAL",
			"interval_minutes": 10,
		},
		Action: job.Params{
			"type":   "WEBHOOK_CALL",
			"target": "https://example.com/ping",
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	j, err := s.InstantiateTemplate(ctx, "ping", job.Params{
		"schedule": job.Params{"interval_minutes": 2},
	})
	if err != nil {
		t.Fatalf("InstantiateTemplate: %v", err)
	}
	if j.ID == "" || j.NextRun == nil {
		t.Fatal("instantiated job was not fully created")
	}
	iv := j.Schedule.(job.Interval)
	if iv.IntervalMinutes != 2 {
		t.Fatalf("IntervalMinutes = %d, want the override", iv.IntervalMinutes)
	}

	if _, err := s.InstantiateTemplate(ctx, "nope", nil); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("missing template = %v, want ErrNotFound", err)
	}
}
