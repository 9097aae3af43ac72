package dispatch

import (
	"context"
	"errors"
	"testing"
	"time"

	"jobd/internal/engine"
	"jobd/internal/job"
	"jobd/internal/store"
	"jobd/pkg/logx"
)

type captureEnq struct {
	occs []engine.Occurrence
	err  error
}

func (c *captureEnq) Enqueue(ctx context.Context, occ engine.Occurrence) error {
	if c.err != nil {
		return c.err
	}
	c.occs = append(c.occs, occ)
	return nil
}

func seedInterval(t *testing.T, st store.Store, id string, nextRun time.Time) *job.Job {
	t.Helper()
	now := time.Now().UTC().Add(-time.Hour)
	j := &job.Job{
		ID:        id,
		Name:      "job " + id,
		Type:      job.TypeInterval,
		Schedule:  job.Interval{IntervalMinutes: 15},
		Action:    job.Action{Type: job.ActionWebhookCall, Target: "https://example.com/hook"},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
		NextRun:   &nextRun,
	}
	if err := st.Jobs().Create(context.Background(), j); err != nil {
		t.Fatalf("Create %s: %v", id, err)
	}
	return j
}

func TestTickClaimsDueJob(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}
	d := New(Config{}, st.Jobs(), enq, nil, logx.Nop())

	due := time.Now().UTC().Add(-time.Minute)
	seedInterval(t, st, "a", due)

	ev := d.Tick(context.Background())
	if ev.Due != 1 || ev.Claimed != 1 {
		t.Fatalf("tick = %+v, want 1 due / 1 claimed", ev)
	}
	if len(enq.occs) != 1 {
		t.Fatalf("enqueued %d occurrences", len(enq.occs))
	}
	occ := enq.occs[0]
	if occ.Job.ID != "a" || occ.ExecutionID == "" {
		t.Fatalf("occurrence = %+v", occ)
	}
	if !occ.ScheduledFor.Equal(due) {
		t.Fatalf("ScheduledFor = %v, want the claimed instant %v", occ.ScheduledFor, due)
	}

	// The claim advanced the next-run instant into the future, so a second
	// pass finds nothing due.
	got, _ := st.Jobs().Get(context.Background(), "a")
	if got.NextRun == nil || !got.NextRun.After(time.Now().UTC()) {
		t.Fatalf("NextRun = %v, want a future instant", got.NextRun)
	}
	if ev := d.Tick(context.Background()); ev.Due != 0 {
		t.Fatalf("second tick = %+v, want nothing due", ev)
	}
}

func TestTickSkipsMissedOccurrences(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}
	d := New(Config{}, st.Jobs(), enq, nil, logx.Nop())

	// Overdue by four intervals: exactly one occurrence fires, and the next
	// run lands after now rather than replaying the backlog.
	due := time.Now().UTC().Add(-time.Hour)
	seedInterval(t, st, "a", due)

	ev := d.Tick(context.Background())
	if ev.Claimed != 1 {
		t.Fatalf("tick = %+v", ev)
	}
	got, _ := st.Jobs().Get(context.Background(), "a")
	if got.NextRun == nil || !got.NextRun.After(time.Now().UTC()) {
		t.Fatalf("NextRun = %v, want a future instant past the backlog", got.NextRun)
	}
	if len(enq.occs) != 1 {
		t.Fatalf("enqueued %d occurrences, want 1", len(enq.occs))
	}
}

func TestTickExhaustsOneShot(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}
	d := New(Config{}, st.Jobs(), enq, nil, logx.Nop())

	runAt := time.Now().UTC().Add(-time.Minute)
	now := runAt.Add(-time.Hour)
	j := &job.Job{
		ID:        "once",
		Name:      "one shot",
		Type:      job.TypeOneTime,
		Schedule:  job.OneTime{RunAt: runAt},
		Action:    job.Action{Type: job.ActionWebhookCall, Target: "https://example.com/hook"},
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
		NextRun:   &runAt,
	}
	if err := st.Jobs().Create(context.Background(), j); err != nil {
		t.Fatalf("Create: %v", err)
	}

	ev := d.Tick(context.Background())
	if ev.Exhausted != 1 || ev.Claimed != 0 {
		t.Fatalf("tick = %+v, want 1 exhausted", ev)
	}
	if len(enq.occs) != 1 {
		t.Fatal("exhausted claim must still enqueue its final occurrence")
	}
	got, _ := st.Jobs().Get(context.Background(), "once")
	if got.NextRun != nil {
		t.Fatalf("NextRun = %v, want nil after the final occurrence", got.NextRun)
	}
	if !got.Enabled {
		t.Fatal("exhaustion must not disable the job")
	}
}

func TestTickRespectsBatchSize(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}
	d := New(Config{BatchSize: 2}, st.Jobs(), enq, nil, logx.Nop())

	due := time.Now().UTC().Add(-time.Minute)
	for _, id := range []string{"a", "b", "c"} {
		seedInterval(t, st, id, due)
	}

	ev := d.Tick(context.Background())
	if ev.Due != 2 || ev.Claimed != 2 {
		t.Fatalf("tick = %+v, want batch of 2", ev)
	}
	// The remainder is picked up next pass.
	ev = d.Tick(context.Background())
	if ev.Claimed != 1 {
		t.Fatalf("second tick = %+v, want the leftover job", ev)
	}
}

// staleDue hands the dispatcher a snapshot whose next-run no longer matches
// the store, the way a concurrent replica's claim would.
type staleDue struct {
	store.JobStore
	stale *job.Job
}

func (s *staleDue) Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	return []*job.Job{s.stale.Clone()}, nil
}

func TestTickClaimConflict(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}

	due := time.Now().UTC().Add(-time.Minute)
	j := seedInterval(t, st, "a", due)
	snapshot := j.Clone()

	// Another replica claims first.
	winner := New(Config{}, st.Jobs(), &captureEnq{}, nil, logx.Nop())
	if ev := winner.Tick(context.Background()); ev.Claimed != 1 {
		t.Fatalf("winner tick = %+v", ev)
	}

	loser := New(Config{}, &staleDue{JobStore: st.Jobs(), stale: snapshot}, enq, nil, logx.Nop())
	ev := loser.Tick(context.Background())
	if ev.Conflicts != 1 || ev.Claimed != 0 {
		t.Fatalf("loser tick = %+v, want a silent conflict", ev)
	}
	if len(enq.occs) != 0 {
		t.Fatal("conflicting claim must not enqueue")
	}
}

func TestTickEnqueueFailureDoesNotAbortPass(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{err: errors.New("queue closed")}
	d := New(Config{}, st.Jobs(), enq, nil, logx.Nop())

	due := time.Now().UTC().Add(-time.Minute)
	seedInterval(t, st, "a", due)
	seedInterval(t, st, "b", due)

	ev := d.Tick(context.Background())
	if ev.Due != 2 || ev.Claimed != 0 {
		t.Fatalf("tick = %+v, want both claims attempted and neither counted", ev)
	}
	// The claims still advanced both jobs; the loss is visible, not wedged.
	for _, id := range []string{"a", "b"} {
		got, _ := st.Jobs().Get(context.Background(), id)
		if got.NextRun == nil || !got.NextRun.After(time.Now().UTC()) {
			t.Fatalf("job %s NextRun = %v, want advanced", id, got.NextRun)
		}
	}
}

func TestTickIgnoresDisabledAndUnscheduled(t *testing.T) {
	t.Parallel()
	st := store.NewMemory()
	enq := &captureEnq{}

	due := time.Now().UTC().Add(-time.Minute)
	j := seedInterval(t, st, "a", due)
	snapshot := j.Clone()
	snapshot.Enabled = false

	d := New(Config{}, &staleDue{JobStore: st.Jobs(), stale: snapshot}, enq, nil, logx.Nop())
	ev := d.Tick(context.Background())
	if ev.Claimed != 0 || ev.Conflicts != 0 || ev.Exhausted != 0 {
		t.Fatalf("tick = %+v, want the disabled snapshot skipped", ev)
	}
	if len(enq.occs) != 0 {
		t.Fatal("disabled job enqueued")
	}
}
