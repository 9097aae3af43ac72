// Package dispatch polls the job store for due work and hands claimed
// occurrences to the executor. Claiming is an optimistic compare-and-swap on
// the job's next-run instant, so any number of dispatcher replicas can share
// one store: exactly one wins each occurrence, losers skip silently.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"jobd/internal/engine"
	"jobd/internal/eventbus"
	"jobd/internal/job"
	rtsup "jobd/internal/runtime/supervisor"
	"jobd/internal/schedule"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

// Enqueuer is the slice of the executor the dispatcher needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, occ engine.Occurrence) error
}

type Config struct {
	// Interval between polls of the due set.
	Interval time.Duration
	// BatchSize caps how many due jobs one tick will claim.
	BatchSize int
}

func (c Config) withDefaults() Config {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	return c
}

// TickEvent is the bus payload published after every dispatch pass.
type TickEvent struct {
	Due       int           `json:"due"`
	Claimed   int           `json:"claimed"`
	Conflicts int           `json:"conflicts"`
	Exhausted int           `json:"exhausted"`
	Took      time.Duration `json:"took"`
}

// Dispatcher is an explicit constructed/started/stopped service.
type Dispatcher struct {
	mu  sync.Mutex
	cfg Config
	sup *rtsup.Supervisor

	log  logx.Logger
	bus  eventbus.Bus
	jobs store.JobStore
	eng  Enqueuer

	// Claim conflicts are normal under replication; throttle the noise.
	conflicts *logx.Throttle

	reload chan struct{}
}

func New(cfg Config, jobs store.JobStore, eng Enqueuer, bus eventbus.Bus, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		cfg:       cfg.withDefaults(),
		log:       log.With(logx.String("component", "dispatch")),
		bus:       bus,
		jobs:      jobs,
		eng:       eng,
		conflicts: logx.NewThrottle(0.2),
		reload:    make(chan struct{}, 1),
	}
}

// Start launches the tick loop under the supervisor. Safe to call once.
func (d *Dispatcher) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	if d.sup != nil {
		d.mu.Unlock()
		return
	}
	d.sup = rtsup.New(ctx, rtsup.WithLogger(d.log))
	sup := d.sup
	d.mu.Unlock()

	sup.GoRestart("dispatch.loop", func(c context.Context) error {
		d.loop(c)
		return nil
	})
	d.log.Info("dispatcher started",
		logx.Duration("interval", d.interval()), logx.Int("batch", d.batch()))
}

func (d *Dispatcher) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	d.mu.Lock()
	sup := d.sup
	d.sup = nil
	d.mu.Unlock()
	if sup != nil {
		sup.Stop(ctx)
	}
	d.log.Info("dispatcher stopped")
}

// Apply swaps the tick configuration; the loop picks it up on the next wake.
func (d *Dispatcher) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	d.mu.Lock()
	d.cfg = cfg
	d.mu.Unlock()
	select {
	case d.reload <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) interval() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.Interval
}

func (d *Dispatcher) batch() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.BatchSize
}

func (d *Dispatcher) loop(ctx context.Context) {
	tick := time.NewTicker(d.interval())
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.reload:
			tick.Reset(d.interval())
		case <-tick.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass. Exported so embedders and tests can drive the
// dispatcher without the timer.
func (d *Dispatcher) Tick(ctx context.Context) TickEvent {
	started := time.Now()
	now := started.UTC()

	due, err := d.jobs.Due(ctx, now, d.batch())
	if err != nil {
		d.log.Warn("due query failed", logx.Err(err))
		return TickEvent{}
	}

	var ev TickEvent
	ev.Due = len(due)
	for _, j := range due {
		// Per-job isolation: one bad job never aborts the pass.
		switch outcome := d.claim(ctx, j, now); outcome {
		case claimed:
			ev.Claimed++
		case conflict:
			ev.Conflicts++
		case exhausted:
			ev.Exhausted++
		}
		if ctx.Err() != nil {
			break
		}
	}
	ev.Took = time.Since(started)

	if d.bus != nil && ev.Due > 0 {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeDispatchTick, Data: ev})
	}
	return ev
}

type claimOutcome int

const (
	skipped claimOutcome = iota
	claimed
	conflict
	exhausted
)

func (d *Dispatcher) claim(ctx context.Context, j *job.Job, now time.Time) claimOutcome {
	if !j.Enabled || j.NextRun == nil || j.Schedule == nil {
		return skipped
	}
	expected := *j.NextRun

	// Advance past the claimed instant. Using now as the reference when the
	// job is overdue skips missed occurrences instead of replaying them.
	ref := expected
	if now.After(ref) {
		ref = now
	}
	next, err := schedule.NextRun(j.Schedule, ref, &expected, j.CreatedAt)
	if err != nil {
		d.log.Warn("next-run computation failed",
			logx.String("job", j.ID), logx.Err(err))
		return skipped
	}

	ok, err := d.jobs.TryClaim(ctx, j.ID, expected, next)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			d.log.Warn("claim failed", logx.String("job", j.ID), logx.Err(err))
		}
		return skipped
	}
	if !ok {
		if allow, suppressed := d.conflicts.Allow(); allow {
			d.log.Debug("claim conflict",
				logx.String("job", j.ID), logx.Uint64("suppressed", suppressed))
		}
		return conflict
	}

	if next == nil {
		// Schedule has no further occurrence after this one; the job stays
		// enabled with a null next run.
		if d.bus != nil {
			d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobExhausted, Data: j.ID})
		}
	}

	occ := engine.Occurrence{
		Job:          j.Clone(),
		ExecutionID:  uuid.NewString(),
		ScheduledFor: expected,
	}
	if err := d.eng.Enqueue(ctx, occ); err != nil {
		// The claim already advanced the job; the occurrence is lost. Log
		// loudly so the gap is visible in the execution history.
		d.log.Error("enqueue after claim failed",
			logx.String("job", j.ID), logx.String("exec", occ.ExecutionID), logx.Err(err))
		return skipped
	}
	if d.bus != nil {
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeJobClaimed, Data: j.ID})
	}
	if next == nil {
		return exhausted
	}
	return claimed
}
