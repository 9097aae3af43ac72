// Package engine executes claimed job occurrences: a bounded worker pool
// with strict per-job serialization, handler timeouts, retry backoff, and
// cooperative cancellation.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"jobd/internal/action"
	"jobd/internal/eventbus"
	"jobd/internal/job"
	rtsup "jobd/internal/runtime/supervisor"
	"jobd/internal/store"
	logx "jobd/pkg/logx"
)

var (
	ErrStopped = errors.New("engine stopped")
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	registry *action.Registry
	jobs     store.JobStore
	execs    store.ExecutionStore

	q      chan Occurrence
	sup    *rtsup.Supervisor
	stopCh chan struct{}

	// Per-job serialization: a job with an in-flight occurrence defers new
	// ones into its gate instead of running them concurrently.
	gateMu sync.Mutex
	gates  map[string]*jobGate

	// Cooperative cancellation, keyed by execution ID.
	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	inFlight int32

	hmu     sync.Mutex
	history []HistoryItem
}

// jobGate tracks the one-per-job execution rule.
type jobGate struct {
	inflight bool
	pending  []Occurrence
}

func New(cfg Config, registry *action.Registry, st store.Store, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		log:      log,
		bus:      bus,
		registry: registry,
		jobs:     st.Jobs(),
		execs:    st.Executions(),
		gates:    make(map[string]*jobGate),
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Start spins up the worker pool. Idempotent.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	cfg := s.cfg
	s.q = make(chan Occurrence, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	queue := s.q

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log.With(logx.String("comp", "engine"))),
		// Worker failures should not hard-kill the process.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	s.mu.Unlock()

	for i := 0; i < cfg.Workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.worker(c, stopCh, queue)
			select {
			case <-stopCh:
				return context.Canceled
			default:
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("worker exited unexpectedly")
		})
	}

	s.log.Info("engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cap(queue)))
}

// Stop drains the pool: running occurrences get their contexts cancelled and
// workers exit once their current item finishes, bounded by ctx. Occurrences
// that were queued or deferred but never started are closed out as CANCELLED.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for _, occ := range s.shutdown(ctx) {
		s.dropPending(ctx, occ, "engine stopping")
	}
	s.log.Info("engine stopped")
}

// shutdown stops the workers and returns every occurrence that never started:
// items still in the worker queue followed by each job's deferred items, so
// per-job order survives a restart.
func (s *Service) shutdown(ctx context.Context) []Occurrence {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return nil
	}
	stopCh := s.stopCh
	sup := s.sup
	queue := s.q
	s.stopCh = nil
	s.sup = nil
	s.q = nil
	s.mu.Unlock()

	close(stopCh)
	if sup != nil {
		_ = sup.Stop(ctx)
	}

	var out []Occurrence
drain:
	for {
		select {
		case occ := <-queue:
			out = append(out, occ)
		default:
			break drain
		}
	}
	// Reset the gates wholesale: a gate's inflight flag refers to the pool
	// that just died, and leaving it set would defer every future occurrence
	// of that job into a list nothing drains.
	s.gateMu.Lock()
	for _, g := range s.gates {
		out = append(out, g.pending...)
	}
	s.gates = make(map[string]*jobGate)
	s.gateMu.Unlock()
	return out
}

// Apply swaps config; a change to pool shape restarts the workers. Queued and
// deferred occurrences carry over into the new pool instead of being dropped.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if !running || (prev.Workers == cfg.Workers && prev.QueueSize == cfg.QueueSize) {
		return
	}
	carried := s.shutdown(ctx)
	s.Start(ctx)
	for _, occ := range carried {
		if err := s.enqueue(ctx, occ, false); err != nil {
			s.dropPending(ctx, occ, "engine stopping")
		}
	}
	if len(carried) > 0 {
		s.log.Info("pool restarted; queued work carried over", logx.Int("carried", len(carried)))
	}
}

// Enqueue accepts a claimed occurrence. If the job already has an in-flight
// or queued occurrence, the new one is deferred (and optionally coalesced)
// rather than run concurrently; otherwise it enters the worker queue,
// blocking for backpressure when the queue is full.
func (s *Service) Enqueue(ctx context.Context, occ Occurrence) error {
	if occ.Job == nil {
		return errors.New("occurrence without job")
	}
	occ.EnqueuedAt = time.Now()
	return s.enqueue(ctx, occ, true)
}

// enqueue is Enqueue minus the execution-record append, so occurrences
// carried across a pool restart keep their existing PENDING row.
func (s *Service) enqueue(ctx context.Context, occ Occurrence, record bool) error {
	s.mu.Lock()
	queue := s.q
	stopCh := s.stopCh
	coalesce := s.cfg.Coalesce
	s.mu.Unlock()
	if queue == nil || stopCh == nil {
		return ErrStopped
	}
	if record {
		s.appendPending(ctx, occ)
	}

	s.gateMu.Lock()
	g := s.gates[occ.Job.ID]
	if g == nil {
		g = &jobGate{}
		s.gates[occ.Job.ID] = g
	}
	if g.inflight {
		var dropped *Occurrence
		if coalesce && len(g.pending) > 0 {
			old := g.pending[len(g.pending)-1]
			dropped = &old
			g.pending[len(g.pending)-1] = occ
		} else {
			g.pending = append(g.pending, occ)
		}
		s.gateMu.Unlock()
		if dropped != nil {
			s.dropPending(ctx, *dropped, "coalesced")
		}
		s.log.Debug("occurrence deferred",
			logx.String("job", occ.Job.ID), logx.Bool("coalesce", coalesce))
		return nil
	}
	g.inflight = true
	s.gateMu.Unlock()

	select {
	case queue <- occ:
		return nil
	case <-stopCh:
		s.releaseGate(occ.Job.ID)
		s.dropPending(ctx, occ, "engine stopping")
		return ErrStopped
	case <-ctx.Done():
		s.releaseGate(occ.Job.ID)
		s.dropPending(ctx, occ, "enqueue cancelled")
		return ctx.Err()
	}
}

// appendPending materializes the execution record in the queued state. The
// worker flips it to RUNNING when the occurrence is picked up.
func (s *Service) appendPending(ctx context.Context, occ Occurrence) {
	exec := &job.Execution{
		ID:        occ.ExecutionID,
		JobID:     occ.Job.ID,
		Status:    job.StatusPending,
		StartedAt: occ.EnqueuedAt,
		Manual:    occ.Manual,
	}
	if err := s.execs.Append(ctx, exec); err != nil {
		s.log.Warn("execution append failed",
			logx.String("exec", occ.ExecutionID), logx.Err(err))
	}
}

// dropPending marks an occurrence that will never run as CANCELLED.
func (s *Service) dropPending(ctx context.Context, occ Occurrence, reason string) {
	now := time.Now()
	exec := &job.Execution{
		ID:          occ.ExecutionID,
		JobID:       occ.Job.ID,
		Status:      job.StatusCancelled,
		StartedAt:   occ.EnqueuedAt,
		CompletedAt: &now,
		Manual:      occ.Manual,
		Error:       &job.ExecError{Code: "cancelled", Message: reason, Retryable: false},
	}
	if err := s.execs.Update(ctx, exec); err != nil {
		s.log.Warn("execution update failed",
			logx.String("exec", occ.ExecutionID), logx.Err(err))
	}
}

// nextDeferred pops the next pending occurrence for a job, or clears the
// gate. Called by the worker that just finished the job's occurrence; running
// the popped one on the same worker preserves per-job ordering without a
// re-queue cycle.
func (s *Service) nextDeferred(jobID string) (Occurrence, bool) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g := s.gates[jobID]
	if g == nil {
		return Occurrence{}, false
	}
	if len(g.pending) > 0 {
		occ := g.pending[0]
		g.pending = g.pending[1:]
		return occ, true
	}
	delete(s.gates, jobID)
	return Occurrence{}, false
}

func (s *Service) releaseGate(jobID string) {
	s.gateMu.Lock()
	g := s.gates[jobID]
	if g != nil && len(g.pending) == 0 {
		delete(s.gates, jobID)
	} else if g != nil {
		g.inflight = false
	}
	s.gateMu.Unlock()
}

// Busy reports whether a job currently has an in-flight or deferred
// occurrence.
func (s *Service) Busy(jobID string) bool {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	g := s.gates[jobID]
	return g != nil && g.inflight
}

// Cancel cancels an execution: a running one cooperatively through its
// context, a deferred one by removing it from its job gate before it ever
// starts. Returns false when the execution is neither running nor deferred.
func (s *Service) Cancel(executionID string) bool {
	s.cancelMu.Lock()
	cancel, ok := s.cancels[executionID]
	s.cancelMu.Unlock()
	if ok {
		cancel()
		return true
	}
	if occ, ok := s.removeDeferred(executionID); ok {
		s.dropPending(context.Background(), occ, "cancelled by request")
		return true
	}
	return false
}

func (s *Service) removeDeferred(executionID string) (Occurrence, bool) {
	s.gateMu.Lock()
	defer s.gateMu.Unlock()
	for _, g := range s.gates {
		for i, occ := range g.pending {
			if occ.ExecutionID == executionID {
				g.pending = append(g.pending[:i], g.pending[i+1:]...)
				return occ, true
			}
		}
	}
	return Occurrence{}, false
}

func (s *Service) registerCancel(executionID string, cancel context.CancelFunc) {
	s.cancelMu.Lock()
	s.cancels[executionID] = cancel
	s.cancelMu.Unlock()
}

func (s *Service) unregisterCancel(executionID string) {
	s.cancelMu.Lock()
	delete(s.cancels, executionID)
	s.cancelMu.Unlock()
}

// Snapshot returns a diagnostics view of the pool.
func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	queue := s.q
	s.mu.Unlock()

	snap := Snapshot{Workers: cfg.Workers}
	if queue != nil {
		snap.QueueLen = len(queue)
		snap.QueueCap = cap(queue)
	}

	snap.InFlight = int(atomic.LoadInt32(&s.inFlight))

	s.gateMu.Lock()
	for _, g := range s.gates {
		snap.Deferred += len(g.pending)
	}
	s.gateMu.Unlock()

	s.cancelMu.Lock()
	snap.Cancels = len(s.cancels)
	s.cancelMu.Unlock()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) record(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()

	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}
