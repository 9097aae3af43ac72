package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	"jobd/internal/action"
	"jobd/internal/eventbus"
	"jobd/internal/job"
	"jobd/internal/retry"
	logx "jobd/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Occurrence) {
	// Per-worker RNG: avoids global lock contention when many jobs retry
	// concurrently.
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for {
		// Fast-exit check so a closed stopCh wins over queued work.
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case occ, ok := <-queue:
			if !ok {
				return
			}
			// Run the occurrence, then any occurrences that were deferred for
			// the same job while it ran. Draining on the same worker keeps
			// per-job ordering without a re-queue cycle.
			for {
				atomic.AddInt32(&s.inFlight, 1)
				s.execOne(ctx, occ, rng)
				atomic.AddInt32(&s.inFlight, -1)

				// Check for shutdown before popping: a popped occurrence the
				// worker never runs would be lost, while one left in the gate
				// is flushed by shutdown.
				select {
				case <-ctx.Done():
					return
				case <-stopCh:
					return
				default:
				}
				next, ok := s.nextDeferred(occ.Job.ID)
				if !ok {
					break
				}
				occ = next
			}
		}
	}
}

// execOne drives one occurrence through the execution state machine,
// persisting each transition and emitting bus events.
func (s *Service) execOne(ctx context.Context, occ Occurrence, rng *rand.Rand) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	j := occ.Job
	start := time.Now()
	queueDelay := time.Duration(0)
	if !occ.EnqueuedAt.IsZero() {
		queueDelay = start.Sub(occ.EnqueuedAt)
		if queueDelay < 0 {
			queueDelay = 0
		}
	}

	exec := &job.Execution{
		ID:        occ.ExecutionID,
		JobID:     j.ID,
		Status:    job.StatusRunning,
		StartedAt: start,
		Manual:    occ.Manual,
	}
	s.persistStatus(ctx, exec, job.StatusRunning)
	s.publish(eventbus.TypeExecutionStarted, exec, j, 1, "")
	s.log.Debug("execution started",
		logx.String("job", j.ID), logx.String("exec", exec.ID),
		logx.Duration("queue_delay", queueDelay), logx.Bool("manual", occ.Manual))

	timeout := j.Action.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	policy := retry.Resolve(j.Action.Retry, retry.Default)
	params := j.Action.Params.Merge(occ.Overrides)

	var (
		result   job.Params
		execErr  *job.ExecError
		attempts = 1
	)

	for {
		runCtx, cancel := context.WithTimeout(ctx, timeout)
		s.registerCancel(exec.ID, cancel)

		out, err := s.invoke(runCtx, j.Action, action.Invocation{
			JobID:       j.ID,
			ExecutionID: exec.ID,
			Attempt:     attempts,
			Manual:      occ.Manual,
			Params:      params,
		}, cfg.CancelGrace)

		s.unregisterCancel(exec.ID)
		cancel()

		if err == nil {
			result = out
			execErr = nil
			break
		}
		execErr = action.Classify(err)

		// Engine shutdown or an external cancel request ends the occurrence
		// as CANCELLED rather than FAILED.
		if errors.Is(err, context.Canceled) && !errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			s.finish(ctx, exec, j, job.StatusCancelled, nil, execErr, start, queueDelay, attempts)
			return
		}

		ok, delay := retry.Decide(policy, execErr.Retryable, exec.RetryCount)
		if !ok {
			break
		}
		if hint, hasHint := action.Hint(err); hasHint {
			delay = hint
			if delay > policy.MaxRetryDelay && policy.MaxRetryDelay > 0 {
				delay = policy.MaxRetryDelay
			}
		}
		delay = retry.Jitter(delay, cfg.RetryJitter, rng)

		exec.RetryCount++
		attempts++
		s.persistStatus(ctx, exec, job.StatusRetrying)
		s.publish(eventbus.TypeExecutionRetrying, exec, j, attempts, execErr.Error())
		s.log.Debug("execution retry scheduled",
			logx.String("job", j.ID), logx.String("exec", exec.ID),
			logx.Int("attempt", attempts), logx.Duration("delay", delay), logx.Err(err))

		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			execErr = &job.ExecError{Code: "cancelled", Message: "engine stopping", Retryable: false}
			s.finish(ctx, exec, j, job.StatusCancelled, nil, execErr, start, queueDelay, attempts)
			return
		case <-tmr.C:
		}
		s.persistStatus(ctx, exec, job.StatusRunning)
	}

	if execErr == nil {
		s.finish(ctx, exec, j, job.StatusCompleted, result, nil, start, queueDelay, attempts)
	} else {
		s.finish(ctx, exec, j, job.StatusFailed, result, execErr, start, queueDelay, attempts)
	}
}

// invoke runs the handler with panic recovery. If the context is cancelled
// and the handler does not return within grace, the occurrence is abandoned
// to the handler goroutine (side effect may still land out-of-band) and the
// cancellation is reported immediately.
func (s *Service) invoke(ctx context.Context, act job.Action, inv action.Invocation, grace time.Duration) (job.Params, error) {
	h, err := s.registry.Resolve(act.Type)
	if err != nil {
		return nil, action.NoRetry(action.Coded("unknown_action", err))
	}

	type outcome struct {
		out job.Params
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("handler panicked",
					logx.String("job", inv.JobID), logx.Any("panic", r),
					logx.Stack(string(debug.Stack())))
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := h.Execute(ctx, act, inv)
		done <- outcome{out: out, err: err}
	}()

	select {
	case o := <-done:
		return o.out, o.err
	case <-ctx.Done():
	}

	// Cooperative window: the handler saw ctx.Done; give it grace to unwind.
	tmr := time.NewTimer(grace)
	defer tmr.Stop()
	select {
	case o := <-done:
		if o.err == nil {
			// Completed despite the cancel; honor the work that was done.
			return o.out, nil
		}
		return o.out, o.err
	case <-tmr.C:
		s.log.Warn("handler ignored cancellation; abandoning",
			logx.String("job", inv.JobID), logx.String("exec", inv.ExecutionID),
			logx.Duration("grace", grace))
		return nil, ctx.Err()
	}
}

// finish records a terminal transition: execution row, job lastRun, bus
// event, history.
func (s *Service) finish(ctx context.Context, exec *job.Execution, j *job.Job, st job.Status,
	result job.Params, execErr *job.ExecError, start time.Time, queueDelay time.Duration, attempts int) {

	end := time.Now()
	exec.Status = st
	exec.CompletedAt = &end
	exec.Duration = end.Sub(start)
	exec.Result = result
	exec.Error = execErr

	if err := s.execs.Update(ctx, exec); err != nil {
		s.log.Warn("execution update failed",
			logx.String("exec", exec.ID), logx.Err(err))
	}
	if err := s.jobs.SetLastRun(ctx, j.ID, end); err != nil {
		s.log.Warn("last-run update failed", logx.String("job", j.ID), logx.Err(err))
	}

	errMsg := ""
	evType := eventbus.TypeExecutionCompleted
	switch st {
	case job.StatusFailed:
		evType = eventbus.TypeExecutionFailed
		errMsg = execErr.Error()
		s.log.Warn("execution failed",
			logx.String("job", j.ID), logx.String("exec", exec.ID),
			logx.Int("attempts", attempts), logx.Duration("dur", exec.Duration),
			logx.String("error", errMsg))
	case job.StatusCancelled:
		evType = eventbus.TypeExecutionCancelled
		if execErr != nil {
			errMsg = execErr.Error()
		}
		s.log.Info("execution cancelled",
			logx.String("job", j.ID), logx.String("exec", exec.ID),
			logx.Duration("dur", exec.Duration))
	default:
		if exec.Duration >= 750*time.Millisecond {
			s.log.Info("execution completed",
				logx.String("job", j.ID), logx.String("exec", exec.ID),
				logx.Duration("dur", exec.Duration), logx.Int("attempts", attempts))
		} else {
			s.log.Debug("execution completed",
				logx.String("job", j.ID), logx.String("exec", exec.ID),
				logx.Duration("dur", exec.Duration), logx.Int("attempts", attempts))
		}
	}
	s.publish(evType, exec, j, attempts, errMsg)

	s.record(HistoryItem{
		ExecutionID: exec.ID,
		JobID:       j.ID,
		JobName:     j.Name,
		Status:      st,
		Started:     start,
		QueueDelay:  queueDelay,
		Duration:    exec.Duration,
		Attempts:    attempts,
		Error:       errMsg,
	})
}

func (s *Service) persistStatus(ctx context.Context, exec *job.Execution, st job.Status) {
	exec.Status = st
	if err := s.execs.Update(ctx, exec); err != nil {
		s.log.Warn("execution update failed", logx.String("exec", exec.ID), logx.Err(err))
	}
}

func (s *Service) publish(evType string, exec *job.Execution, j *job.Job, attempt int, errMsg string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: evType, Data: ExecutionEvent{
		ExecutionID: exec.ID,
		JobID:       j.ID,
		JobName:     j.Name,
		Status:      exec.Status,
		Attempt:     attempt,
		Duration:    exec.Duration,
		Error:       errMsg,
	}})
}
