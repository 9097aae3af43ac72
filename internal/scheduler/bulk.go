package scheduler

import (
	"context"
	"time"

	"jobd/internal/schedule"
	logx "jobd/pkg/logx"
)

// BulkOp is one of the batch operations over job IDs.
type BulkOp string

const (
	BulkEnable  BulkOp = "ENABLE"
	BulkDisable BulkOp = "DISABLE"
	BulkDelete  BulkOp = "DELETE"
)

// BulkResult is the per-item outcome of a bulk call. Error is empty on
// success.
type BulkResult struct {
	JobID string `json:"job_id"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Bulk applies op to every ID independently: one failing item never aborts
// the rest, and the result slice is index-aligned with ids. An unknown op
// fails every item with the same message.
func (s *Service) Bulk(ctx context.Context, op BulkOp, ids []string) []BulkResult {
	results := make([]BulkResult, len(ids))
	var apply func(ctx context.Context, id string) error
	switch op {
	case BulkEnable:
		apply = func(ctx context.Context, id string) error { return s.setEnabled(ctx, id, true) }
	case BulkDisable:
		apply = func(ctx context.Context, id string) error { return s.setEnabled(ctx, id, false) }
	case BulkDelete:
		apply = s.DeleteJob
	default:
		for i, id := range ids {
			results[i] = BulkResult{JobID: id, Error: "unknown operation " + string(op)}
		}
		return results
	}

	ok := 0
	for i, id := range ids {
		results[i] = BulkResult{JobID: id, OK: true}
		if err := apply(ctx, id); err != nil {
			results[i].OK = false
			results[i].Error = err.Error()
			continue
		}
		ok++
	}
	s.log.Info("bulk operation",
		logx.String("op", string(op)), logx.Int("total", len(ids)), logx.Int("ok", ok))
	return results
}

// setEnabled flips the enabled flag. Re-enabling recomputes the next-run
// instant so a job disabled across its due time picks up a future occurrence
// instead of firing a stale one.
func (s *Service) setEnabled(ctx context.Context, id string, enabled bool) error {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return err
	}
	if j.Enabled == enabled {
		return nil
	}
	j.Enabled = enabled
	j.UpdatedAt = time.Now().UTC()
	if enabled {
		j.NextRun, err = schedule.NextRun(j.Schedule, j.UpdatedAt, j.LastRun, j.CreatedAt)
		if err != nil {
			return err
		}
	}
	if err := s.jobs.Update(ctx, j); err != nil {
		return err
	}
	return nil
}

// EnableJob and DisableJob are single-item conveniences over setEnabled.
func (s *Service) EnableJob(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, true)
}

func (s *Service) DisableJob(ctx context.Context, id string) error {
	return s.setEnabled(ctx, id, false)
}
