package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"jobd/internal/job"
)

// Memory is the in-process reference implementation. It honors the same
// contracts as the sqlite driver (including CAS claim semantics) and backs
// unit tests and dev mode.
type Memory struct {
	mu    sync.RWMutex
	jobs  map[string]*job.Job
	execs map[string]*job.Execution

	// byJob preserves append order per job for ListByJob.
	byJob map[string][]string
}

func NewMemory() *Memory {
	return &Memory{
		jobs:  make(map[string]*job.Job),
		execs: make(map[string]*job.Execution),
		byJob: make(map[string][]string),
	}
}

func (m *Memory) Jobs() JobStore             { return (*memJobs)(m) }
func (m *Memory) Executions() ExecutionStore { return (*memExecs)(m) }
func (m *Memory) Close() error               { return nil }

type memJobs Memory

func (s *memJobs) Find(ctx context.Context, f JobFilter) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if f.Type != nil && j.Type != *f.Type {
			continue
		}
		if f.Enabled != nil && j.Enabled != *f.Enabled {
			continue
		}
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if f.CreatedAfter != nil && j.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && j.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *memJobs) Get(ctx context.Context, id string) (*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

func (s *memJobs) Create(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; ok {
		return ErrExists
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *memJobs) Update(ctx context.Context, j *job.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	s.jobs[j.ID] = j.Clone()
	return nil
}

func (s *memJobs) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return false, nil
	}
	delete(s.jobs, id)
	return true, nil
}

func (s *memJobs) Due(ctx context.Context, now time.Time, limit int) ([]*job.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*job.Job, 0, 16)
	for _, j := range s.jobs {
		if !j.Enabled || j.NextRun == nil || j.NextRun.After(now) {
			continue
		}
		out = append(out, j.Clone())
	}
	sort.Slice(out, func(i, k int) bool { return out[i].NextRun.Before(*out[k].NextRun) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memJobs) TryClaim(ctx context.Context, id string, expected time.Time, next *time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.NextRun == nil || !j.NextRun.Equal(expected) {
		return false, nil
	}
	if next != nil {
		t := *next
		j.NextRun = &t
	} else {
		j.NextRun = nil
	}
	j.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (s *memJobs) SetLastRun(ctx context.Context, id string, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	v := t
	j.LastRun = &v
	j.UpdatedAt = time.Now().UTC()
	return nil
}

type memExecs Memory

func (s *memExecs) Append(ctx context.Context, e *job.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *e
	s.execs[e.ID] = &cp
	s.byJob[e.JobID] = append(s.byJob[e.JobID], e.ID)
	return nil
}

func (s *memExecs) Update(ctx context.Context, e *job.Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.execs[e.ID]; !ok {
		return ErrNotFound
	}
	cp := *e
	s.execs[e.ID] = &cp
	return nil
}

func (s *memExecs) ListByJob(ctx context.Context, jobID string, limit int) ([]*job.Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byJob[jobID]
	out := make([]*job.Execution, 0, len(ids))
	// Newest first.
	for i := len(ids) - 1; i >= 0; i-- {
		if e, ok := s.execs[ids[i]]; ok {
			cp := *e
			out = append(out, &cp)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *memExecs) CountByJob(ctx context.Context, jobID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byJob[jobID]), nil
}

func (s *memExecs) CountSince(ctx context.Context, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, e := range s.execs {
		if !e.StartedAt.Before(since) {
			n++
		}
	}
	return n, nil
}
