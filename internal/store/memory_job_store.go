package store

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/dunamismax/hueshift/internal/domain"
)

type MemoryJobStore struct {
	mu    sync.RWMutex
	jobs  map[string]domain.Job
	usage []domain.UsageLog
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		jobs: make(map[string]domain.Job),
	}
}

func (s *MemoryJobStore) Create(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.Pipeline = slices.Clone(job.Pipeline)
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobStore) Get(_ context.Context, id string) (domain.Job, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) UpdateStatus(_ context.Context, id, status string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = status
	})
}

func (s *MemoryJobStore) MarkFailed(_ context.Context, id, reason string) (domain.Job, error) {
	return s.update(id, func(job *domain.Job) {
		job.Status = domain.JobStatusFailed
		job.Error = reason
	})
}

func (s *MemoryJobStore) update(id string, fn func(*domain.Job)) (domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return domain.Job{}, ErrJobNotFound
	}

	fn(&job)
	job.UpdatedAt = time.Now().UTC()
	s.jobs[id] = job
	return job, nil
}

func (s *MemoryJobStore) CreateUsageLog(_ context.Context, usage domain.UsageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// One row per job, matching the unique index of the SQL stores.
	if slices.ContainsFunc(s.usage, func(u domain.UsageLog) bool { return u.JobID == usage.JobID }) {
		return nil
	}
	s.usage = append(s.usage, usage)
	return nil
}

func (s *MemoryJobStore) ListUsage(_ context.Context, userID string) ([]domain.UsageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []domain.UsageLog
	for _, u := range s.usage {
		if u.UserID == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

func (s *MemoryJobStore) Close() error {
	return nil
}
