package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dunamismax/pixelbatch/internal/domain"
)

type MemoryJobStore struct {
	mu      sync.RWMutex
	batches map[string]domain.Batch
	jobs    map[int64]domain.ImageJob
	byBatch map[string][]int64
	nextID  int64
	now     func() time.Time
}

func NewMemoryJobStore() *MemoryJobStore {
	return &MemoryJobStore{
		batches: make(map[string]domain.Batch),
		jobs:    make(map[int64]domain.ImageJob),
		byBatch: make(map[string][]int64),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryJobStore) CreateBatch(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[batch.ID]; ok {
		return fmt.Errorf("batch %s already exists", batch.ID)
	}
	s.batches[batch.ID] = batch
	return nil
}

func (s *MemoryJobStore) GetBatch(_ context.Context, id string) (domain.Batch, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	return batch, ok, nil
}

func (s *MemoryJobStore) UpdateBatch(_ context.Context, batch domain.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.batches[batch.ID]
	if !ok {
		return ErrBatchNotFound
	}
	current.Status = batch.Status
	current.UpdatedAt = s.now()
	s.batches[batch.ID] = current
	return nil
}

func (s *MemoryJobStore) DeleteBatch(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[id]; !ok {
		return ErrBatchNotFound
	}
	for _, jobID := range s.byBatch[id] {
		delete(s.jobs, jobID)
	}
	delete(s.byBatch, id)
	delete(s.batches, id)
	return nil
}

func (s *MemoryJobStore) CreateJob(_ context.Context, job domain.ImageJob) (domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.batches[job.BatchID]; !ok {
		return domain.ImageJob{}, fmt.Errorf("create job: %w: %s", ErrBatchNotFound, job.BatchID)
	}

	s.nextID++
	job.ID = s.nextID
	s.jobs[job.ID] = job
	s.byBatch[job.BatchID] = append(s.byBatch[job.BatchID], job.ID)
	return job, nil
}

func (s *MemoryJobStore) GetJob(_ context.Context, id int64) (domain.ImageJob, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	return job, ok, nil
}

func (s *MemoryJobStore) ListJobsByBatch(_ context.Context, batchID string) ([]domain.ImageJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byBatch[batchID]
	jobs := make([]domain.ImageJob, 0, len(ids))
	for _, jobID := range ids {
		jobs = append(jobs, s.jobs[jobID])
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *MemoryJobStore) UpdateJob(_ context.Context, job domain.ImageJob) (domain.ImageJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.jobs[job.ID]
	if !ok {
		return domain.ImageJob{}, ErrJobNotFound
	}
	if !domain.CanTransition(current.Status, job.Status) {
		return current, fmt.Errorf("%w: %s -> %s", ErrStaleTransition, current.Status, job.Status)
	}

	current.Status = job.Status
	current.OutputURL = ""
	if job.Status == domain.JobStatusDone {
		current.OutputURL = job.OutputURL
	}
	current.UpdatedAt = s.now()
	s.jobs[job.ID] = current
	return current, nil
}

func (s *MemoryJobStore) Ping(context.Context) error {
	return nil
}
