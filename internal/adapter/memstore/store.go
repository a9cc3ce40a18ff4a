// Package memstore is an in-process JobStore. Jobs do not survive a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"doctranslate/internal/domain"
)

// Store keeps jobs and chunks in maps guarded by one mutex, which makes every
// transition a compare-and-set.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	chunks map[string]*domain.Chunk
	byJob  map[string][]string
	now    func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		jobs:   make(map[string]*domain.Job),
		chunks: make(map[string]*domain.Chunk),
		byJob:  make(map[string][]string),
		now:    time.Now,
	}
}

// WithClock replaces the timestamp source.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
	return s
}

func (s *Store) CreateJob(_ context.Context, job *domain.Job) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", domain.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("%w: job %s already exists", domain.ErrInvalidInput, job.ID)
	}
	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	stored := job.Clone()
	s.jobs[job.ID] = &stored
	return nil
}

func (s *Store) GetJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := job.Clone()
	return &out, nil
}

func (s *Store) ListJobs(_ context.Context) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) UpdateJob(_ context.Context, jobID string, mutate domain.JobMutator) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := job.Clone()
	mutate(&next)
	next.ID = job.ID
	next.CreatedAt = job.CreatedAt
	next.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = &next
	out := next.Clone()
	return &out, nil
}

func (s *Store) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return domain.ErrNotFound
	}
	for _, id := range s.byJob[jobID] {
		delete(s.chunks, id)
	}
	delete(s.byJob, jobID)
	delete(s.jobs, jobID)
	return nil
}

func (s *Store) InsertChunks(_ context.Context, jobID string, chunks []domain.Chunk, mutate domain.JobMutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Chunked() || len(s.byJob[jobID]) > 0 {
		return fmt.Errorf("%w: job %s is already chunked", domain.ErrInvalidInput, jobID)
	}
	if mutate != nil {
		next := job.Clone()
		mutate(&next)
		next.ID = job.ID
		next.CreatedAt = job.CreatedAt
		job = &next
		s.jobs[jobID] = job
	}
	now := s.now().UTC()
	ids := make([]string, 0, len(chunks))
	for i := range chunks {
		c := chunks[i].Clone()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.JobID = jobID
		c.ChunkIndex = i
		if c.Status == "" {
			c.Status = domain.ChunkStatusPending
		}
		c.UpdatedAt = now
		s.chunks[c.ID] = &c
		ids = append(ids, c.ID)
		chunks[i].ID = c.ID
	}
	s.byJob[jobID] = ids
	job.ChunkedAt = &now
	job.TotalChunks = len(chunks)
	job.UpdatedAt = now
	return nil
}

func (s *Store) ListChunks(_ context.Context, jobID string) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return nil, domain.ErrNotFound
	}
	return s.chunksOf(jobID), nil
}

func (s *Store) chunksOf(jobID string) []domain.Chunk {
	ids := s.byJob[jobID]
	out := make([]domain.Chunk, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.chunks[id].Clone())
	}
	return out
}

func (s *Store) GetChunk(_ context.Context, chunkID string) (*domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := c.Clone()
	return &out, nil
}

func (s *Store) TransitionChunk(_ context.Context, chunkID string, from []domain.ChunkStatus, mutate domain.ChunkMutator) (*domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chunks[chunkID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !statusIn(c.Status, from) {
		return nil, fmt.Errorf("%w: chunk %s is %s", domain.ErrStaleTransition, chunkID, c.Status)
	}
	next := c.Clone()
	mutate(&next)
	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, next.Status)
	}
	next.ID = c.ID
	next.JobID = c.JobID
	next.ChunkIndex = c.ChunkIndex
	next.UpdatedAt = s.now().UTC()
	s.chunks[chunkID] = &next
	out := next.Clone()
	return &out, nil
}

func (s *Store) ClaimPending(_ context.Context, limit int, now time.Time) ([]domain.Chunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if !job.Cancelled {
			jobs = append(jobs, job)
		}
	}
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].ID < jobs[j].ID
		}
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	var claimed []domain.Chunk
	started := now.UTC()
	for _, job := range jobs {
		for _, id := range s.byJob[job.ID] {
			c := s.chunks[id]
			if c.Status != domain.ChunkStatusPending {
				continue
			}
			c.Status = domain.ChunkStatusTranslating
			c.StartedAt = &started
			c.CompletedAt = nil
			c.UpdatedAt = started
			claimed = append(claimed, c.Clone())
			if len(claimed) == limit {
				return claimed, nil
			}
		}
	}
	return claimed, nil
}

func (s *Store) DueRetries(_ context.Context, now time.Time, limit int) ([]domain.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []domain.Chunk
	for _, c := range s.chunks {
		if job, ok := s.jobs[c.JobID]; ok && job.Cancelled {
			continue
		}
		if c.Status == domain.ChunkStatusFailed && c.NextRetryAt != nil && !c.NextRetryAt.After(now) {
			due = append(due, c.Clone())
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextRetryAt.Before(*due[j].NextRetryAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *Store) RecomputeJob(_ context.Context, jobID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := job.Clone()
	next.ApplyTally(domain.Tally(s.chunksOf(jobID)))
	next.UpdatedAt = s.now().UTC()
	s.jobs[jobID] = &next
	out := next.Clone()
	return &out, nil
}

func statusIn(status domain.ChunkStatus, set []domain.ChunkStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

var _ domain.JobStore = (*Store)(nil)
