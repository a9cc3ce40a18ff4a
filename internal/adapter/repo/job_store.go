package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"doctranslate/internal/domain"
	"doctranslate/internal/infra"
	"doctranslate/internal/sqlinline"
)

// JobStorePG implements domain.JobStore on PostgreSQL. Chunk transitions run
// in a transaction that holds the chunk row lock.
type JobStorePG struct {
	sql infra.TxExecutor
	now func() time.Time
}

// NewJobStore creates a job store backed by PostgreSQL.
func NewJobStore(sql infra.TxExecutor) *JobStorePG {
	return &JobStorePG{sql: sql, now: time.Now}
}

func newID() string {
	return uuid.NewString()
}

func (s *JobStorePG) clock() time.Time {
	return s.now().UTC()
}

// CreateJob inserts a new job record.
func (s *JobStorePG) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := prepareJob(job, s.clock()); err != nil {
		return err
	}
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QInsertTranslationJob, args...)
	return err
}

// GetJob fetches a job by its identifier.
func (s *JobStorePG) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	job, err := scanJob(s.sql.QueryRow(ctx, sqlinline.QSelectTranslationJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListJobs returns every job, newest first.
func (s *JobStorePG) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QListTranslationJobs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// UpdateJob applies mutate while holding the job row lock.
func (s *JobStorePG) UpdateJob(ctx context.Context, jobID string, mutate domain.JobMutator) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	var out *domain.Job
	err := s.sql.WithTx(ctx, func(tx infra.SQLExecutor) error {
		current, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		next := current.Clone()
		mutate(&next)
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.clock()
		if err := writeJob(ctx, tx, &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	return out, err
}

// DeleteJob removes a job; its chunks go with it.
func (s *JobStorePG) DeleteJob(ctx context.Context, jobID string) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return domain.ErrNotFound
	}
	tag, err := s.sql.Exec(ctx, sqlinline.QDeleteTranslationJob, jobID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// InsertChunks stores the chunks, applies mutate and stamps the job as
// chunked in one transaction.
func (s *JobStorePG) InsertChunks(ctx context.Context, jobID string, chunks []domain.Chunk, mutate domain.JobMutator) error {
	if _, err := uuid.Parse(jobID); err != nil {
		return domain.ErrNotFound
	}
	now := s.clock()
	prepareChunks(jobID, chunks, now)
	return s.sql.WithTx(ctx, func(tx infra.SQLExecutor) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.Chunked() {
			return fmt.Errorf("%w: job %s is already chunked", domain.ErrInvalidInput, jobID)
		}
		job = mutateJob(job, mutate)
		for i := range chunks {
			args, err := chunkArgs(&chunks[i])
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, sqlinline.QInsertTranslationChunk, args...); err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}
		job.ChunkedAt = &now
		job.TotalChunks = len(chunks)
		job.UpdatedAt = now
		return writeJob(ctx, tx, job)
	})
}

// ListChunks returns the job's chunks ordered by index.
func (s *JobStorePG) ListChunks(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	if _, err := s.GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return listChunks(ctx, s.sql, jobID)
}

// GetChunk fetches a chunk by its identifier.
func (s *JobStorePG) GetChunk(ctx context.Context, chunkID string) (*domain.Chunk, error) {
	if _, err := uuid.Parse(chunkID); err != nil {
		return nil, domain.ErrNotFound
	}
	c, err := scanChunk(s.sql.QueryRow(ctx, sqlinline.QSelectTranslationChunk, chunkID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

// TransitionChunk locks the chunk row, checks its status against from and
// writes the mutated row.
func (s *JobStorePG) TransitionChunk(ctx context.Context, chunkID string, from []domain.ChunkStatus, mutate domain.ChunkMutator) (*domain.Chunk, error) {
	if _, err := uuid.Parse(chunkID); err != nil {
		return nil, domain.ErrNotFound
	}
	var out *domain.Chunk
	err := s.sql.WithTx(ctx, func(tx infra.SQLExecutor) error {
		current, err := scanChunk(tx.QueryRow(ctx, sqlinline.QSelectTranslationChunkForUpdate, chunkID))
		if err != nil {
			if infra.IsNoRows(err) {
				return domain.ErrNotFound
			}
			return err
		}
		next, err := applyTransition(current, from, mutate, s.clock())
		if err != nil {
			return err
		}
		args, err := chunkArgs(next)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, sqlinline.QUpdateTranslationChunk, args...); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

// ClaimPending moves up to limit pending chunks to translating. Concurrent
// claimers never receive the same chunk.
func (s *JobStorePG) ClaimPending(ctx context.Context, limit int, now time.Time) ([]domain.Chunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.sql.Query(ctx, sqlinline.QClaimPendingChunks, limit, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var claimed []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return claimed, nil
}

// DueRetries lists failed chunks whose retry time has come.
func (s *JobStorePG) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = defaultBatch
	}
	rows, err := s.sql.Query(ctx, sqlinline.QDueRetryChunks, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var due []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		due = append(due, *c)
	}
	return due, rows.Err()
}

// RecomputeJob re-derives the job counters under the job row lock, so
// recomputations for one job are serialized.
func (s *JobStorePG) RecomputeJob(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return nil, domain.ErrNotFound
	}
	var out *domain.Job
	err := s.sql.WithTx(ctx, func(tx infra.SQLExecutor) error {
		job, err := lockJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		chunks, err := listChunks(ctx, tx, jobID)
		if err != nil {
			return err
		}
		job.ApplyTally(domain.Tally(chunks))
		job.UpdatedAt = s.clock()
		if err := writeJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

const defaultBatch = 500

func lockJob(ctx context.Context, tx infra.SQLExecutor, jobID string) (*domain.Job, error) {
	job, err := scanJob(tx.QueryRow(ctx, sqlinline.QSelectTranslationJobForUpdate, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func writeJob(ctx context.Context, tx infra.SQLExecutor, job *domain.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, sqlinline.QUpdateTranslationJob, args...)
	return err
}

func listChunks(ctx context.Context, q infra.SQLExecutor, jobID string) ([]domain.Chunk, error) {
	rows, err := q.Query(ctx, sqlinline.QListTranslationChunks, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var chunks []domain.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, *c)
	}
	return chunks, rows.Err()
}

var _ domain.JobStore = (*JobStorePG)(nil)
