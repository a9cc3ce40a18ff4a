package repo

import (
	"context"
	"fmt"
	"time"

	"doctranslate/internal/domain"
	"doctranslate/internal/infra"
	"doctranslate/internal/sqlinline"
)

// JobStoreSQLite implements domain.JobStore on an embedded SQLite database.
// The database is expected to be opened with infra.OpenSQLite so that every
// transaction holds the write lock from its first statement.
type JobStoreSQLite struct {
	sql infra.LiteTxExecutor
	now func() time.Time
}

// NewSQLiteJobStore creates a job store on the runner's SQLite handle.
func NewSQLiteJobStore(sql infra.LiteTxExecutor) *JobStoreSQLite {
	return &JobStoreSQLite{sql: sql, now: time.Now}
}

func (s *JobStoreSQLite) clock() time.Time {
	return s.now().UTC()
}

func (s *JobStoreSQLite) CreateJob(ctx context.Context, job *domain.Job) error {
	if err := prepareJob(job, s.clock()); err != nil {
		return err
	}
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = s.sql.Exec(ctx, sqlinline.QLiteInsertTranslationJob, args...)
	return err
}

func (s *JobStoreSQLite) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	return liteJob(ctx, s.sql, jobID)
}

func (s *JobStoreSQLite) ListJobs(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.sql.Query(ctx, sqlinline.QLiteListTranslationJobs)
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

func (s *JobStoreSQLite) UpdateJob(ctx context.Context, jobID string, mutate domain.JobMutator) (*domain.Job, error) {
	var out *domain.Job
	err := s.sql.WithTx(ctx, func(tx infra.LiteExecutor) error {
		current, err := liteJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		next := current.Clone()
		mutate(&next)
		next.ID = current.ID
		next.CreatedAt = current.CreatedAt
		next.UpdatedAt = s.clock()
		if err := liteWriteJob(ctx, tx, &next); err != nil {
			return err
		}
		out = &next
		return nil
	})
	return out, err
}

func (s *JobStoreSQLite) DeleteJob(ctx context.Context, jobID string) error {
	res, err := s.sql.Exec(ctx, sqlinline.QLiteDeleteTranslationJob, jobID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *JobStoreSQLite) InsertChunks(ctx context.Context, jobID string, chunks []domain.Chunk, mutate domain.JobMutator) error {
	now := s.clock()
	prepareChunks(jobID, chunks, now)
	return s.sql.WithTx(ctx, func(tx infra.LiteExecutor) error {
		job, err := liteJob(ctx, tx, jobID)
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
			if _, err := tx.Exec(ctx, sqlinline.QLiteInsertTranslationChunk, args...); err != nil {
				return fmt.Errorf("insert chunk %d: %w", i, err)
			}
		}
		job.ChunkedAt = &now
		job.TotalChunks = len(chunks)
		job.UpdatedAt = now
		return liteWriteJob(ctx, tx, job)
	})
}

func (s *JobStoreSQLite) ListChunks(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	if _, err := liteJob(ctx, s.sql, jobID); err != nil {
		return nil, err
	}
	return liteChunks(ctx, s.sql, sqlinline.QLiteListTranslationChunks, jobID)
}

func (s *JobStoreSQLite) GetChunk(ctx context.Context, chunkID string) (*domain.Chunk, error) {
	return liteChunk(ctx, s.sql, chunkID)
}

func (s *JobStoreSQLite) TransitionChunk(ctx context.Context, chunkID string, from []domain.ChunkStatus, mutate domain.ChunkMutator) (*domain.Chunk, error) {
	var out *domain.Chunk
	err := s.sql.WithTx(ctx, func(tx infra.LiteExecutor) error {
		current, err := liteChunk(ctx, tx, chunkID)
		if err != nil {
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
		if _, err := tx.Exec(ctx, sqlinline.QLiteUpdateTranslationChunk, args...); err != nil {
			return err
		}
		out = next
		return nil
	})
	return out, err
}

func (s *JobStoreSQLite) ClaimPending(ctx context.Context, limit int, now time.Time) ([]domain.Chunk, error) {
	if limit <= 0 {
		return nil, nil
	}
	var claimed []domain.Chunk
	err := s.sql.WithTx(ctx, func(tx infra.LiteExecutor) error {
		rows, err := tx.Query(ctx, sqlinline.QLiteSelectClaimableChunkIDs, limit)
		if err != nil {
			return err
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.Exec(ctx, sqlinline.QLiteMarkChunkTranslating, id, now.UTC()); err != nil {
				return err
			}
			c, err := liteChunk(ctx, tx, id)
			if err != nil {
				return err
			}
			claimed = append(claimed, *c)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *JobStoreSQLite) DueRetries(ctx context.Context, now time.Time, limit int) ([]domain.Chunk, error) {
	if limit <= 0 {
		limit = defaultBatch
	}
	return liteChunks(ctx, s.sql, sqlinline.QLiteDueRetryChunks, now.UTC(), limit)
}

func (s *JobStoreSQLite) RecomputeJob(ctx context.Context, jobID string) (*domain.Job, error) {
	var out *domain.Job
	err := s.sql.WithTx(ctx, func(tx infra.LiteExecutor) error {
		job, err := liteJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		chunks, err := liteChunks(ctx, tx, sqlinline.QLiteListTranslationChunks, jobID)
		if err != nil {
			return err
		}
		job.ApplyTally(domain.Tally(chunks))
		job.UpdatedAt = s.clock()
		if err := liteWriteJob(ctx, tx, job); err != nil {
			return err
		}
		out = job
		return nil
	})
	return out, err
}

func liteJob(ctx context.Context, q infra.LiteExecutor, jobID string) (*domain.Job, error) {
	job, err := scanJob(q.QueryRow(ctx, sqlinline.QLiteSelectTranslationJob, jobID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func liteChunk(ctx context.Context, q infra.LiteExecutor, chunkID string) (*domain.Chunk, error) {
	c, err := scanChunk(q.QueryRow(ctx, sqlinline.QLiteSelectTranslationChunk, chunkID))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return c, nil
}

func liteChunks(ctx context.Context, q infra.LiteExecutor, query string, args ...any) ([]domain.Chunk, error) {
	rows, err := q.Query(ctx, query, args...)
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

func liteWriteJob(ctx context.Context, q infra.LiteExecutor, job *domain.Job) error {
	args, err := jobArgs(job)
	if err != nil {
		return err
	}
	_, err = q.Exec(ctx, sqlinline.QLiteUpdateTranslationJob, args...)
	return err
}

var _ domain.JobStore = (*JobStoreSQLite)(nil)
