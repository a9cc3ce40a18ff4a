package repo

import (
	"encoding/json"
	"fmt"
	"time"

	"doctranslate/internal/domain"
)

// rowScanner is satisfied by pgx.Row, pgx.Rows, *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		providerRaw []byte
		enhanceRaw  []byte
		chunkedAt   *time.Time
	)
	if err := row.Scan(
		&job.ID,
		&job.Filename,
		&job.SourceLanguage,
		&job.TargetLanguage,
		&job.APIProvider,
		&job.OutputFormat,
		&job.SourceFormat,
		&status,
		&job.TotalChunks,
		&job.CompletedChunks,
		&job.FailedChunks,
		&job.DeclaredLength,
		&job.Cancelled,
		&job.ErrorMessage,
		&job.SourceKey,
		&job.OutputKey,
		&providerRaw,
		&enhanceRaw,
		&chunkedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	if err := decodeJSON(providerRaw, &job.Provider); err != nil {
		return nil, fmt.Errorf("decode provider_config: %w", err)
	}
	if err := decodeJSON(enhanceRaw, &job.Enhancement); err != nil {
		return nil, fmt.Errorf("decode enhancement: %w", err)
	}
	job.ChunkedAt = utcPtr(chunkedAt)
	job.CreatedAt = job.CreatedAt.UTC()
	job.UpdatedAt = job.UpdatedAt.UTC()
	return &job, nil
}

func scanChunk(row rowScanner) (*domain.Chunk, error) {
	var (
		c           domain.Chunk
		status      string
		stagesRaw   []byte
		nextRetryAt *time.Time
		startedAt   *time.Time
		completedAt *time.Time
	)
	if err := row.Scan(
		&c.ID,
		&c.JobID,
		&c.ChunkIndex,
		&c.SourceText,
		&c.SourceHTML,
		&c.TranslatedText,
		&c.TranslatedHTML,
		&c.TokenCount,
		&c.CharCount,
		&c.OverlapChars,
		&status,
		&c.Error,
		&c.RetryCount,
		&nextRetryAt,
		&startedAt,
		&completedAt,
		&c.ProcessingLayer,
		&c.LLMModel,
		&c.LLMDurationMS,
		&stagesRaw,
		&c.UpdatedAt,
	); err != nil {
		return nil, err
	}
	c.Status = domain.ChunkStatus(status)
	if err := decodeJSON(stagesRaw, &c.LLMStages); err != nil {
		return nil, fmt.Errorf("decode llm_stages: %w", err)
	}
	c.NextRetryAt = utcPtr(nextRetryAt)
	c.StartedAt = utcPtr(startedAt)
	c.CompletedAt = utcPtr(completedAt)
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// jobArgs lists the job columns in the order the insert and update
// statements expect.
func jobArgs(j *domain.Job) ([]any, error) {
	provider, err := json.Marshal(j.Provider)
	if err != nil {
		return nil, fmt.Errorf("encode provider_config: %w", err)
	}
	enhancement, err := json.Marshal(j.Enhancement)
	if err != nil {
		return nil, fmt.Errorf("encode enhancement: %w", err)
	}
	return []any{
		j.ID,
		j.Filename,
		j.SourceLanguage,
		j.TargetLanguage,
		j.APIProvider,
		j.OutputFormat,
		j.SourceFormat,
		string(j.Status),
		j.TotalChunks,
		j.CompletedChunks,
		j.FailedChunks,
		j.DeclaredLength,
		j.Cancelled,
		j.ErrorMessage,
		j.SourceKey,
		j.OutputKey,
		string(provider),
		string(enhancement),
		utcPtr(j.ChunkedAt),
		j.CreatedAt.UTC(),
		j.UpdatedAt.UTC(),
	}, nil
}

func chunkArgs(c *domain.Chunk) ([]any, error) {
	stages := c.LLMStages
	if stages == nil {
		stages = []domain.StageResult{}
	}
	raw, err := json.Marshal(stages)
	if err != nil {
		return nil, fmt.Errorf("encode llm_stages: %w", err)
	}
	return []any{
		c.ID,
		c.JobID,
		c.ChunkIndex,
		c.SourceText,
		c.SourceHTML,
		c.TranslatedText,
		c.TranslatedHTML,
		c.TokenCount,
		c.CharCount,
		c.OverlapChars,
		string(c.Status),
		c.Error,
		c.RetryCount,
		utcPtr(c.NextRetryAt),
		utcPtr(c.StartedAt),
		utcPtr(c.CompletedAt),
		c.ProcessingLayer,
		c.LLMModel,
		c.LLMDurationMS,
		string(raw),
		c.UpdatedAt.UTC(),
	}, nil
}

func decodeJSON(raw []byte, dest any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func statusIn(status domain.ChunkStatus, set []domain.ChunkStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// prepareJob fills defaults on a job about to be inserted.
func prepareJob(job *domain.Job, now time.Time) error {
	if job == nil {
		return fmt.Errorf("%w: job is nil", domain.ErrInvalidInput)
	}
	if job.ID == "" {
		job.ID = newID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = domain.JobStatusPending
	}
	return nil
}

// prepareChunks assigns ids and indexes to chunks about to be inserted.
// mutateJob applies mutate to a copy of job that keeps its identity.
func mutateJob(job *domain.Job, mutate domain.JobMutator) *domain.Job {
	if mutate == nil {
		return job
	}
	next := job.Clone()
	mutate(&next)
	next.ID = job.ID
	next.CreatedAt = job.CreatedAt
	return &next
}

func prepareChunks(jobID string, chunks []domain.Chunk, now time.Time) {
	for i := range chunks {
		if chunks[i].ID == "" {
			chunks[i].ID = newID()
		}
		chunks[i].JobID = jobID
		chunks[i].ChunkIndex = i
		if chunks[i].Status == "" {
			chunks[i].Status = domain.ChunkStatusPending
		}
		chunks[i].UpdatedAt = now
	}
}

// applyTransition checks the CAS precondition and runs mutate on a copy.
func applyTransition(current *domain.Chunk, from []domain.ChunkStatus, mutate domain.ChunkMutator, now time.Time) (*domain.Chunk, error) {
	if !statusIn(current.Status, from) {
		return nil, fmt.Errorf("%w: chunk %s is %s", domain.ErrStaleTransition, current.ID, current.Status)
	}
	next := current.Clone()
	mutate(&next)
	if !next.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", domain.ErrInvalidInput, next.Status)
	}
	next.ID = current.ID
	next.JobID = current.JobID
	next.ChunkIndex = current.ChunkIndex
	next.UpdatedAt = now
	return &next, nil
}
