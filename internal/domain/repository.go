package domain

import (
	"context"
	"time"
)

// ChunkMutator edits a chunk in place once the store has verified and locked
// its current status.
type ChunkMutator func(c *Chunk)

// JobMutator edits a job in place while the store holds the job row.
type JobMutator func(j *Job)

// JobStore is the durable single source of truth for jobs and their chunks.
// Every chunk status change goes through TransitionChunk, which is a
// compare-and-set on the chunk's current status.
type JobStore interface {
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, jobID string) (*Job, error)
	ListJobs(ctx context.Context) ([]Job, error)
	UpdateJob(ctx context.Context, jobID string, mutate JobMutator) (*Job, error)
	DeleteJob(ctx context.Context, jobID string) error

	// InsertChunks stores the job's chunks, applies mutate (when non-nil) and
	// stamps the job as chunked in one step. It fails with ErrInvalidInput,
	// leaving the job untouched, when the job already has chunks.
	InsertChunks(ctx context.Context, jobID string, chunks []Chunk, mutate JobMutator) error
	ListChunks(ctx context.Context, jobID string) ([]Chunk, error)
	GetChunk(ctx context.Context, chunkID string) (*Chunk, error)

	// TransitionChunk applies mutate only if the chunk's status is one of
	// from, returning ErrStaleTransition otherwise.
	TransitionChunk(ctx context.Context, chunkID string, from []ChunkStatus, mutate ChunkMutator) (*Chunk, error)
	// ClaimPending atomically moves up to limit pending chunks of
	// non-cancelled jobs to translating.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]Chunk, error)
	// DueRetries lists failed chunks whose next_retry_at is at or before now.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]Chunk, error)

	// RecomputeJob re-derives counters and status from the job's chunks.
	RecomputeJob(ctx context.Context, jobID string) (*Job, error)
}

// CredentialSource resolves stored API keys for providers that need them.
type CredentialSource interface {
	Token(ctx context.Context, provider string) (string, error)
}
