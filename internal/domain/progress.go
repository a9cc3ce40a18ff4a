package domain

import "time"

// ChunkProgress is the per-chunk slice of a progress snapshot.
type ChunkProgress struct {
	ID          string      `json:"id"`
	ChunkIndex  int         `json:"chunk_index"`
	Status      ChunkStatus `json:"status"`
	RetryCount  int         `json:"retry_count"`
	Error       string      `json:"error,omitempty"`
	NextRetryAt *time.Time  `json:"next_retry_at,omitempty"`
	Layer       string      `json:"processing_layer,omitempty"`
}

// Progress summarises a job's chunks.
type Progress struct {
	Chunks    []ChunkProgress `json:"chunks"`
	Total     int             `json:"total"`
	Completed int             `json:"completed"`
	Failed    int             `json:"failed"`
	Active    int             `json:"active"`
	Pending   int             `json:"pending"`
}

// JobProgress is an idempotent snapshot of a job. Consumers replace their
// state with it rather than applying it as a delta.
type JobProgress struct {
	Job      Job      `json:"job"`
	Progress Progress `json:"progress"`
}

// Snapshot builds a progress snapshot from a job and its chunks.
func Snapshot(job Job, chunks []Chunk) JobProgress {
	tally := Tally(chunks)
	p := Progress{
		Chunks:    make([]ChunkProgress, 0, len(chunks)),
		Total:     tally.Total,
		Completed: tally.Completed,
		Failed:    tally.Failed,
		Active:    tally.Active,
		Pending:   tally.Pending,
	}
	for i := range chunks {
		c := &chunks[i]
		cp := ChunkProgress{
			ID:         c.ID,
			ChunkIndex: c.ChunkIndex,
			Status:     c.Status,
			RetryCount: c.RetryCount,
			Error:      c.Error,
			Layer:      c.ProcessingLayer,
		}
		if c.NextRetryAt != nil {
			t := *c.NextRetryAt
			cp.NextRetryAt = &t
		}
		p.Chunks = append(p.Chunks, cp)
	}
	return JobProgress{Job: job.Clone(), Progress: p}
}
