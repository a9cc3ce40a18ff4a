package domain

// ChunkTally counts a job's chunks by lifecycle position.
type ChunkTally struct {
	Total          int
	Pending        int
	Active         int
	Completed      int
	Failed         int
	RetryScheduled int
}

// Tally counts chunks by status. Failed chunks that still carry a
// next_retry_at are counted in both Failed and RetryScheduled.
func Tally(chunks []Chunk) ChunkTally {
	var t ChunkTally
	for i := range chunks {
		t.Add(&chunks[i])
	}
	return t
}

// Add accounts one chunk into the tally.
func (t *ChunkTally) Add(c *Chunk) {
	t.Total++
	switch c.Status {
	case ChunkStatusPending:
		t.Pending++
	case ChunkStatusTranslating, ChunkStatusLLMEnhancing:
		t.Active++
	case ChunkStatusCompleted:
		t.Completed++
	case ChunkStatusFailed:
		t.Failed++
		if c.NextRetryAt != nil {
			t.RetryScheduled++
		}
	}
}

// Settled reports whether no chunk can make progress without an explicit
// retry.
func (t ChunkTally) Settled() bool {
	return t.Pending == 0 && t.Active == 0 && t.RetryScheduled == 0
}

// DeriveJobStatus computes the aggregate job status from its chunks.
//
//	completed   every chunk completed
//	translating at least one chunk active, or progress has begun and some
//	            chunk is pending or scheduled for retry
//	pending     no chunk dispatched yet
//	failed      settled with zero completed chunks
//	partial     settled with a mix of completed and exhausted chunks
func DeriveJobStatus(t ChunkTally) JobStatus {
	switch {
	case t.Total == 0:
		return JobStatusPending
	case t.Completed == t.Total:
		return JobStatusCompleted
	case t.Active > 0:
		return JobStatusTranslating
	case t.Pending == t.Total:
		return JobStatusPending
	case !t.Settled():
		return JobStatusTranslating
	case t.Completed == 0:
		return JobStatusFailed
	default:
		return JobStatusPartial
	}
}

// ApplyTally writes the derived counters and status onto the job.
func (j *Job) ApplyTally(t ChunkTally) {
	if t.Total > 0 {
		j.TotalChunks = t.Total
	}
	j.CompletedChunks = t.Completed
	j.FailedChunks = t.Failed
	j.Status = DeriveJobStatus(t)
	if j.Status != JobStatusFailed {
		j.ErrorMessage = ""
	} else if j.ErrorMessage == "" {
		j.ErrorMessage = "no chunk could be translated"
	}
}
