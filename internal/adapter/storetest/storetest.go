// Package storetest holds behaviour checks shared by every domain.JobStore
// implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
)

// Factory returns an empty store.
type Factory func(t *testing.T) domain.JobStore

var base = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// Run exercises the store contract against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, s domain.JobStore)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"ListJobsNewestFirst", testListJobs},
		{"UpdateJob", testUpdateJob},
		{"InsertChunksOnce", testInsertChunks},
		{"InsertChunksAppliesMutator", testInsertChunksMutator},
		{"TransitionIsCompareAndSet", testTransition},
		{"ClaimPendingFIFO", testClaimFIFO},
		{"ClaimPendingConcurrent", testClaimConcurrent},
		{"DueRetries", testDueRetries},
		{"DueRetriesSkipCancelledJobs", testDueRetriesCancelled},
		{"RecomputeJob", testRecompute},
		{"DeleteCascades", testDelete},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, newStore(t))
		})
	}
}

// NewJob returns a job ready to be created.
func NewJob(created time.Time) *domain.Job {
	return &domain.Job{
		ID:             uuid.NewString(),
		Filename:       "manual.txt",
		SourceLanguage: "en",
		TargetLanguage: "de",
		APIProvider:    jsoncfg.ProviderDeepL,
		OutputFormat:   "txt",
		SourceFormat:   "text",
		Status:         domain.JobStatusPending,
		Provider: jsoncfg.ProviderConfig{
			Provider:  jsoncfg.ProviderDeepL,
			APIKey:    "key:fx",
			Formality: "more",
			Glossary:  map[string]string{"invoice": "Rechnung"},
		},
		Enhancement: jsoncfg.EnhancementConfig{
			Enabled:      true,
			DefaultModel: "llama3",
			Validation:   jsoncfg.StageConfig{Enabled: true},
		},
		CreatedAt: created,
	}
}

// NewChunks returns n pending chunks with distinct text.
func NewChunks(n int) []domain.Chunk {
	out := make([]domain.Chunk, n)
	for i := range out {
		text := fmt.Sprintf("Paragraph %d.", i)
		out[i] = domain.Chunk{
			SourceText: text,
			TokenCount: 3,
			CharCount:  len(text),
			Status:     domain.ChunkStatusPending,
		}
	}
	return out
}

func seed(t *testing.T, s domain.JobStore, created time.Time, chunks int) (*domain.Job, []domain.Chunk) {
	t.Helper()
	ctx := context.Background()
	job := NewJob(created)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if chunks > 0 {
		if err := s.InsertChunks(ctx, job.ID, NewChunks(chunks), nil); err != nil {
			t.Fatalf("InsertChunks: %v", err)
		}
	}
	stored, err := s.ListChunks(ctx, job.ID)
	if err != nil {
		t.Fatalf("ListChunks: %v", err)
	}
	return job, stored
}

func testCreateAndGet(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job := NewJob(base)
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Filename != job.Filename || got.TargetLanguage != "de" || got.Status != domain.JobStatusPending {
		t.Fatalf("unexpected job: %+v", got)
	}
	if !got.CreatedAt.Equal(base) {
		t.Fatalf("created_at = %v, want %v", got.CreatedAt, base)
	}
	if got.Provider.APIKey != "key:fx" || got.Provider.Glossary["invoice"] != "Rechnung" {
		t.Fatalf("provider snapshot not preserved: %+v", got.Provider)
	}
	if !got.Enhancement.Enabled || !got.Enhancement.Validation.Enabled || got.Enhancement.DefaultModel != "llama3" {
		t.Fatalf("enhancement snapshot not preserved: %+v", got.Enhancement)
	}
	if got.Chunked() {
		t.Fatalf("new job must not be chunked")
	}
	if _, err := s.GetJob(ctx, uuid.NewString()); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testListJobs(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	older, _ := seed(t, s, base, 0)
	newer, _ := seed(t, s, base.Add(time.Minute), 0)
	jobs, err := s.ListJobs(ctx)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 2 || jobs[0].ID != newer.ID || jobs[1].ID != older.ID {
		t.Fatalf("unexpected order: %+v", jobs)
	}
}

func testUpdateJob(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job, _ := seed(t, s, base, 0)
	updated, err := s.UpdateJob(ctx, job.ID, func(j *domain.Job) {
		j.Cancelled = true
		j.OutputKey = "jobs/out.txt"
		j.ID = "ignored"
	})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if updated.ID != job.ID || !updated.Cancelled || updated.OutputKey != "jobs/out.txt" {
		t.Fatalf("unexpected update result: %+v", updated)
	}
	got, _ := s.GetJob(ctx, job.ID)
	if !got.Cancelled {
		t.Fatalf("update not persisted")
	}
	if _, err := s.UpdateJob(ctx, uuid.NewString(), func(*domain.Job) {}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testInsertChunks(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job, chunks := seed(t, s, base, 3)
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.ChunkIndex != i || c.JobID != job.ID || c.ID == "" || c.Status != domain.ChunkStatusPending {
			t.Fatalf("chunk %d malformed: %+v", i, c)
		}
		if c.SourceText != fmt.Sprintf("Paragraph %d.", i) {
			t.Fatalf("chunk %d text = %q", i, c.SourceText)
		}
	}
	got, _ := s.GetJob(ctx, job.ID)
	if !got.Chunked() || got.TotalChunks != 3 {
		t.Fatalf("job not stamped as chunked: %+v", got)
	}
	err := s.InsertChunks(ctx, job.ID, NewChunks(1), func(j *domain.Job) {
		j.APIProvider = jsoncfg.ProviderOpenAI
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("second chunking must fail with ErrInvalidInput, got %v", err)
	}
	if got, _ := s.GetJob(ctx, job.ID); got.APIProvider != job.APIProvider {
		t.Fatalf("rejected chunking changed the job: provider %q", got.APIProvider)
	}
	if err := s.InsertChunks(ctx, uuid.NewString(), NewChunks(1), nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testTransition(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	_, chunks := seed(t, s, base, 1)
	id := chunks[0].ID
	started := base.Add(time.Second)

	moved, err := s.TransitionChunk(ctx, id, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
		c.StartedAt = &started
	})
	if err != nil {
		t.Fatalf("TransitionChunk: %v", err)
	}
	if moved.Status != domain.ChunkStatusTranslating || moved.StartedAt == nil || !moved.StartedAt.Equal(started) {
		t.Fatalf("unexpected chunk: %+v", moved)
	}
	_, err = s.TransitionChunk(ctx, id, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
	})
	if !errors.Is(err, domain.ErrStaleTransition) {
		t.Fatalf("expected ErrStaleTransition, got %v", err)
	}

	stages := []domain.StageResult{{Stage: jsoncfg.StageValidation, Status: "ok", DurationMS: 12}}
	done, err := s.TransitionChunk(ctx, id, []domain.ChunkStatus{domain.ChunkStatusTranslating}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusCompleted
		c.TranslatedText = "Absatz."
		c.LLMStages = append(c.LLMStages, stages...)
		c.ProcessingLayer = jsoncfg.StageValidation
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetChunk(ctx, id)
	if err != nil {
		t.Fatalf("GetChunk: %v", err)
	}
	if got.Status != domain.ChunkStatusCompleted || got.TranslatedText != "Absatz." || len(got.LLMStages) != 1 || got.LLMStages[0].DurationMS != 12 {
		t.Fatalf("unexpected stored chunk: %+v", got)
	}
	if done.ChunkIndex != 0 {
		t.Fatalf("chunk index changed")
	}
	_, err = s.TransitionChunk(ctx, id, []domain.ChunkStatus{domain.ChunkStatusCompleted}, func(c *domain.Chunk) {
		c.Status = "bogus"
	})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown status, got %v", err)
	}
	if _, err := s.TransitionChunk(ctx, uuid.NewString(), nil, func(*domain.Chunk) {}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testClaimFIFO(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	second, _ := seed(t, s, base.Add(time.Minute), 2)
	first, _ := seed(t, s, base, 2)
	cancelled, _ := seed(t, s, base.Add(-time.Minute), 2)
	if _, err := s.UpdateJob(ctx, cancelled.ID, func(j *domain.Job) { j.Cancelled = true }); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	now := base.Add(time.Hour)
	claimed, err := s.ClaimPending(ctx, 3, now)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(claimed) != 3 {
		t.Fatalf("expected 3 claimed, got %d", len(claimed))
	}
	want := []struct {
		job   string
		index int
	}{{first.ID, 0}, {first.ID, 1}, {second.ID, 0}}
	seen := map[string]bool{}
	for _, c := range claimed {
		if c.Status != domain.ChunkStatusTranslating || c.StartedAt == nil || !c.StartedAt.Equal(now) {
			t.Fatalf("claimed chunk not translating: %+v", c)
		}
		if c.JobID == cancelled.ID {
			t.Fatalf("claimed a chunk of a cancelled job")
		}
		seen[fmt.Sprintf("%s/%d", c.JobID, c.ChunkIndex)] = true
	}
	for _, w := range want {
		if !seen[fmt.Sprintf("%s/%d", w.job, w.index)] {
			t.Fatalf("expected chunk %d of job %s to be claimed", w.index, w.job)
		}
	}
	rest, err := s.ClaimPending(ctx, 10, now)
	if err != nil {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(rest) != 1 || rest[0].JobID != second.ID || rest[0].ChunkIndex != 1 {
		t.Fatalf("unexpected remainder: %+v", rest)
	}
	if none, _ := s.ClaimPending(ctx, 0, now); len(none) != 0 {
		t.Fatalf("limit 0 must claim nothing")
	}
}

func testClaimConcurrent(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	const total = 60
	seed(t, s, base, total/2)
	seed(t, s, base.Add(time.Second), total/2)

	var (
		mu     sync.Mutex
		counts = map[string]int{}
		wg     sync.WaitGroup
		errs   = make(chan error, 8)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				claimed, err := s.ClaimPending(ctx, 3, base)
				if err != nil {
					errs <- err
					return
				}
				if len(claimed) == 0 {
					return
				}
				mu.Lock()
				for _, c := range claimed {
					counts[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("ClaimPending: %v", err)
	}
	if len(counts) != total {
		t.Fatalf("claimed %d distinct chunks, want %d", len(counts), total)
	}
	for id, n := range counts {
		if n != 1 {
			t.Fatalf("chunk %s claimed %d times", id, n)
		}
	}
}

func testDueRetries(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	_, chunks := seed(t, s, base, 4)
	now := base.Add(time.Hour)
	schedule := []*time.Time{ptr(now.Add(-time.Minute)), ptr(now.Add(-time.Hour)), ptr(now.Add(time.Minute)), nil}
	for i, at := range schedule {
		at := at
		if _, err := s.TransitionChunk(ctx, chunks[i].ID, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
			c.Status = domain.ChunkStatusFailed
			c.Error = "boom"
			c.NextRetryAt = at
		}); err != nil {
			t.Fatalf("fail chunk %d: %v", i, err)
		}
	}
	due, err := s.DueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 2 || due[0].ID != chunks[1].ID || due[1].ID != chunks[0].ID {
		t.Fatalf("unexpected due set: %+v", due)
	}
	limited, _ := s.DueRetries(ctx, now, 1)
	if len(limited) != 1 || limited[0].ID != chunks[1].ID {
		t.Fatalf("limit not honoured: %+v", limited)
	}
}

func testInsertChunksMutator(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job, _ := seed(t, s, base, 0)
	err := s.InsertChunks(ctx, job.ID, NewChunks(2), func(j *domain.Job) {
		j.ID = "ignored"
		j.APIProvider = jsoncfg.ProviderLocal
		j.Cancelled = true
	})
	if err != nil {
		t.Fatalf("InsertChunks: %v", err)
	}
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.APIProvider != jsoncfg.ProviderLocal || !got.Cancelled || got.TotalChunks != 2 || !got.Chunked() {
		t.Fatalf("mutator not applied with chunking: %+v", got)
	}
}

func testDueRetriesCancelled(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	live, liveChunks := seed(t, s, base, 1)
	dead, deadChunks := seed(t, s, base.Add(time.Second), 1)
	now := base.Add(time.Hour)
	for _, c := range []domain.Chunk{liveChunks[0], deadChunks[0]} {
		if _, err := s.TransitionChunk(ctx, c.ID, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
			c.Status = domain.ChunkStatusFailed
			c.Error = "rate limited"
			c.NextRetryAt = ptr(now.Add(-time.Minute))
		}); err != nil {
			t.Fatalf("fail chunk: %v", err)
		}
	}
	if _, err := s.UpdateJob(ctx, dead.ID, func(j *domain.Job) { j.Cancelled = true }); err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	due, err := s.DueRetries(ctx, now, 10)
	if err != nil {
		t.Fatalf("DueRetries: %v", err)
	}
	if len(due) != 1 || due[0].JobID != live.ID {
		t.Fatalf("cancelled job's retry is due: %+v", due)
	}
}

func testRecompute(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job, chunks := seed(t, s, base, 3)
	set := func(i int, status domain.ChunkStatus) {
		t.Helper()
		if _, err := s.TransitionChunk(ctx, chunks[i].ID, domain.ChunkStatuses, func(c *domain.Chunk) {
			c.Status = status
			c.NextRetryAt = nil
		}); err != nil {
			t.Fatalf("set %d: %v", i, err)
		}
	}
	recompute := func() *domain.Job {
		t.Helper()
		got, err := s.RecomputeJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("RecomputeJob: %v", err)
		}
		return got
	}

	if got := recompute(); got.Status != domain.JobStatusPending || got.TotalChunks != 3 {
		t.Fatalf("fresh job: %+v", got)
	}
	set(0, domain.ChunkStatusTranslating)
	if got := recompute(); got.Status != domain.JobStatusTranslating {
		t.Fatalf("expected translating, got %s", got.Status)
	}
	set(0, domain.ChunkStatusCompleted)
	set(1, domain.ChunkStatusFailed)
	set(2, domain.ChunkStatusCompleted)
	got := recompute()
	if got.Status != domain.JobStatusPartial || got.CompletedChunks != 2 || got.FailedChunks != 1 {
		t.Fatalf("expected partial 2/1, got %+v", got)
	}
	set(1, domain.ChunkStatusCompleted)
	if got := recompute(); got.Status != domain.JobStatusCompleted || got.FailedChunks != 0 {
		t.Fatalf("expected completed, got %+v", got)
	}
	stored, _ := s.GetJob(ctx, job.ID)
	if stored.Status != domain.JobStatusCompleted || stored.CompletedChunks != 3 {
		t.Fatalf("recompute not persisted: %+v", stored)
	}
}

func testDelete(t *testing.T, s domain.JobStore) {
	ctx := context.Background()
	job, chunks := seed(t, s, base, 2)
	if err := s.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("DeleteJob: %v", err)
	}
	if _, err := s.GetJob(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("job still present: %v", err)
	}
	if _, err := s.GetChunk(ctx, chunks[0].ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("chunk survived job deletion: %v", err)
	}
	if _, err := s.ListChunks(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteJob(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
}

func ptr(t time.Time) *time.Time { return &t }
