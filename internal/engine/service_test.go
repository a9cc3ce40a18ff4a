package engine

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/providers/translate"
)

func TestUploadValidation(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		req  UploadRequest
	}{
		{"empty text", UploadRequest{Text: "  \n\n ", TargetLanguage: "de"}},
		{"unknown format", UploadRequest{Text: "hi", Format: "pdf", TargetLanguage: "de"}},
		{"missing target", UploadRequest{Text: "hi"}},
		{"bad target", UploadRequest{Text: "hi", TargetLanguage: "not a language"}},
		{"negative length", UploadRequest{Text: "hi", TargetLanguage: "de", DeclaredLength: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := h.eng.Upload(context.Background(), tt.req); !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
	jobs, _ := h.eng.ListJobs(context.Background())
	if len(jobs) != 0 {
		t.Fatalf("invalid uploads created %d jobs", len(jobs))
	}
}

func TestUploadDefaults(t *testing.T) {
	h := newHarness(t)
	job, err := h.eng.Upload(context.Background(), UploadRequest{Filename: "../../etc/notes.txt", Text: "hello", TargetLanguage: "es"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if job.Filename != "notes.txt" || job.SourceLanguage != "auto" || job.SourceFormat != FormatText || job.OutputFormat != "txt" {
		t.Fatalf("job = %+v", job)
	}
	if job.Status != domain.JobStatusPending || job.Chunked() {
		t.Fatalf("new job should be pending and unchunked")
	}
	src, err := h.files.Read(context.Background(), job.SourceKey)
	if err != nil || string(src) != "hello" {
		t.Fatalf("stored source = %q, %v", src, err)
	}
}

func TestTranslateErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	upload := func() string {
		job, err := h.eng.Upload(ctx, UploadRequest{Text: threeParagraphs(), TargetLanguage: "de"})
		if err != nil {
			t.Fatalf("upload: %v", err)
		}
		return job.ID
	}

	tests := []struct {
		name string
		req  TranslateRequest
		want error
	}{
		{"no provider", TranslateRequest{}, domain.ErrInvalidInput},
		{"unknown provider", TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "babelfish"}}, domain.ErrUnsupportedProvider},
		{"missing key", TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "deepl"}}, domain.ErrMissingCredentials},
		{"bad formality", TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "local", Formality: "rude"}}, domain.ErrInvalidInput},
		{"overlap too large", TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "local"}, MaxTokens: 10, OverlapTokens: intPtr(10)}, domain.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := upload()
			if _, err := h.eng.Translate(ctx, id, tt.req); !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if h.job(t, id).Chunked() {
				t.Fatalf("rejected request must not chunk the job")
			}
		})
	}

	if _, err := h.eng.Translate(ctx, "missing", TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "local"}}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown job: %v", err)
	}
}

func TestTranslateAgainKeepsChunks(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	chunks := h.chunks(t, job.ID)

	again, err := h.eng.Translate(ctx, job.ID, TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "deepl", APIKey: "k"}, MaxTokens: 5})
	if err != nil {
		t.Fatalf("second translate: %v", err)
	}
	if again.APIProvider != "deepl" {
		t.Fatalf("provider snapshot not replaced: %q", again.APIProvider)
	}
	after := h.chunks(t, job.ID)
	if len(after) != 3 || after[0].ID != chunks[0].ID {
		t.Fatalf("chunks were rebuilt: %d", len(after))
	}

	if _, err := h.store.TransitionChunk(ctx, after[1].ID, []domain.ChunkStatus{domain.ChunkStatusPending}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	_, err = h.eng.Translate(ctx, job.ID, TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "local"}})
	if !errors.Is(err, domain.ErrJobBusy) {
		t.Fatalf("expected ErrJobBusy while a chunk is in flight, got %v", err)
	}
}

func TestTranslateUsesStoredCredentials(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Credentials = staticCredentials{"deepl": "stored-key"}
	})
	ctx := context.Background()
	job, _ := h.eng.Upload(ctx, UploadRequest{Text: "hello there", TargetLanguage: "de"})
	got, err := h.eng.Translate(ctx, job.ID, TranslateRequest{Provider: jsoncfg.ProviderConfig{Provider: "DeepL-Pro"}})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	if got.APIProvider != "deepl" || got.Provider.APIKey != "stored-key" {
		t.Fatalf("provider snapshot = %q key=%q", got.APIProvider, got.Provider.APIKey)
	}
	h.run(t)
	if reqs := h.deepl.requests(); len(reqs) != 1 || reqs[0].Config.APIKey != "stored-key" {
		t.Fatalf("requests = %+v", reqs)
	}
}

func TestChunkMetadata(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	chunks := h.chunks(t, job.ID)
	for i, c := range chunks {
		if c.ChunkIndex != i || c.Status != domain.ChunkStatusPending || c.ProcessingLayer != domain.LayerChunker {
			t.Fatalf("chunk %d = index %d status %s layer %q", i, c.ChunkIndex, c.Status, c.ProcessingLayer)
		}
		if c.CharCount != len([]rune(c.SourceText)) {
			t.Fatalf("chunk %d char_count = %d", i, c.CharCount)
		}
	}
	if chunks[0].OverlapChars != 0 || chunks[1].OverlapChars == 0 {
		t.Fatalf("overlap chars = %d, %d", chunks[0].OverlapChars, chunks[1].OverlapChars)
	}
	if chunks[1].TokenCount != 12 {
		t.Fatalf("second chunk tokens = %d, want 12", chunks[1].TokenCount)
	}
}

func TestCancelStopsDispatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})

	got, err := h.eng.Cancel(ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !got.Cancelled || got.Status != domain.JobStatusFailed {
		t.Fatalf("cancelled job = %+v", got)
	}
	if n := h.run(t); n != 0 {
		t.Fatalf("dispatched %d chunks of a cancelled job", n)
	}
	for _, c := range h.chunks(t, job.ID) {
		if c.Status != domain.ChunkStatusFailed || c.Error != "cancelled" || c.NextRetryAt != nil {
			t.Fatalf("chunk %d = %s %q", c.ChunkIndex, c.Status, c.Error)
		}
	}

	got, err = h.eng.RetryFailed(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got.Cancelled {
		t.Fatalf("retry should clear cancellation")
	}
	h.run(t)
	for _, c := range h.chunks(t, job.ID) {
		if c.Status != domain.ChunkStatusCompleted || c.RetryCount != 1 {
			t.Fatalf("chunk %d after retry = %s retry=%d", c.ChunkIndex, c.Status, c.RetryCount)
		}
	}
}

func TestCancelClearsScheduledRetry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, paragraph("a", 5), jsoncfg.EnhancementConfig{})
	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindNetwork, Provider: "local"}
	})
	h.run(t)
	if _, err := h.eng.Cancel(ctx, job.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	c := h.chunks(t, job.ID)[0]
	if c.NextRetryAt != nil {
		t.Fatalf("cancel left a scheduled retry")
	}
	h.clock.Advance(DefaultRetryMax)
	if n, _ := h.eng.Sweep(ctx); n != 0 {
		t.Fatalf("sweep requeued %d chunks of a cancelled job", n)
	}
}

func TestCancelDuringCallSkipsRetry(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Workers = 1 })
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})

	h.local.setFn(func(_ context.Context, req translate.Request) (string, error) {
		if strings.HasPrefix(req.Text, "a") {
			return "T:" + req.Text, nil
		}
		if _, err := h.eng.Cancel(ctx, job.ID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return "", &translate.ProviderError{Kind: translate.KindRateLimit, Provider: "local", StatusCode: 429}
	})
	if n := h.run(t); n != 2 {
		t.Fatalf("processed %d chunks, want 2", n)
	}

	chunks := h.chunks(t, job.ID)
	if chunks[0].Status != domain.ChunkStatusCompleted {
		t.Fatalf("first chunk = %s", chunks[0].Status)
	}
	for _, c := range chunks[1:] {
		if c.Status != domain.ChunkStatusFailed || c.NextRetryAt != nil {
			t.Fatalf("chunk %d = %s next_retry_at=%v", c.ChunkIndex, c.Status, c.NextRetryAt)
		}
	}
	if got := h.job(t, job.ID); !got.Cancelled || got.Status != domain.JobStatusPartial {
		t.Fatalf("job = %s cancelled=%v", got.Status, got.Cancelled)
	}

	h.clock.Advance(time.Hour)
	if n, err := h.eng.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	if n := h.run(t); n != 0 {
		t.Fatalf("dispatched %d chunks after cancel", n)
	}
	final, err := h.eng.Finalize(ctx, job.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	out, err := h.files.Read(ctx, final.OutputKey)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if string(out) != "T:"+paragraph("a", 10) {
		t.Fatalf("output = %q", out)
	}
}

func TestRetryFailedSwitchesProvider(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, paragraph("a", 5), jsoncfg.EnhancementConfig{})
	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindUnsupportedLanguage, Provider: "local"}
	})
	h.run(t)

	if _, err := h.eng.RetryFailed(ctx, job.ID, &jsoncfg.ProviderConfig{Provider: "deepl"}); !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("expected missing credentials, got %v", err)
	}
	got, err := h.eng.RetryFailed(ctx, job.ID, &jsoncfg.ProviderConfig{Provider: "deepl", APIKey: "k"})
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if got.APIProvider != "deepl" {
		t.Fatalf("provider = %q", got.APIProvider)
	}
	h.run(t)
	if len(h.deepl.requests()) != 1 {
		t.Fatalf("retry did not use the new provider")
	}
	if got := h.job(t, job.ID).Status; got != domain.JobStatusCompleted {
		t.Fatalf("job = %s", got)
	}
}

func TestRetryAll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	h.run(t)
	if _, err := h.eng.Finalize(ctx, job.ID); err != nil {
		t.Fatalf("finalize: %v", err)
	}

	chunks := h.chunks(t, job.ID)
	if _, err := h.store.TransitionChunk(ctx, chunks[0].ID, []domain.ChunkStatus{domain.ChunkStatusCompleted}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusTranslating
	}); err != nil {
		t.Fatalf("force active: %v", err)
	}
	if _, err := h.eng.RetryAll(ctx, job.ID, nil); !errors.Is(err, domain.ErrJobBusy) {
		t.Fatalf("retry all with active chunk: %v", err)
	}
	if _, err := h.store.TransitionChunk(ctx, chunks[0].ID, []domain.ChunkStatus{domain.ChunkStatusTranslating}, func(c *domain.Chunk) {
		c.Status = domain.ChunkStatusCompleted
	}); err != nil {
		t.Fatalf("restore: %v", err)
	}

	got, err := h.eng.RetryAll(ctx, job.ID, nil)
	if err != nil {
		t.Fatalf("retry all: %v", err)
	}
	if got.OutputKey != "" || got.Status != domain.JobStatusPending {
		t.Fatalf("after retry all: output=%q status=%s", got.OutputKey, got.Status)
	}
	for _, c := range h.chunks(t, job.ID) {
		if c.Status != domain.ChunkStatusPending || c.RetryCount != 0 {
			t.Fatalf("chunk %d = %s retry=%d", c.ChunkIndex, c.Status, c.RetryCount)
		}
	}
	if n := h.run(t); n != 3 {
		t.Fatalf("retranslated %d chunks", n)
	}
}

func TestRetryRequiresChunks(t *testing.T) {
	h := newHarness(t)
	job, _ := h.eng.Upload(context.Background(), UploadRequest{Text: "x", TargetLanguage: "de"})
	if _, err := h.eng.RetryFailed(context.Background(), job.ID, nil); !errors.Is(err, domain.ErrNotChunked) {
		t.Fatalf("expected ErrNotChunked, got %v", err)
	}
}

func TestFinalizeRefusesUnsettledJob(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	if _, err := h.eng.Finalize(ctx, job.ID); !errors.Is(err, domain.ErrJobBusy) {
		t.Fatalf("finalize with pending chunks: %v", err)
	}

	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindAuth, Provider: "local"}
	})
	h.run(t)
	if _, err := h.eng.Finalize(ctx, job.ID); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("finalize with no completed chunks: %v", err)
	}
}

func TestUpdateChunk(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, paragraph("a", 5), jsoncfg.EnhancementConfig{})
	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindAuth, Provider: "local"}
	})
	h.run(t)
	if got := h.job(t, job.ID).Status; got != domain.JobStatusFailed {
		t.Fatalf("job = %s", got)
	}

	id := h.chunks(t, job.ID)[0].ID
	if _, err := h.eng.UpdateChunk(ctx, id, "  "); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("blank update: %v", err)
	}
	c, err := h.eng.UpdateChunk(ctx, id, "hand translated")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if c.Status != domain.ChunkStatusCompleted || c.ProcessingLayer != domain.LayerManual || c.TranslatedText != "hand translated" {
		t.Fatalf("chunk = %+v", c)
	}
	if got := h.job(t, job.ID).Status; got != domain.JobStatusCompleted {
		t.Fatalf("job after manual fix = %s", got)
	}
	if _, err := h.eng.UpdateChunk(ctx, "missing", "x"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("unknown chunk: %v", err)
	}
}

func TestStatusAndDelete(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	h.run(t)

	status, err := h.eng.Status(ctx, job.ID)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Progress.Total != 3 || status.Progress.Completed != 3 || status.Job.Status != domain.JobStatusCompleted {
		t.Fatalf("status = %+v", status.Progress)
	}

	if err := h.eng.DeleteJob(ctx, job.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := h.eng.Status(ctx, job.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("status after delete: %v", err)
	}
	if _, err := h.files.Read(ctx, job.SourceKey); err == nil {
		t.Fatalf("source file survived delete")
	}
}
