package engine

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/pipeline"
	"doctranslate/internal/providers/translate"
)

func TestTranslateFinalizeDownload(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})

	if job.TotalChunks != 3 || job.Status != domain.JobStatusPending {
		t.Fatalf("after chunking: total=%d status=%s", job.TotalChunks, job.Status)
	}
	if n := h.run(t); n != 3 {
		t.Fatalf("processed %d chunks, want 3", n)
	}

	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusCompleted || got.CompletedChunks != 3 || got.FailedChunks != 0 {
		t.Fatalf("job = %s completed=%d failed=%d", got.Status, got.CompletedChunks, got.FailedChunks)
	}
	for _, c := range h.chunks(t, job.ID) {
		if c.ProcessingLayer != domain.LayerTranslation || c.CompletedAt == nil {
			t.Fatalf("chunk %d layer=%q completed_at=%v", c.ChunkIndex, c.ProcessingLayer, c.CompletedAt)
		}
	}

	// Only the fresh body is translated; the overlap travels as context.
	for _, req := range h.local.requests() {
		if strings.HasPrefix(req.Text, "b") && req.PreviousContext != "a8 a9" {
			t.Fatalf("second chunk context = %q", req.PreviousContext)
		}
	}

	if _, _, err := h.eng.Download(ctx, job.ID); !errors.Is(err, domain.ErrNotFinalized) {
		t.Fatalf("download before finalize: %v", err)
	}
	final, err := h.eng.Finalize(ctx, job.ID)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	out, err := h.files.Read(ctx, final.OutputKey)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	want := "T:" + paragraph("a", 10) + "\n\nT:" + paragraph("b", 10) + "\n\nT:" + paragraph("c", 10)
	if string(out) != want {
		t.Fatalf("output = %q", out)
	}

	archive, name, err := h.eng.Download(ctx, job.ID)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if name != "doc.zip" {
		t.Fatalf("archive name = %q", name)
	}
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		t.Fatalf("open zip: %v", err)
	}
	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	if strings.Join(names, ",") != "doc.txt,chunks/0001.txt,chunks/0002.txt,chunks/0003.txt" {
		t.Fatalf("zip entries = %v", names)
	}
	rc, _ := zr.File[0].Open()
	body, _ := io.ReadAll(rc)
	rc.Close()
	if string(body) != want {
		t.Fatalf("zipped output differs")
	}
}

func TestProgressSnapshotsArePublished(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	h.run(t)

	snaps := h.pub.all()
	if len(snaps) < 4 {
		t.Fatalf("expected several snapshots, got %d", len(snaps))
	}
	last := snaps[len(snaps)-1]
	if last.Job.ID != job.ID || last.Job.Status != domain.JobStatusCompleted {
		t.Fatalf("last snapshot = %s %s", last.Job.ID, last.Job.Status)
	}
	if last.Progress.Completed != 3 || len(last.Progress.Chunks) != 3 {
		t.Fatalf("last progress = %+v", last.Progress)
	}
	prev := -1
	for _, s := range snaps {
		if s.Progress.Completed < prev {
			t.Fatalf("completed count went backwards: %d after %d", s.Progress.Completed, prev)
		}
		prev = s.Progress.Completed
	}
}

func TestRateLimitedChunkIsRetried(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, paragraph("a", 8), jsoncfg.EnhancementConfig{})

	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindRateLimit, Provider: "local", StatusCode: 429}
	})
	h.run(t)

	c := h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusFailed || c.RetryCount != 0 {
		t.Fatalf("chunk after failure: status=%s retry=%d", c.Status, c.RetryCount)
	}
	if c.NextRetryAt == nil || !c.NextRetryAt.Equal(h.clock.Now().Add(30*time.Second)) {
		t.Fatalf("next_retry_at = %v", c.NextRetryAt)
	}
	if got := h.job(t, job.ID).Status; got != domain.JobStatusTranslating {
		t.Fatalf("job with a scheduled retry = %s, want translating", got)
	}

	if n, err := h.eng.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("early sweep = %d, %v", n, err)
	}
	h.clock.Advance(30 * time.Second)
	if n, err := h.eng.Sweep(ctx); err != nil || n != 1 {
		t.Fatalf("sweep = %d, %v", n, err)
	}
	c = h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusPending || c.RetryCount != 1 || c.Error != "" {
		t.Fatalf("chunk after sweep: status=%s retry=%d err=%q", c.Status, c.RetryCount, c.Error)
	}

	h.local.setFn(nil)
	h.run(t)
	c = h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusCompleted || c.RetryCount != 1 {
		t.Fatalf("chunk after retry: status=%s retry=%d", c.Status, c.RetryCount)
	}
	if got := h.job(t, job.ID).Status; got != domain.JobStatusCompleted {
		t.Fatalf("job = %s", got)
	}
}

func TestRetryCountGrowsUntilExhausted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job := h.start(t, paragraph("a", 8), jsoncfg.EnhancementConfig{})
	h.local.setFn(func(context.Context, translate.Request) (string, error) {
		return "", &translate.ProviderError{Kind: translate.KindNetwork, Provider: "local", Err: errors.New("connection refused")}
	})

	wantDelays := []time.Duration{30 * time.Second, time.Minute, 2 * time.Minute}
	lastCount := -1
	for i, delay := range wantDelays {
		h.run(t)
		c := h.chunks(t, job.ID)[0]
		if c.RetryCount < lastCount {
			t.Fatalf("retry_count decreased from %d to %d", lastCount, c.RetryCount)
		}
		lastCount = c.RetryCount
		if c.RetryCount != i {
			t.Fatalf("attempt %d: retry_count = %d", i, c.RetryCount)
		}
		if c.NextRetryAt == nil || c.NextRetryAt.Sub(h.clock.Now()) != delay {
			t.Fatalf("attempt %d: next_retry_at = %v, want +%s", i, c.NextRetryAt, delay)
		}
		h.clock.Advance(delay)
		if n, err := h.eng.Sweep(ctx); err != nil || n != 1 {
			t.Fatalf("attempt %d: sweep = %d, %v", i, n, err)
		}
	}

	h.run(t)
	c := h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusFailed || c.RetryCount != 3 || c.NextRetryAt != nil {
		t.Fatalf("exhausted chunk: status=%s retry=%d next=%v", c.Status, c.RetryCount, c.NextRetryAt)
	}
	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusFailed || got.ErrorMessage == "" {
		t.Fatalf("job = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestAuthFailureIsNotRetried(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, threeParagraphs(), jsoncfg.EnhancementConfig{})
	h.local.setFn(func(_ context.Context, req translate.Request) (string, error) {
		if strings.HasPrefix(req.Text, "b") {
			return "", &translate.ProviderError{Kind: translate.KindAuth, Provider: "local", StatusCode: 401}
		}
		return "T:" + req.Text, nil
	})
	h.run(t)

	var failed *domain.Chunk
	for _, c := range h.chunks(t, job.ID) {
		if c.Status == domain.ChunkStatusFailed {
			c := c
			failed = &c
		}
	}
	if failed == nil || failed.ChunkIndex != 1 || failed.NextRetryAt != nil {
		t.Fatalf("failed chunk = %+v", failed)
	}
	got := h.job(t, job.ID)
	if got.Status != domain.JobStatusPartial || got.CompletedChunks != 2 || got.FailedChunks != 1 {
		t.Fatalf("job = %s completed=%d failed=%d", got.Status, got.CompletedChunks, got.FailedChunks)
	}

	// Partial jobs can still be finalized from the completed chunks.
	final, err := h.eng.Finalize(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("finalize partial: %v", err)
	}
	out, _ := h.files.Read(context.Background(), final.OutputKey)
	if strings.Contains(string(out), "b0") || !strings.Contains(string(out), "c9") {
		t.Fatalf("partial output = %q", out)
	}
}

func TestEnhancementRecordsStages(t *testing.T) {
	enhancer := enhancerFunc(func(_ context.Context, cfg jsoncfg.EnhancementConfig, in pipeline.Input) (pipeline.Result, error) {
		return pipeline.Result{
			Text:      "E:" + in.Text,
			LastStage: jsoncfg.StageRewrite,
			Model:     cfg.DefaultModel,
			Duration:  1500 * time.Millisecond,
			Stages: []domain.StageResult{
				{Stage: jsoncfg.StageValidation, Status: pipeline.StatusIssues},
				{Stage: jsoncfg.StageRewrite, Status: pipeline.StatusRevised},
			},
		}, nil
	})
	h := newHarness(t, func(o *Options) {
		o.Enhancer = enhancer
		o.DefaultLLMModel = "qwen2.5:7b"
	})
	job := h.start(t, paragraph("a", 8), jsoncfg.EnhancementConfig{Enabled: true})
	if !h.job(t, job.ID).Enhancement.Validation.Enabled {
		t.Fatalf("enabling the pipeline should default validation on")
	}
	h.run(t)

	c := h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusCompleted {
		t.Fatalf("status = %s", c.Status)
	}
	if c.TranslatedText != "E:T:"+paragraph("a", 8) {
		t.Fatalf("translated = %q", c.TranslatedText)
	}
	if c.ProcessingLayer != jsoncfg.StageRewrite || c.LLMModel != "qwen2.5:7b" || c.LLMDurationMS != 1500 {
		t.Fatalf("layer=%q model=%q duration=%d", c.ProcessingLayer, c.LLMModel, c.LLMDurationMS)
	}
	if len(c.LLMStages) != 2 {
		t.Fatalf("stages = %+v", c.LLMStages)
	}

	var sawEnhancing bool
	for _, s := range h.pub.all() {
		for _, cp := range s.Progress.Chunks {
			if cp.Status == domain.ChunkStatusLLMEnhancing {
				sawEnhancing = true
			}
		}
	}
	if !sawEnhancing {
		t.Fatalf("no snapshot showed the chunk in llm-enhancing")
	}
}

func TestStageFailureFailsChunk(t *testing.T) {
	enhancer := enhancerFunc(func(context.Context, jsoncfg.EnhancementConfig, pipeline.Input) (pipeline.Result, error) {
		res := pipeline.Result{Stages: []domain.StageResult{{Stage: jsoncfg.StageValidation, Status: "failed"}}}
		return res, &pipeline.StageError{Stage: jsoncfg.StageValidation, Err: errors.New("model not found")}
	})
	h := newHarness(t, func(o *Options) {
		o.Enhancer = enhancer
		o.DefaultLLMModel = "llama3"
	})
	job := h.start(t, paragraph("a", 8), jsoncfg.EnhancementConfig{Enabled: true})
	h.run(t)

	c := h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusFailed || c.NextRetryAt == nil {
		t.Fatalf("status=%s next=%v", c.Status, c.NextRetryAt)
	}
	if !strings.Contains(c.Error, "validation") {
		t.Fatalf("error = %q", c.Error)
	}
	if len(c.LLMStages) != 1 || c.TranslatedText == "" {
		t.Fatalf("stages=%d translated=%q", len(c.LLMStages), c.TranslatedText)
	}
}

func TestShutdownReleasesChunk(t *testing.T) {
	h := newHarness(t)
	job := h.start(t, paragraph("a", 8), jsoncfg.EnhancementConfig{})

	ctx, cancel := context.WithCancel(context.Background())
	h.local.setFn(func(callCtx context.Context, _ translate.Request) (string, error) {
		cancel()
		<-callCtx.Done()
		return "", callCtx.Err()
	})
	if _, err := h.eng.RunPending(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("run pending after cancel: %v", err)
	}
	c := h.chunks(t, job.ID)[0]
	if c.Status != domain.ChunkStatusPending || c.RetryCount != 0 || c.StartedAt != nil {
		t.Fatalf("released chunk: status=%s retry=%d started=%v", c.Status, c.RetryCount, c.StartedAt)
	}
}

func TestHTMLChunksUseMarkup(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	job, err := h.eng.Upload(ctx, UploadRequest{Filename: "page.html", Format: "html", Text: "<p>Hello <b>world</b></p>", TargetLanguage: "fr"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	if job.OutputFormat != "html" {
		t.Fatalf("output format = %q", job.OutputFormat)
	}
	if _, err := h.eng.Translate(ctx, job.ID, TranslateRequest{
		Provider: jsoncfg.ProviderConfig{Provider: "deepl", APIKey: "k"},
	}); err != nil {
		t.Fatalf("translate: %v", err)
	}
	h.run(t)

	reqs := h.deepl.requests()
	if len(reqs) != 1 || !reqs[0].HTML || reqs[0].Text != "<p>Hello <b>world</b></p>" {
		t.Fatalf("requests = %+v", reqs)
	}
	c := h.chunks(t, job.ID)[0]
	if c.SourceText != "Hello world" {
		t.Fatalf("source text = %q", c.SourceText)
	}
	if c.TranslatedHTML != "T:<p>Hello <b>world</b></p>" || c.TranslatedText != "T:Hello world" {
		t.Fatalf("translated html=%q text=%q", c.TranslatedHTML, c.TranslatedText)
	}
}
