package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"doctranslate/internal/adapter/memstore"
	"doctranslate/internal/chunker"
	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/pipeline"
	"doctranslate/internal/providers/translate"
	"doctranslate/internal/storage"
)

type wordCounter struct{}

func (wordCounter) Count(text string) (int, error) { return len(strings.Fields(text)), nil }

func (wordCounter) Tail(text string, n int) (string, error) {
	words := strings.Fields(text)
	if n >= len(words) {
		return strings.Join(words, " "), nil
	}
	return strings.Join(words[len(words)-n:], " "), nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTranslator struct {
	name string
	caps translate.Capabilities

	mu    sync.Mutex
	calls []translate.Request
	fn    func(ctx context.Context, req translate.Request) (string, error)
}

func (f *fakeTranslator) Name() string                         { return f.name }
func (f *fakeTranslator) Capabilities() translate.Capabilities { return f.caps }

func (f *fakeTranslator) Translate(ctx context.Context, req translate.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	fn := f.fn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, req)
	}
	return "T:" + req.Text, nil
}

func (f *fakeTranslator) setFn(fn func(ctx context.Context, req translate.Request) (string, error)) {
	f.mu.Lock()
	f.fn = fn
	f.mu.Unlock()
}

func (f *fakeTranslator) requests() []translate.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]translate.Request(nil), f.calls...)
}

type enhancerFunc func(ctx context.Context, cfg jsoncfg.EnhancementConfig, in pipeline.Input) (pipeline.Result, error)

func (f enhancerFunc) Run(ctx context.Context, cfg jsoncfg.EnhancementConfig, in pipeline.Input) (pipeline.Result, error) {
	return f(ctx, cfg, in)
}

type recordingPublisher struct {
	mu        sync.Mutex
	snapshots []domain.JobProgress
}

func (p *recordingPublisher) Publish(s domain.JobProgress) {
	p.mu.Lock()
	p.snapshots = append(p.snapshots, s)
	p.mu.Unlock()
}

func (p *recordingPublisher) all() []domain.JobProgress {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.JobProgress(nil), p.snapshots...)
}

type staticCredentials map[string]string

func (s staticCredentials) Token(_ context.Context, provider string) (string, error) {
	return s[provider], nil
}

type harness struct {
	eng   *Engine
	store *memstore.Store
	clock *fakeClock
	local *fakeTranslator
	deepl *fakeTranslator
	pub   *recordingPublisher
	files *storage.FileStore
}

func newHarness(t *testing.T, tune ...func(*Options)) *harness {
	t.Helper()
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	files, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}
	h := &harness{
		store: memstore.New().WithClock(clock.Now),
		clock: clock,
		local: &fakeTranslator{name: jsoncfg.ProviderLocal},
		deepl: &fakeTranslator{name: jsoncfg.ProviderDeepL, caps: translate.Capabilities{HTML: true, RequiresAuth: true}},
		pub:   &recordingPublisher{},
		files: files,
	}
	reg := translate.NewEmptyRegistry()
	reg.Register(h.local)
	reg.Register(h.deepl)
	opts := Options{
		Store:       h.store,
		Translators: reg,
		Publisher:   h.pub,
		Files:       files,
		Chunker:     chunker.New(wordCounter{}),
		Retry:       DefaultRetryPolicy(),
		Workers:     2,
		Now:         clock.Now,
	}
	for _, fn := range tune {
		fn(&opts)
	}
	eng, err := New(opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

func paragraph(prefix string, n int) string {
	words := make([]string, n)
	for i := range words {
		words[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(words, " ")
}

// threeParagraphs yields three chunks at MaxTokens 12 and overlap 2.
func threeParagraphs() string {
	return strings.Join([]string{paragraph("a", 10), paragraph("b", 10), paragraph("c", 10)}, "\n\n")
}

func intPtr(v int) *int { return &v }

// start uploads text and translates it with the local provider in 12-token
// chunks.
func (h *harness) start(t *testing.T, text string, enhancement jsoncfg.EnhancementConfig) *domain.Job {
	t.Helper()
	ctx := context.Background()
	job, err := h.eng.Upload(ctx, UploadRequest{Filename: "doc.txt", Text: text, TargetLanguage: "de"})
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	job, err = h.eng.Translate(ctx, job.ID, TranslateRequest{
		Provider:      jsoncfg.ProviderConfig{Provider: "local"},
		Enhancement:   enhancement,
		MaxTokens:     12,
		OverlapTokens: intPtr(2),
	})
	if err != nil {
		t.Fatalf("translate: %v", err)
	}
	return job
}

func (h *harness) run(t *testing.T) int {
	t.Helper()
	n, err := h.eng.RunPending(context.Background())
	if err != nil {
		t.Fatalf("run pending: %v", err)
	}
	return n
}

func (h *harness) chunks(t *testing.T, jobID string) []domain.Chunk {
	t.Helper()
	chunks, err := h.store.ListChunks(context.Background(), jobID)
	if err != nil {
		t.Fatalf("list chunks: %v", err)
	}
	return chunks
}

func (h *harness) job(t *testing.T, jobID string) *domain.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	return job
}
