package engine

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"doctranslate/internal/chunker"
	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/providers/translate"
	"doctranslate/pkg/zip"
)

// Source formats accepted by Upload.
const (
	FormatText = "text"
	FormatHTML = "html"
)

// UploadRequest carries an already extracted document.
type UploadRequest struct {
	Filename       string
	Text           string
	Format         string
	SourceLanguage string
	TargetLanguage string
	OutputFormat   string
	DeclaredLength int
}

// TranslateRequest starts translation of an uploaded job. Zero MaxTokens or
// a nil OverlapTokens take the recommended sizes for the provider.
type TranslateRequest struct {
	Provider      jsoncfg.ProviderConfig
	Enhancement   jsoncfg.EnhancementConfig
	MaxTokens     int
	OverlapTokens *int
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

// Upload stores the document text and creates a pending job. Invalid input
// never creates a job.
func (e *Engine) Upload(ctx context.Context, req UploadRequest) (*domain.Job, error) {
	format := strings.ToLower(strings.TrimSpace(req.Format))
	if format == "" {
		format = FormatText
	}
	if format != FormatText && format != FormatHTML {
		return nil, invalid("format must be text or html")
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, domain.ErrEmptyDocument)
	}
	if strings.TrimSpace(req.TargetLanguage) == "" {
		return nil, invalid("target_language is required")
	}
	if err := translate.ValidateLanguages(req.SourceLanguage, req.TargetLanguage); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if req.DeclaredLength < 0 {
		return nil, invalid("declared_length must not be negative")
	}
	output := strings.ToLower(strings.TrimSpace(req.OutputFormat))
	if output == "" {
		output = "txt"
		if format == FormatHTML {
			output = "html"
		}
	}
	filename := strings.TrimSpace(req.Filename)
	if filename == "" {
		filename = "document"
	}

	job := &domain.Job{
		ID:             uuid.NewString(),
		Filename:       path.Base(filename),
		SourceLanguage: strings.TrimSpace(req.SourceLanguage),
		TargetLanguage: strings.TrimSpace(req.TargetLanguage),
		OutputFormat:   output,
		SourceFormat:   format,
		Status:         domain.JobStatusPending,
		DeclaredLength: req.DeclaredLength,
	}
	if job.SourceLanguage == "" {
		job.SourceLanguage = "auto"
	}
	ext := "txt"
	if format == FormatHTML {
		ext = "html"
	}
	key, err := e.files.Write(ctx, jobKey(job.ID, "source."+ext), []byte(req.Text))
	if err != nil {
		return nil, fmt.Errorf("store source: %w", err)
	}
	job.SourceKey = key
	job.CreatedAt = e.now().UTC()
	if err := e.store.CreateJob(ctx, job); err != nil {
		_ = e.files.Remove(ctx, jobKey(job.ID, ""))
		return nil, err
	}
	e.logger.Info().Str("job_id", job.ID).Str("format", format).Int("bytes", len(req.Text)).Msg("engine: job uploaded")
	e.notify(ctx, job.ID)
	return e.store.GetJob(ctx, job.ID)
}

// Translate snapshots the provider and enhancement configuration, chunks the
// document and queues every chunk. A job that is already chunked keeps its
// chunks: the new configuration replaces the snapshot and pending chunks are
// dispatched again. Failed chunks need RetryFailed.
func (e *Engine) Translate(ctx context.Context, jobID string, req TranslateRequest) (*domain.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	provider, err := e.resolveProvider(ctx, req.Provider)
	if err != nil {
		return nil, err
	}
	enhancement := req.Enhancement
	enhancement.Normalize(e.defaultModel)
	if err := enhancement.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if job.Chunked() {
		return e.redispatch(ctx, jobID, provider, enhancement)
	}

	opts := e.sizes.Recommend(provider.Provider, enhancement.Active())
	if req.MaxTokens > 0 {
		opts.MaxTokens = req.MaxTokens
	}
	if req.OverlapTokens != nil {
		opts.OverlapTokens = *req.OverlapTokens
	}
	if opts.OverlapTokens < 0 || opts.OverlapTokens >= opts.MaxTokens {
		return nil, invalid("overlap_tokens must be between 0 and max_tokens-1")
	}

	raw, err := e.files.Read(ctx, job.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	chunks := e.buildChunks(string(raw), job.SourceFormat == FormatHTML, opts)
	if len(chunks) == 0 {
		return nil, fmt.Errorf("%w: %w", domain.ErrInvalidInput, domain.ErrEmptyDocument)
	}

	err = e.store.InsertChunks(ctx, jobID, chunks, func(j *domain.Job) {
		j.Provider = provider
		j.APIProvider = provider.Provider
		j.Enhancement = enhancement
		j.Cancelled = false
		j.ErrorMessage = ""
	})
	if err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("job_id", jobID).
		Str("provider", provider.Provider).
		Int("chunks", len(chunks)).
		Int("max_tokens", opts.MaxTokens).
		Int("overlap_tokens", opts.OverlapTokens).
		Bool("enhancement", enhancement.Active()).
		Msg("engine: job chunked")
	e.notify(ctx, jobID)
	e.Wake()
	return e.store.GetJob(ctx, jobID)
}

func (e *Engine) redispatch(ctx context.Context, jobID string, provider jsoncfg.ProviderConfig, enhancement jsoncfg.EnhancementConfig) (*domain.Job, error) {
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.Status.Active() {
			return nil, fmt.Errorf("%w: chunk %d is %s", domain.ErrJobBusy, c.ChunkIndex, c.Status)
		}
	}
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *domain.Job) {
		j.Provider = provider
		j.APIProvider = provider.Provider
		j.Enhancement = enhancement
		j.Cancelled = false
	}); err != nil {
		return nil, err
	}
	e.logger.Info().Str("job_id", jobID).Str("provider", provider.Provider).Msg("engine: job redispatched")
	e.notify(ctx, jobID)
	e.Wake()
	return e.store.GetJob(ctx, jobID)
}

func (e *Engine) buildChunks(source string, html bool, opts chunker.Options) []domain.Chunk {
	pieces := e.chunker.Split(source, opts)
	chunks := make([]domain.Chunk, 0, len(pieces))
	for _, p := range pieces {
		c := domain.Chunk{
			SourceText:      p.Text,
			TokenCount:      p.Tokens,
			OverlapChars:    p.OverlapLen,
			Status:          domain.ChunkStatusPending,
			ProcessingLayer: domain.LayerChunker,
		}
		if html {
			c.SourceHTML = p.Text
			c.SourceText = chunker.StripTags(p.Text)
		}
		c.CharCount = utf8.RuneCountInString(c.SourceText)
		chunks = append(chunks, c)
	}
	return chunks
}

// resolveProvider normalizes and validates a provider snapshot and fills a
// missing API key from the credential source.
func (e *Engine) resolveProvider(ctx context.Context, cfg jsoncfg.ProviderConfig) (jsoncfg.ProviderConfig, error) {
	cfg = cfg.Clone()
	cfg.Normalize()
	if cfg.Provider == "" {
		return cfg, invalid("provider is required")
	}
	translator, err := e.translators.Get(cfg.Provider)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if translator.Capabilities().RequiresAuth && cfg.APIKey == "" {
		if e.credentials != nil {
			key, err := e.credentials.Token(ctx, cfg.Provider)
			if err != nil {
				return cfg, fmt.Errorf("lookup credentials: %w", err)
			}
			cfg.APIKey = key
		}
		if cfg.APIKey == "" {
			return cfg, fmt.Errorf("%w: provider %s requires an api key", domain.ErrMissingCredentials, cfg.Provider)
		}
	}
	return cfg, nil
}

// Status returns the job with a per-chunk progress snapshot.
func (e *Engine) Status(ctx context.Context, jobID string) (domain.JobProgress, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return domain.JobProgress{}, err
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return domain.JobProgress{}, err
	}
	return domain.Snapshot(*job, chunks), nil
}

// ListJobs returns every job, newest first.
func (e *Engine) ListJobs(ctx context.Context) ([]domain.Job, error) {
	return e.store.ListJobs(ctx)
}

// ListChunks returns a job's chunks ordered by index.
func (e *Engine) ListChunks(ctx context.Context, jobID string) ([]domain.Chunk, error) {
	return e.store.ListChunks(ctx, jobID)
}

// RetryFailed requeues every failed chunk. A non-nil cfg replaces the job's
// provider snapshot first, which allows switching provider after failures.
func (e *Engine) RetryFailed(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig) (*domain.Job, error) {
	return e.retryChunks(ctx, jobID, cfg, false)
}

// RetryAll requeues every failed and completed chunk. Completed chunks are
// retranslated without counting a retry.
func (e *Engine) RetryAll(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig) (*domain.Job, error) {
	return e.retryChunks(ctx, jobID, cfg, true)
}

func (e *Engine) retryChunks(ctx context.Context, jobID string, cfg *jsoncfg.ProviderConfig, includeCompleted bool) (*domain.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Chunked() {
		return nil, domain.ErrNotChunked
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if includeCompleted {
		for _, c := range chunks {
			if c.Status.Active() {
				return nil, fmt.Errorf("%w: chunk %d is %s", domain.ErrJobBusy, c.ChunkIndex, c.Status)
			}
		}
	}
	var provider *jsoncfg.ProviderConfig
	if cfg != nil {
		resolved, err := e.resolveProvider(ctx, *cfg)
		if err != nil {
			return nil, err
		}
		provider = &resolved
	}
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *domain.Job) {
		j.Cancelled = false
		j.OutputKey = ""
		if provider != nil {
			j.Provider = *provider
			j.APIProvider = provider.Provider
		}
	}); err != nil {
		return nil, err
	}

	from := []domain.ChunkStatus{domain.ChunkStatusFailed}
	if includeCompleted {
		from = append(from, domain.ChunkStatusCompleted)
	}
	requeued := 0
	for _, c := range chunks {
		if !statusIn(c.Status, from) {
			continue
		}
		_, err := e.store.TransitionChunk(ctx, c.ID, from, func(ch *domain.Chunk) {
			requeue(ch, ch.Status == domain.ChunkStatusFailed)
		})
		if err != nil {
			if errors.Is(err, domain.ErrStaleTransition) {
				continue
			}
			return nil, err
		}
		requeued++
	}
	e.logger.Info().Str("job_id", jobID).Int("chunks", requeued).Bool("all", includeCompleted).Msg("engine: chunks requeued")
	e.notify(ctx, jobID)
	e.Wake()
	return e.store.GetJob(ctx, jobID)
}

// Cancel stops dispatch for a job. Pending chunks and scheduled retries are
// failed as cancelled; in-flight chunks are allowed to finish.
func (e *Engine) Cancel(ctx context.Context, jobID string) (*domain.Job, error) {
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *domain.Job) { j.Cancelled = true }); err != nil {
		return nil, err
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	for _, c := range chunks {
		if c.Status != domain.ChunkStatusPending && !(c.Status == domain.ChunkStatusFailed && c.NextRetryAt != nil) {
			continue
		}
		_, err := e.store.TransitionChunk(ctx, c.ID, []domain.ChunkStatus{domain.ChunkStatusPending, domain.ChunkStatusFailed}, func(ch *domain.Chunk) {
			ch.Status = domain.ChunkStatusFailed
			ch.Error = "cancelled"
			ch.NextRetryAt = nil
		})
		if err != nil && !errors.Is(err, domain.ErrStaleTransition) {
			return nil, err
		}
	}
	e.logger.Info().Str("job_id", jobID).Msg("engine: job cancelled")
	e.notify(ctx, jobID)
	return e.store.GetJob(ctx, jobID)
}

// Finalize reassembles completed chunks in index order and writes the
// output document. It refuses while any chunk can still make progress.
func (e *Engine) Finalize(ctx context.Context, jobID string) (*domain.Job, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !job.Chunked() {
		return nil, domain.ErrNotChunked
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, err
	}
	tally := domain.Tally(chunks)
	if !tally.Settled() {
		return nil, fmt.Errorf("%w: %d pending, %d active, %d awaiting retry", domain.ErrJobBusy, tally.Pending, tally.Active, tally.RetryScheduled)
	}
	if tally.Completed == 0 {
		return nil, invalid("job has no completed chunks")
	}
	body, ext := Reassemble(chunks, job.OutputFormat == "html")
	key, err := e.files.Write(ctx, jobKey(jobID, "output."+ext), []byte(body))
	if err != nil {
		return nil, fmt.Errorf("write output: %w", err)
	}
	if _, err := e.store.UpdateJob(ctx, jobID, func(j *domain.Job) { j.OutputKey = key }); err != nil {
		return nil, err
	}
	e.logger.Info().Str("job_id", jobID).Int("completed", tally.Completed).Int("failed", tally.Failed).Msg("engine: job finalized")
	e.notify(ctx, jobID)
	return e.store.GetJob(ctx, jobID)
}

// Reassemble joins the translations of completed chunks in chunk_index
// order. It returns the document and its file extension.
func Reassemble(chunks []domain.Chunk, html bool) (string, string) {
	ordered := append([]domain.Chunk(nil), chunks...)
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].ChunkIndex < ordered[j].ChunkIndex })
	parts := make([]string, 0, len(ordered))
	for _, c := range ordered {
		if c.Status != domain.ChunkStatusCompleted {
			continue
		}
		text := c.TranslatedText
		if html && c.TranslatedHTML != "" {
			text = c.TranslatedHTML
		}
		if text = strings.TrimSpace(text); text != "" {
			parts = append(parts, text)
		}
	}
	if html {
		return strings.Join(parts, "\n"), "html"
	}
	return strings.Join(parts, "\n\n"), "txt"
}

// Download bundles the generated output with one file per completed chunk.
func (e *Engine) Download(ctx context.Context, jobID string) ([]byte, string, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	if job.OutputKey == "" {
		return nil, "", domain.ErrNotFinalized
	}
	output, err := e.files.Read(ctx, job.OutputKey)
	if err != nil {
		return nil, "", fmt.Errorf("read output: %w", err)
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	base := strings.TrimSuffix(job.Filename, path.Ext(job.Filename))
	modified := job.UpdatedAt
	entries := []zip.Entry{{Name: base + path.Ext(job.OutputKey), Data: output, Modified: modified}}
	for _, c := range chunks {
		if c.Status != domain.ChunkStatusCompleted {
			continue
		}
		entries = append(entries, zip.Entry{
			Name:     fmt.Sprintf("chunks/%04d.txt", c.ChunkIndex+1),
			Data:     []byte(c.TranslatedText),
			Modified: modified,
		})
	}
	archive, err := zip.Archive(entries)
	if err != nil {
		return nil, "", err
	}
	return archive, base + ".zip", nil
}

// UpdateChunk replaces a chunk's translation by hand. The HTML rendering is
// dropped because it no longer matches the text.
func (e *Engine) UpdateChunk(ctx context.Context, chunkID, text string) (*domain.Chunk, error) {
	if strings.TrimSpace(text) == "" {
		return nil, invalid("translated_text is required")
	}
	now := e.now().UTC()
	from := []domain.ChunkStatus{domain.ChunkStatusCompleted, domain.ChunkStatusFailed, domain.ChunkStatusPending}
	c, err := e.store.TransitionChunk(ctx, chunkID, from, func(ch *domain.Chunk) {
		ch.Status = domain.ChunkStatusCompleted
		ch.TranslatedText = text
		ch.TranslatedHTML = ""
		ch.ProcessingLayer = domain.LayerManual
		ch.Error = ""
		ch.NextRetryAt = nil
		ch.CompletedAt = &now
	})
	if err != nil {
		if errors.Is(err, domain.ErrStaleTransition) {
			return nil, fmt.Errorf("%w: %v", domain.ErrJobBusy, err)
		}
		return nil, err
	}
	if _, err := e.store.UpdateJob(ctx, c.JobID, func(j *domain.Job) { j.OutputKey = "" }); err != nil {
		return nil, err
	}
	e.notify(ctx, c.JobID)
	return c, nil
}

// DeleteJob removes a job, its chunks and its files.
func (e *Engine) DeleteJob(ctx context.Context, jobID string) error {
	if err := e.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}
	if err := e.files.Remove(ctx, jobKey(jobID, "")); err != nil {
		e.logger.Warn().Err(err).Str("job_id", jobID).Msg("engine: remove job files")
	}
	e.logger.Info().Str("job_id", jobID).Msg("engine: job deleted")
	return nil
}

func jobKey(jobID, name string) string {
	if name == "" {
		return "jobs/" + jobID
	}
	return "jobs/" + jobID + "/" + name
}

func statusIn(status domain.ChunkStatus, set []domain.ChunkStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
