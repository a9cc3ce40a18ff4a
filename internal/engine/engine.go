// Package engine drives translation jobs: it chunks documents, dispatches
// pending chunks to a worker pool, runs the enhancement pipeline, schedules
// retries and publishes progress.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"doctranslate/internal/chunker"
	"doctranslate/internal/domain"
	"doctranslate/internal/domain/jsoncfg"
	"doctranslate/internal/infra"
	"doctranslate/internal/pipeline"
	"doctranslate/internal/providers/translate"
)

// Translators resolves a provider name to an adapter.
type Translators interface {
	Get(name string) (translate.Translator, error)
}

// Enhancer runs the LLM enhancement stages over a translated chunk.
type Enhancer interface {
	Run(ctx context.Context, cfg jsoncfg.EnhancementConfig, in pipeline.Input) (pipeline.Result, error)
}

// Publisher receives a snapshot after every job change.
type Publisher interface {
	Publish(p domain.JobProgress)
}

// Files stores uploaded sources and generated output.
type Files interface {
	Write(ctx context.Context, key string, data []byte) (string, error)
	Read(ctx context.Context, key string) ([]byte, error)
	Remove(ctx context.Context, key string) error
}

// Options wires an Engine. Store, Translators and Files are required.
type Options struct {
	Store            domain.JobStore
	Translators      Translators
	Enhancer         Enhancer
	Publisher        Publisher
	Files            Files
	Credentials      domain.CredentialSource
	Chunker          *chunker.Chunker
	Sizes            *chunker.SizeTable
	Retry            RetryPolicy
	Workers          int
	DispatchInterval time.Duration
	SweepInterval    time.Duration
	ProviderTimeout  time.Duration
	DefaultLLMModel  string
	Logger           *infra.Logger
	Now              func() time.Time
}

// Engine owns the worker pool. The store is the only state shared with
// other processes.
type Engine struct {
	store            domain.JobStore
	translators      Translators
	enhancer         Enhancer
	publisher        Publisher
	files            Files
	credentials      domain.CredentialSource
	chunker          *chunker.Chunker
	sizes            *chunker.SizeTable
	retry            RetryPolicy
	workers          int
	dispatchInterval time.Duration
	sweepInterval    time.Duration
	providerTimeout  time.Duration
	defaultModel     string
	logger           *infra.Logger
	now              func() time.Time

	wake     chan struct{}
	inflight atomic.Int32
	wg       sync.WaitGroup
	notifyMu sync.Mutex
}

// New builds an engine. It does not start any goroutine.
func New(opts Options) (*Engine, error) {
	if opts.Store == nil || opts.Translators == nil || opts.Files == nil {
		return nil, errors.New("engine: store, translators and files are required")
	}
	e := &Engine{
		store:            opts.Store,
		translators:      opts.Translators,
		enhancer:         opts.Enhancer,
		publisher:        opts.Publisher,
		files:            opts.Files,
		credentials:      opts.Credentials,
		chunker:          opts.Chunker,
		sizes:            opts.Sizes,
		retry:            opts.Retry.normalized(),
		workers:          opts.Workers,
		dispatchInterval: opts.DispatchInterval,
		sweepInterval:    opts.SweepInterval,
		providerTimeout:  opts.ProviderTimeout,
		defaultModel:     opts.DefaultLLMModel,
		logger:           opts.Logger,
		now:              opts.Now,
		wake:             make(chan struct{}, 1),
	}
	if e.chunker == nil {
		e.chunker = chunker.New(nil)
	}
	if e.sizes == nil {
		table, err := chunker.DefaultSizeTable()
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		e.sizes = table
	}
	if e.workers < 1 {
		e.workers = 1
	}
	if e.dispatchInterval <= 0 {
		e.dispatchInterval = time.Second
	}
	if e.providerTimeout <= 0 {
		e.providerTimeout = 60 * time.Second
	}
	if e.logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		e.logger = &l
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// Start launches the dispatcher and, when auto-retry is on, the retry
// sweeper. Both stop when ctx is cancelled; Wait blocks until they and every
// in-flight chunk have finished.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.dispatchLoop(ctx)
	}()
	if e.retry.AutoRetry && e.sweepInterval > 0 {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.sweepLoop(ctx)
		}()
	}
	e.logger.Info().
		Int("workers", e.workers).
		Bool("auto_retry", e.retry.AutoRetry).
		Dur("dispatch_interval", e.dispatchInterval).
		Msg("engine: started")
}

// Wait blocks until Start's goroutines and all workers have returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Wake asks the dispatcher to claim work now instead of at the next tick.
func (e *Engine) Wake() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) dispatchLoop(ctx context.Context) {
	ticker := time.NewTicker(e.dispatchInterval)
	defer ticker.Stop()
	for {
		e.dispatch(ctx)
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-ticker.C:
		}
	}
}

// dispatch claims as many chunks as there are idle workers and starts one
// goroutine per chunk.
func (e *Engine) dispatch(ctx context.Context) {
	for ctx.Err() == nil {
		free := e.workers - int(e.inflight.Load())
		if free <= 0 {
			return
		}
		claimed, err := e.store.ClaimPending(ctx, free, e.now())
		if err != nil {
			if ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("engine: claim failed")
			}
			return
		}
		if len(claimed) == 0 {
			return
		}
		e.notifyClaimed(ctx, claimed)
		for _, c := range claimed {
			e.inflight.Add(1)
			e.wg.Add(1)
			go func(c domain.Chunk) {
				defer e.wg.Done()
				defer func() {
					e.inflight.Add(-1)
					e.Wake()
				}()
				e.process(ctx, c)
			}(c)
		}
	}
}

// RunPending processes claimable chunks in the calling goroutine's control,
// up to the worker limit at a time, until none remain. It is used by
// headless tools and tests; a started engine does the same continuously.
func (e *Engine) RunPending(ctx context.Context) (int, error) {
	processed := 0
	for {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		claimed, err := e.store.ClaimPending(ctx, e.workers, e.now())
		if err != nil {
			return processed, err
		}
		if len(claimed) == 0 {
			return processed, nil
		}
		e.notifyClaimed(ctx, claimed)
		var wg sync.WaitGroup
		for _, c := range claimed {
			wg.Add(1)
			go func(c domain.Chunk) {
				defer wg.Done()
				e.process(ctx, c)
			}(c)
		}
		wg.Wait()
		processed += len(claimed)
	}
}

func (e *Engine) notifyClaimed(ctx context.Context, claimed []domain.Chunk) {
	seen := map[string]struct{}{}
	for _, c := range claimed {
		if _, ok := seen[c.JobID]; ok {
			continue
		}
		seen[c.JobID] = struct{}{}
		e.notify(ctx, c.JobID)
	}
}

var active = []domain.ChunkStatus{domain.ChunkStatusTranslating, domain.ChunkStatusLLMEnhancing}

// process runs one claimed chunk to completion or failure. A failure never
// affects other chunks.
func (e *Engine) process(runCtx context.Context, c domain.Chunk) {
	log := e.logger.With().Str("job_id", c.JobID).Str("chunk_id", c.ID).Int("chunk_index", c.ChunkIndex).Logger()
	// Store writes must land even when shutdown cancels runCtx mid-call.
	ctx := context.WithoutCancel(runCtx)

	job, err := e.store.GetJob(ctx, c.JobID)
	if err != nil {
		log.Error().Err(err).Msg("engine: load job")
		e.fail(ctx, c, fmt.Errorf("load job: %w", err))
		return
	}
	translator, err := e.translators.Get(job.Provider.Provider)
	if err != nil {
		e.fail(ctx, c, err)
		return
	}

	req, html := e.buildRequest(job, &c, translator.Capabilities())
	timeout := e.providerTimeout
	if job.Provider.TimeoutSeconds > 0 {
		timeout = time.Duration(job.Provider.TimeoutSeconds) * time.Second
	}
	callCtx, cancel := context.WithTimeout(runCtx, timeout)
	out, err := translator.Translate(callCtx, req)
	cancel()
	if err != nil && runCtx.Err() != nil {
		e.release(ctx, c)
		return
	}
	if err != nil {
		log.Warn().Err(err).Str("provider", translator.Name()).Msg("engine: translation failed")
		e.fail(ctx, c, err)
		return
	}
	translatedText, translatedHTML := out, ""
	if html {
		translatedText, translatedHTML = chunker.StripTags(out), out
	}

	if e.enhancer == nil || !job.Enhancement.Active() {
		e.complete(ctx, c.ID, c.JobID, domain.ChunkStatusTranslating, func(ch *domain.Chunk) {
			ch.TranslatedText = translatedText
			ch.TranslatedHTML = translatedHTML
			ch.ProcessingLayer = domain.LayerTranslation
		})
		return
	}

	if _, err := e.store.TransitionChunk(ctx, c.ID, []domain.ChunkStatus{domain.ChunkStatusTranslating}, func(ch *domain.Chunk) {
		ch.Status = domain.ChunkStatusLLMEnhancing
		ch.TranslatedText = translatedText
		ch.TranslatedHTML = translatedHTML
		ch.ProcessingLayer = domain.LayerTranslation
	}); err != nil {
		log.Error().Err(err).Msg("engine: enter enhancement")
		return
	}
	e.notify(ctx, c.JobID)

	in := pipeline.Input{
		Source:     chunker.StripTags(c.Body()),
		Text:       translatedText,
		HTML:       html,
		SourceLang: job.SourceLanguage,
		TargetLang: job.TargetLanguage,
		Glossary:   job.Provider.Glossary,
	}
	if html {
		in.Text = translatedHTML
	}
	res, err := e.enhancer.Run(runCtx, job.Enhancement, in)
	if err != nil && runCtx.Err() != nil {
		e.release(ctx, c)
		return
	}
	if err != nil {
		log.Warn().Err(err).Msg("engine: enhancement failed")
		e.failWith(ctx, c, err, func(ch *domain.Chunk) {
			ch.LLMStages = append(ch.LLMStages, res.Stages...)
			ch.LLMModel = res.Model
			ch.LLMDurationMS = res.Duration.Milliseconds()
		})
		return
	}
	e.complete(ctx, c.ID, c.JobID, domain.ChunkStatusLLMEnhancing, func(ch *domain.Chunk) {
		if html {
			ch.TranslatedHTML = res.Text
			ch.TranslatedText = chunker.StripTags(res.Text)
		} else {
			ch.TranslatedText = res.Text
		}
		ch.LLMStages = append(ch.LLMStages, res.Stages...)
		if res.LastStage != "" {
			ch.ProcessingLayer = res.LastStage
			ch.LLMModel = res.Model
			ch.LLMDurationMS = res.Duration.Milliseconds()
		}
	})
}

// buildRequest translates only the fresh body of the chunk; the overlap is
// passed as context so reassembly never repeats text.
func (e *Engine) buildRequest(job *domain.Job, c *domain.Chunk, caps translate.Capabilities) (translate.Request, bool) {
	html := c.SourceHTML != "" && caps.HTML
	body, prev := c.Body(), c.Context()
	if c.SourceHTML != "" {
		prev = chunker.StripTags(prev)
		if !html {
			body = chunker.StripTags(body)
		}
	}
	return translate.Request{
		Text:            body,
		SourceLang:      job.SourceLanguage,
		TargetLang:      job.TargetLanguage,
		HTML:            html,
		PreviousContext: prev,
		Config:          job.Provider,
	}, html
}

func (e *Engine) complete(ctx context.Context, chunkID, jobID string, from domain.ChunkStatus, mutate domain.ChunkMutator) {
	now := e.now().UTC()
	_, err := e.store.TransitionChunk(ctx, chunkID, []domain.ChunkStatus{from}, func(ch *domain.Chunk) {
		mutate(ch)
		ch.Status = domain.ChunkStatusCompleted
		ch.Error = ""
		ch.NextRetryAt = nil
		ch.CompletedAt = &now
	})
	if err != nil {
		e.logger.Error().Err(err).Str("chunk_id", chunkID).Msg("engine: complete chunk")
		return
	}
	e.notify(ctx, jobID)
}

// release hands an interrupted chunk back to the queue without counting a
// retry.
func (e *Engine) release(ctx context.Context, c domain.Chunk) {
	if _, err := e.store.TransitionChunk(ctx, c.ID, active, func(ch *domain.Chunk) {
		requeue(ch, false)
	}); err != nil {
		e.logger.Error().Err(err).Str("chunk_id", c.ID).Msg("engine: release chunk")
		return
	}
	e.notify(ctx, c.JobID)
}

func (e *Engine) fail(ctx context.Context, c domain.Chunk, cause error) {
	e.failWith(ctx, c, cause, nil)
}

// failWith marks an active chunk failed and schedules a retry when the
// policy allows and the job is still live. retry_count is left alone; it
// grows when the chunk leaves failed.
func (e *Engine) failWith(ctx context.Context, c domain.Chunk, cause error, extra domain.ChunkMutator) {
	now := e.now()
	cancelled := e.cancelled(ctx, c.JobID)
	_, err := e.store.TransitionChunk(ctx, c.ID, active, func(ch *domain.Chunk) {
		if extra != nil {
			extra(ch)
		}
		ch.Status = domain.ChunkStatusFailed
		ch.Error = cause.Error()
		ch.NextRetryAt = nil
		if !cancelled {
			ch.NextRetryAt = e.retry.Schedule(ch.RetryCount, cause, now)
		}
		ch.CompletedAt = nil
	})
	if err != nil {
		e.logger.Error().Err(err).Str("chunk_id", c.ID).Msg("engine: record failure")
		return
	}
	e.notify(ctx, c.JobID)
}

func (e *Engine) cancelled(ctx context.Context, jobID string) bool {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return false
	}
	return job.Cancelled
}

// notify recomputes the job aggregate and publishes a snapshot. Calls are
// serialized so subscribers see snapshots in commit order.
func (e *Engine) notify(ctx context.Context, jobID string) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()
	job, err := e.store.RecomputeJob(ctx, jobID)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			e.logger.Error().Err(err).Str("job_id", jobID).Msg("engine: recompute job")
		}
		return
	}
	if e.publisher == nil {
		return
	}
	chunks, err := e.store.ListChunks(ctx, jobID)
	if err != nil {
		e.logger.Error().Err(err).Str("job_id", jobID).Msg("engine: list chunks for snapshot")
		return
	}
	e.publisher.Publish(domain.Snapshot(*job, chunks))
}
