package engine

import (
	"context"
	"errors"
	"time"

	"doctranslate/internal/domain"
	"doctranslate/internal/pipeline"
	"doctranslate/internal/providers/translate"
)

// Retry defaults.
const (
	DefaultRetryBase     = 30 * time.Second
	DefaultRetryMax      = 30 * time.Minute
	DefaultRetryAttempts = 3
)

// RetryPolicy decides whether and when a failed chunk is retried
// automatically.
type RetryPolicy struct {
	AutoRetry   bool
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// DefaultRetryPolicy returns the documented defaults with auto-retry on.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{AutoRetry: true, BaseDelay: DefaultRetryBase, MaxDelay: DefaultRetryMax, MaxAttempts: DefaultRetryAttempts}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultRetryBase
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.MaxAttempts < 0 {
		p.MaxAttempts = 0
	}
	return p
}

// Backoff returns min(base * 2^retryCount, max).
func (p RetryPolicy) Backoff(retryCount int) time.Duration {
	p = p.normalized()
	delay := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		if delay >= p.MaxDelay/2 {
			return p.MaxDelay
		}
		delay *= 2
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Schedule returns the next retry time for a chunk that failed with err
// after retryCount retries, or nil when the chunk is exhausted.
func (p RetryPolicy) Schedule(retryCount int, err error, now time.Time) *time.Time {
	p = p.normalized()
	if !p.AutoRetry || !Retryable(err) || retryCount >= p.MaxAttempts {
		return nil
	}
	delay := p.Backoff(retryCount)
	if pe, ok := translate.AsProviderError(err); ok && pe.RetryAfter > delay {
		delay = pe.RetryAfter
	}
	at := now.Add(delay).UTC()
	return &at
}

// Retryable reports whether a later attempt may succeed. Enhancement stage
// failures and timeouts are retryable; auth and language errors are not.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if pe, ok := translate.AsProviderError(err); ok {
		return pe.Retryable()
	}
	var se *pipeline.StageError
	if errors.As(err, &se) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// Sweep moves every failed chunk whose retry time has come back to pending.
// It returns the number of chunks requeued.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	now := e.now()
	due, err := e.store.DueRetries(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	touched := map[string]struct{}{}
	requeued := 0
	for _, c := range due {
		_, err := e.store.TransitionChunk(ctx, c.ID, []domain.ChunkStatus{domain.ChunkStatusFailed}, func(ch *domain.Chunk) {
			requeue(ch, true)
		})
		if err != nil {
			if errors.Is(err, domain.ErrStaleTransition) || errors.Is(err, domain.ErrNotFound) {
				continue
			}
			return requeued, err
		}
		requeued++
		touched[c.JobID] = struct{}{}
	}
	for jobID := range touched {
		e.notify(ctx, jobID)
	}
	if requeued > 0 {
		e.logger.Info().Int("chunks", requeued).Msg("engine: retry sweep requeued chunks")
		e.Wake()
	}
	return requeued, nil
}

// requeue resets a chunk to pending. Leaving failed counts as a retry.
func requeue(c *domain.Chunk, countRetry bool) {
	if countRetry {
		c.RetryCount++
	}
	c.Status = domain.ChunkStatusPending
	c.Error = ""
	c.NextRetryAt = nil
	c.StartedAt = nil
	c.CompletedAt = nil
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("engine: retry sweep failed")
			}
		}
	}
}
