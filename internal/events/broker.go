// Package events fans job progress snapshots out to subscribers.
package events

import (
	"io"
	"sync"

	"github.com/rs/zerolog"

	"doctranslate/internal/domain"
	"doctranslate/internal/infra"
)

// DefaultBuffer is the per-subscription queue length.
const DefaultBuffer = 16

// Subscription receives snapshots for one job on C. A slow consumer loses
// the oldest queued snapshots, never the newest.
type Subscription struct {
	JobID string
	C     <-chan domain.JobProgress

	ch     chan domain.JobProgress
	closed bool
}

// Broker is an in-process publisher. It is safe for concurrent use.
type Broker struct {
	mu     sync.Mutex
	subs   map[string]map[*Subscription]struct{}
	buffer int
	logger *infra.Logger
	closed bool
}

// NewBroker creates a broker. A buffer below 1 uses DefaultBuffer.
func NewBroker(buffer int, logger *infra.Logger) *Broker {
	if buffer < 1 {
		buffer = DefaultBuffer
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		l := infra.Logger(discard)
		logger = &l
	}
	return &Broker{subs: make(map[string]map[*Subscription]struct{}), buffer: buffer, logger: logger}
}

// Subscribe registers interest in a job.
func (b *Broker) Subscribe(jobID string) *Subscription {
	ch := make(chan domain.JobProgress, b.buffer)
	sub := &Subscription{JobID: jobID, C: ch, ch: ch}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	set, ok := b.subs[jobID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[jobID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe removes the subscription and closes its channel. It is safe to
// call more than once.
func (b *Broker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.closed {
		return
	}
	if set, ok := b.subs[sub.JobID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(b.subs, sub.JobID)
		}
	}
	sub.closed = true
	close(sub.ch)
}

// Publish delivers a snapshot to every subscriber of its job without
// blocking.
func (b *Broker) Publish(p domain.JobProgress) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs[p.Job.ID] {
		for {
			select {
			case sub.ch <- p:
			default:
				select {
				case <-sub.ch:
					b.logger.Debug().Str("job_id", p.Job.ID).Msg("events: dropped stale snapshot for slow subscriber")
				default:
				}
				continue
			}
			break
		}
	}
}

// Subscribers returns the number of live subscriptions for a job.
func (b *Broker) Subscribers(jobID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[jobID])
}

// Close ends every subscription.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for jobID, set := range b.subs {
		for sub := range set {
			sub.closed = true
			close(sub.ch)
		}
		delete(b.subs, jobID)
	}
}
