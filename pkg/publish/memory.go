package publish

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"github.com/xorca/xorca/pkg/envelope"
)

// ErrBusClosed is returned by Publish after the bus has been closed.
var ErrBusClosed = errors.New("publish: bus is closed")

const defaultBufferSize = 100

// MemoryBus fans envelopes out to in-process subscribers. It backs tests and
// single-binary deployments where the feedback loop lives in the same
// process as the router.
//
// Delivery is non-blocking: a subscriber that stops draining its channel
// loses envelopes rather than stalling the publisher.
type MemoryBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *envelope.Envelope
	allSubs     []chan *envelope.Envelope
	bufferSize  int
	closed      bool
	logger      zerolog.Logger
}

var _ Publisher = (*MemoryBus)(nil)

// NewMemoryBus returns an empty bus ready for subscribers.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[string][]chan *envelope.Envelope),
		bufferSize:  defaultBufferSize,
		logger:      logger.With().Str("component", "memorybus").Logger(),
	}
}

// Subscribe registers a channel for the given envelope types. With no types
// it receives every envelope published. The caller owns the channel until it
// hands it back through Unsubscribe.
func (b *MemoryBus) Subscribe(types ...string) chan *envelope.Envelope {
	ch := make(chan *envelope.Envelope, b.bufferSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if len(types) == 0 {
		b.allSubs = append(b.allSubs, ch)
		return ch
	}
	for _, t := range types {
		b.subscribers[t] = append(b.subscribers[t], ch)
	}
	return ch
}

// Unsubscribe removes the channel from every subscription list and closes
// it. Unsubscribing the same channel twice is a caller error.
func (b *MemoryBus) Unsubscribe(ch chan *envelope.Envelope) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	for t, subs := range b.subscribers {
		b.subscribers[t] = removeChan(subs, ch)
		if len(b.subscribers[t]) == 0 {
			delete(b.subscribers, t)
		}
	}
	b.allSubs = removeChan(b.allSubs, ch)
	close(ch)
}

// Publish fans each envelope out to its typed subscribers and to the
// catch-all subscribers. Full channels drop the envelope.
func (b *MemoryBus) Publish(_ context.Context, envs []*envelope.Envelope) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrBusClosed
	}
	for _, env := range envs {
		if env == nil {
			continue
		}
		for _, ch := range b.subscribers[env.Type] {
			b.send(ch, env)
		}
		for _, ch := range b.allSubs {
			b.send(ch, env)
		}
	}
	return nil
}

func (b *MemoryBus) send(ch chan *envelope.Envelope, env *envelope.Envelope) {
	select {
	case ch <- env:
	default:
		b.logger.Warn().
			Str("type", env.Type).
			Str("id", env.ID).
			Msg("subscriber buffer full, envelope dropped")
	}
}

// SubscriberCount reports how many channels are currently registered.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	seen := make(map[chan *envelope.Envelope]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			seen[ch] = struct{}{}
		}
	}
	for _, ch := range b.allSubs {
		seen[ch] = struct{}{}
	}
	return len(seen)
}

// Close closes every subscriber channel and rejects further publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	closed := make(map[chan *envelope.Envelope]struct{})
	for _, subs := range b.subscribers {
		for _, ch := range subs {
			if _, done := closed[ch]; !done {
				close(ch)
				closed[ch] = struct{}{}
			}
		}
	}
	for _, ch := range b.allSubs {
		if _, done := closed[ch]; !done {
			close(ch)
			closed[ch] = struct{}{}
		}
	}
	b.subscribers = make(map[string][]chan *envelope.Envelope)
	b.allSubs = nil
	return nil
}

func removeChan(subs []chan *envelope.Envelope, ch chan *envelope.Envelope) []chan *envelope.Envelope {
	out := subs[:0]
	for _, c := range subs {
		if c != ch {
			out = append(out, c)
		}
	}
	return out
}
