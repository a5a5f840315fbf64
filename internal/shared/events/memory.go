package events

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryBus is an in-process EventBus used in limited mode and tests.
// Handlers run synchronously on the publishing goroutine.
type MemoryBus struct {
	mu        sync.RWMutex
	subs      []memorySub
	published []Event
	logger    zerolog.Logger
}

type memorySub struct {
	ctx     context.Context
	pattern string
	handler Handler
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger zerolog.Logger) *MemoryBus {
	return &MemoryBus{logger: logger}
}

func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.Lock()
	b.published = append(b.published, event)
	subs := append([]memorySub(nil), b.subs...)
	b.mu.Unlock()

	for _, s := range subs {
		if s.ctx.Err() != nil || !matchesPattern(event.Type, s.pattern) {
			continue
		}
		if err := s.handler(ctx, event); err != nil {
			b.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", event.Type).Msg("event handler failed")
		}
	}
	return nil
}

// Subscribe registers handler until ctx is done.
func (b *MemoryBus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = append(b.subs, memorySub{ctx: ctx, pattern: pattern, handler: handler})
	return nil
}

// Published returns every event published so far.
func (b *MemoryBus) Published() []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]Event(nil), b.published...)
}

func (b *MemoryBus) Close() {}

func (b *MemoryBus) Health() error { return nil }
