package events

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/visible-governance/platform/internal/shared/config"
)

// EventBus defines the interface for event publishing and subscription
type EventBus interface {
	// Publish publishes an event to the bus
	Publish(ctx context.Context, event Event) error

	// Subscribe creates a subscription to events matching a pattern
	Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error

	// Close closes the event bus connection
	Close()

	// Health checks the event bus connection
	Health() error
}

// NewEventBus connects to KurrentDB, or returns an in-memory bus when it is
// disabled. The second return value names the transport in use.
func NewEventBus(ctx context.Context, cfg config.KurrentDBConfig, logger zerolog.Logger) (EventBus, string, error) {
	if !cfg.Enabled {
		return NewMemoryBus(logger), "memory", nil
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	bus, err := NewBus(timeoutCtx, cfg, logger)
	if err != nil {
		return nil, "", err
	}
	if err := bus.Health(); err != nil {
		bus.Close()
		return nil, "", fmt.Errorf("failed to connect to KurrentDB: %w", err)
	}

	return bus, "grpc", nil
}

// Ensure Bus implements EventBus
var _ EventBus = (*Bus)(nil)

// Ensure MemoryBus implements EventBus
var _ EventBus = (*MemoryBus)(nil)
