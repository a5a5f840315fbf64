// Package redisfeed carries row change events over Redis Pub/Sub so every
// service instance sees writes made by the others.
package redisfeed

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/visible-governance/platform/internal/remotestore"
)

// Feed implements remotestore.Feed. Each table has its own channel named
// "<prefix>:<table>".
type Feed struct {
	client          *redis.Client
	prefix          string
	eventsPerSecond int
	logger          zerolog.Logger
}

// New creates a feed. Delivery to each subscriber is limited to
// eventsPerSecond.
func New(client *redis.Client, prefix string, eventsPerSecond int, logger zerolog.Logger) *Feed {
	return &Feed{
		client:          client,
		prefix:          prefix,
		eventsPerSecond: eventsPerSecond,
		logger:          logger,
	}
}

func (f *Feed) channel(table string) string {
	return f.prefix + ":" + table
}

func (f *Feed) Publish(ctx context.Context, ev remotestore.ChangeEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if err := f.client.Publish(ctx, f.channel(ev.Table), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change event: %w", err)
	}
	return nil
}

// Subscribe listens for changes on table. The subscription ends with
// ErrSubscriptionDropped when the Redis connection fails; the caller is
// expected to resubscribe.
func (f *Feed) Subscribe(ctx context.Context, table string, filter remotestore.EventFilter, handler remotestore.ChangeHandler) (remotestore.Subscription, error) {
	pubsub := f.client.Subscribe(ctx, f.channel(table))

	// Wait for the confirmation so callers know the feed is live.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", table, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	handle := remotestore.NewHandle(func() {
		cancel()
		pubsub.Close()
	})

	deliver := remotestore.Throttle(handler, f.eventsPerSecond)
	go func() {
		for {
			msg, err := pubsub.ReceiveMessage(subCtx)
			if err != nil {
				switch {
				case subCtx.Err() != nil && ctx.Err() != nil:
					handle.Close(ctx.Err())
				case subCtx.Err() != nil:
					// released by Unsubscribe
				default:
					f.logger.Warn().Err(err).Str("table", table).Msg("change feed connection lost")
					handle.Close(fmt.Errorf("%w: %v", remotestore.ErrSubscriptionDropped, err))
				}
				return
			}
			f.dispatch(subCtx, table, msg.Payload, filter, deliver)
		}
	}()

	return handle, nil
}

// dispatch decodes one message and hands it to handler when it matches.
func (f *Feed) dispatch(ctx context.Context, table, payload string, filter remotestore.EventFilter, handler remotestore.ChangeHandler) bool {
	var ev remotestore.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		f.logger.Error().Err(err).Str("table", table).Msg("invalid change event payload")
		return false
	}
	if ev.Table != table || !filter.Match(ev) {
		return false
	}
	handler(ctx, ev)
	return true
}

// Ping checks the Redis connection.
func (f *Feed) Ping(ctx context.Context) error {
	if err := f.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}
