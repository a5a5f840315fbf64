package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/EventStore/EventStore-Client-Go/v4/esdb"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/visible-governance/platform/internal/shared/config"
)

// Bus provides event publishing and subscription using KurrentDB
type Bus struct {
	client *esdb.Client
	prefix string
	logger zerolog.Logger
}

// NewBus creates a new event bus connected to KurrentDB
func NewBus(ctx context.Context, cfg config.KurrentDBConfig, logger zerolog.Logger) (*Bus, error) {
	settings, err := esdb.ParseConnectionString(buildConnectionString(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	client, err := esdb.NewClient(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to create KurrentDB client: %w", err)
	}

	return &Bus{
		client: client,
		prefix: "vg",
		logger: logger,
	}, nil
}

// buildConnectionString creates the esdb:// connection string
func buildConnectionString(cfg config.KurrentDBConfig) string {
	var auth string
	if cfg.Username != "" && cfg.Password != "" {
		auth = fmt.Sprintf("%s:%s@", cfg.Username, cfg.Password)
	}

	params := ""
	if cfg.Insecure {
		params = "?tls=false&tlsVerifyCert=false&keepAliveInterval=10000&keepAliveTimeout=10000"
	}

	return fmt.Sprintf("esdb://%s%s:%d%s", auth, cfg.Host, cfg.Port, params)
}

// streamName maps complaint.filed to vg-complaint-filed
func (b *Bus) streamName(eventType string) string {
	return b.prefix + "-" + strings.ReplaceAll(eventType, ".", "-")
}

// Publish appends the event to its type stream
func (b *Bus) Publish(ctx context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	eventID, err := uuid.Parse(event.ID)
	if err != nil {
		eventID = uuid.New()
	}

	_, err = b.client.AppendToStream(ctx, b.streamName(event.Type), esdb.AppendToStreamOptions{
		ExpectedRevision: esdb.Any{},
	}, esdb.EventData{
		EventType:   event.Type,
		ContentType: esdb.ContentTypeJson,
		Data:        data,
		EventID:     eventID,
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	return nil
}

// Subscribe starts a catch-up subscription on $all filtered by pattern.
// Events written before the call are not replayed.
func (b *Bus) Subscribe(ctx context.Context, pattern string, consumerName string, handler Handler) error {
	sub, err := b.client.SubscribeToAll(ctx, esdb.SubscribeToAllOptions{
		From: esdb.End{},
		Filter: &esdb.SubscriptionFilter{
			Type:  esdb.EventFilterType,
			Regex: patternToRegex(pattern),
		},
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to pattern: %w", err)
	}

	go b.consume(ctx, sub, pattern, consumerName, handler)
	return nil
}

func (b *Bus) consume(ctx context.Context, sub *esdb.Subscription, pattern, consumerName string, handler Handler) {
	defer sub.Close()
	logger := b.logger.With().Str("consumer", consumerName).Str("pattern", pattern).Logger()

	for {
		if ctx.Err() != nil {
			return
		}

		subEvent := sub.Recv()
		if subEvent.SubscriptionDropped != nil {
			logger.Warn().Err(subEvent.SubscriptionDropped.Error).Msg("event subscription dropped")
			return
		}
		if subEvent.EventAppeared == nil || subEvent.EventAppeared.Event == nil {
			continue
		}

		recorded := subEvent.EventAppeared.Event
		if strings.HasPrefix(recorded.EventType, "$") || !matchesPattern(recorded.EventType, pattern) {
			continue
		}

		var event Event
		if err := json.Unmarshal(recorded.Data, &event); err != nil {
			logger.Error().Err(err).Str("event_type", recorded.EventType).Msg("failed to decode event")
			continue
		}
		if event.ID == "" {
			event.ID = recorded.EventID.String()
		}

		if err := handler(ctx, event); err != nil {
			logger.Error().Err(err).Str("event_id", event.ID).Msg("event handler failed")
		}
	}
}

// Close closes the event bus connection
func (b *Bus) Close() {
	if b.client != nil {
		b.client.Close()
	}
}

// Health checks the KurrentDB connection
func (b *Bus) Health() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := b.client.ReadStream(ctx, "$streams", esdb.ReadStreamOptions{
		From:      esdb.Start{},
		Direction: esdb.Forwards,
	}, 1)
	if err != nil {
		return fmt.Errorf("KurrentDB health check failed: %w", err)
	}
	defer stream.Close()

	return nil
}
