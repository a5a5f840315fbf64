package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/remotestore/functions"
	"github.com/visible-governance/platform/internal/remotestore/memory"
	"github.com/visible-governance/platform/internal/remotestore/postgres"
	"github.com/visible-governance/platform/internal/remotestore/redisfeed"
	"github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/config"
	"github.com/visible-governance/platform/internal/shared/database"
)

// backend is the remote store selected by configuration.
type backend struct {
	client    remotestore.Client
	directory remotestore.Directory

	db    *database.DB
	redis *redis.Client
	feed  *redisfeed.Feed
}

func openBackend(ctx context.Context, cfg *config.Config, issuer *auth.Issuer, logger zerolog.Logger) (*backend, error) {
	switch cfg.Store.Backend {
	case "postgres":
		return openPostgres(ctx, cfg, issuer, logger)
	default:
		return openMemory(issuer, logger), nil
	}
}

// openMemory runs everything in process. Outgoing emails are only logged.
func openMemory(issuer *auth.Issuer, logger zerolog.Logger) *backend {
	mem := memory.New(issuer)
	mem.Functions.Register("send-email", func(ctx context.Context, payload json.RawMessage) (any, error) {
		var msg struct {
			To      string `json:"to"`
			Subject string `json:"subject"`
		}
		if err := json.Unmarshal(payload, &msg); err != nil {
			return nil, err
		}
		logger.Info().Str("to", msg.To).Str("subject", msg.Subject).Msg("email (memory backend)")
		return map[string]bool{"sent": true}, nil
	})
	return &backend{client: mem.Client(), directory: mem.Auth}
}

func openPostgres(ctx context.Context, cfg *config.Config, issuer *auth.Issuer, logger zerolog.Logger) (*backend, error) {
	db, err := database.New(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	feed := redisfeed.New(rdb, cfg.Redis.Channel, cfg.Realtime.EventsPerSecond, logger.With().Str("component", "redisfeed").Logger())

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := feed.Ping(pingCtx); err != nil {
		db.Close()
		rdb.Close()
		return nil, fmt.Errorf("change feed unavailable: %w", err)
	}

	authSvc := postgres.NewAuth(db.Pool, issuer)
	return &backend{
		client: remotestore.Client{
			Store:     postgres.NewStore(db.Pool, feed, logger.With().Str("component", "remotestore").Logger()),
			Auth:      authSvc,
			Functions: functions.New(cfg.Functions),
		},
		directory: authSvc,
		db:        db,
		redis:     rdb,
		feed:      feed,
	}, nil
}

func (b *backend) Close() {
	if b.redis != nil {
		b.redis.Close()
	}
	if b.db != nil {
		b.db.Close()
	}
}

// health reports the state of each external dependency.
func (b *backend) health(ctx context.Context) map[string]string {
	checks := map[string]string{}
	if b.db == nil {
		checks["database"] = "not configured"
	} else if err := b.db.Health(ctx); err != nil {
		checks["database"] = "not ready: " + err.Error()
	} else {
		checks["database"] = "ready"
	}
	if b.feed == nil {
		checks["redis"] = "not configured"
	} else if err := b.feed.Ping(ctx); err != nil {
		checks["redis"] = "not ready: " + err.Error()
	} else {
		checks["redis"] = "ready"
	}
	return checks
}
