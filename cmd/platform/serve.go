package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"

	"github.com/visible-governance/platform/internal/alert"
	"github.com/visible-governance/platform/internal/complaint/activity"
	identity "github.com/visible-governance/platform/internal/auth"
	complaintapi "github.com/visible-governance/platform/internal/complaint/api"
	"github.com/visible-governance/platform/internal/complaint/cache"
	"github.com/visible-governance/platform/internal/notification"
	"github.com/visible-governance/platform/internal/remotestore"
	"github.com/visible-governance/platform/internal/shared/auth"
	"github.com/visible-governance/platform/internal/shared/config"
	"github.com/visible-governance/platform/internal/shared/database"
	"github.com/visible-governance/platform/internal/shared/events"
	"github.com/visible-governance/platform/internal/shared/log"
	"github.com/visible-governance/platform/internal/shared/metrics"
	secmiddleware "github.com/visible-governance/platform/internal/shared/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API, complaint cache and notification listener",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		migrate, _ := cmd.Flags().GetBool("migrate")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg, migrate)
	},
}

func init() {
	serveCmd.Flags().Bool("migrate", true, "apply database migrations before serving (postgres backend)")
}

// App holds the running services.
type App struct {
	Config        *config.Config
	Backend       *backend
	Bus           events.EventBus
	BusTransport  string
	Alerts        *alert.Hub
	Complaints    *cache.Cache
	Activity      *activity.Log
	Notifications *notification.Service
	Identity      identity.Config
	Issuer        *auth.Issuer
}

func serve(ctx context.Context, cfg *config.Config, migrate bool) error {
	logger := log.WithComponent("platform")

	app, err := newApp(ctx, cfg, migrate)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.Activity.Start(ctx); err != nil {
		return fmt.Errorf("failed to start activity log: %w", err)
	}
	app.Complaints.Start(ctx)
	if err := app.Notifications.Start(ctx); err != nil {
		return fmt.Errorf("failed to start notifications: %w", err)
	}
	defer app.Notifications.Stop()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      app.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	logger.Info().
		Str("env", cfg.Server.Env).
		Int("port", cfg.Server.Port).
		Str("store", cfg.Store.Backend).
		Str("events", app.BusTransport).
		Str("role_policy", cfg.Auth.RolePolicy).
		Msg("server started")

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		logger.Info().Msg("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown error")
	}
	logger.Info().Msg("server stopped")
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, migrate bool) (*App, error) {
	issuer := auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	be, err := openBackend(ctx, cfg, issuer, log.WithComponent("remotestore"))
	if err != nil {
		return nil, err
	}
	if migrate && be.db != nil {
		applied, err := database.Migrate(ctx, be.db.Pool)
		if err != nil {
			be.Close()
			return nil, fmt.Errorf("migration failed: %w", err)
		}
		if len(applied) > 0 {
			log.Logger.Info().Strs("migrations", applied).Msg("migrations applied")
		}
	}

	bus, transport, err := events.NewEventBus(ctx, cfg.KurrentDB, log.WithComponent("events"))
	if err != nil {
		log.Logger.Warn().Err(err).Msg("KurrentDB not available, using in-memory events")
		bus, transport = events.NewMemoryBus(log.WithComponent("events")), "memory"
	}

	idCfg, err := identityConfig(cfg)
	if err != nil {
		be.Close()
		bus.Close()
		return nil, err
	}

	hub := alert.NewHub(cfg.Notification.AlertDuration)

	backoff := remotestore.Backoff{
		Initial: cfg.Realtime.BackoffInitial,
		Max:     cfg.Realtime.BackoffMax,
		Factor:  remotestore.DefaultBackoff.Factor,
	}

	cacheCfg := cache.DefaultConfig()
	cacheCfg.RequestTimeout = cfg.Cache.RequestTimeout
	cacheCfg.RefreshRetries = cfg.Cache.RefreshRetries
	cacheCfg.FullRefresh = cfg.Cache.FullRefresh
	cacheCfg.EmailFunction = cfg.Notification.EmailFunction
	cacheCfg.FeedbackRecipient = cfg.Notification.FeedbackRecipient
	cacheCfg.Backoff = backoff
	complaints := cache.New(be.client, hub, cacheCfg, log.WithComponent("cache"), cache.WithEventBus(bus))

	var email notification.EmailProvider
	if cfg.Notification.EmailEnabled {
		email = notification.NewFunctionEmailProvider(be.client.Functions, cfg.Notification.EmailFunction)
	} else {
		email = notification.NewLogProvider(log.WithComponent("email"))
	}
	notifCfg := notification.DefaultServiceConfig()
	notifCfg.Workers = cfg.Notification.Workers
	notifCfg.Backoff = backoff
	notifications := notification.NewService(be.client.Store, hub, email, be.directory, notifCfg, log.WithComponent("notification"))

	return &App{
		Config:        cfg,
		Backend:       be,
		Bus:           bus,
		BusTransport:  transport,
		Alerts:        hub,
		Complaints:    complaints,
		Activity:      activity.NewLog(bus, activity.DefaultCapacity, log.WithComponent("activity")),
		Notifications: notifications,
		Identity:      idCfg,
		Issuer:        issuer,
	}, nil
}

func identityConfig(cfg *config.Config) (identity.Config, error) {
	policy, err := identity.ParsePolicy(cfg.Auth.RolePolicy)
	if err != nil {
		return identity.Config{}, err
	}
	out := identity.Config{Policy: policy}
	if policy == identity.PolicyRegistry {
		registry, err := identity.LoadRegistry(cfg.Auth.RoleRegistryPath)
		if err != nil {
			return identity.Config{}, err
		}
		out.Registry = registry
	}
	return out, nil
}

func (a *App) Close() {
	a.Complaints.Stop()
	a.Alerts.Close()
	a.Bus.Close()
	a.Backend.Close()
}

// Router builds the HTTP surface.
func (a *App) Router() http.Handler {
	cfg := a.Config
	limiter := secmiddleware.NewIPRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(secmiddleware.RequestLogger(log.WithComponent("http")))
	r.Use(middleware.Recoverer)
	r.Use(secmiddleware.SecurityHeaders)
	r.Use(secmiddleware.CORS(secmiddleware.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	r.Use(metrics.Middleware)

	r.Get("/health", healthHandler)
	r.Get("/ready", a.readyHandler)
	r.Handle("/metrics", metrics.Handler())
	r.Get("/", infoHandler)

	notifHandler := notification.NewHandler(a.Notifications, a.Alerts, cfg.Server.AllowedOrigins, log.WithComponent("notification"))

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth.OptionalMiddleware(a.Issuer))
		r.Use(limiter.Middleware)
		r.Use(secmiddleware.MaxBodySize(1 << 20))

		r.Mount("/auth", identity.NewHandler(a.Backend.client.Auth, a.Identity, log.WithComponent("identity")).Routes())
		r.Mount("/complaints", complaintapi.NewHandler(a.Complaints).Routes())
		r.Mount("/activity", activity.NewHandler(a.Activity).Routes())
		r.Mount("/notifications", notifHandler.Routes())
	})

	return r
}

func infoHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"name":    "Visible Governance Platform",
		"version": Version,
		"docs":    "/api/v1",
	})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
}

func (a *App) readyHandler(w http.ResponseWriter, r *http.Request) {
	checks := a.Backend.health(r.Context())
	if err := a.Bus.Health(); err != nil {
		checks["events"] = "not ready: " + err.Error()
	} else {
		checks["events"] = "ready"
	}
	if err := a.Complaints.Err(); err != nil {
		checks["complaints"] = "stale: " + err.Error()
	} else if a.Complaints.Loaded() {
		checks["complaints"] = "ready"
	} else {
		checks["complaints"] = "loading"
	}
	checks["notifications"] = string(a.Notifications.State())

	ready := true
	for name, status := range checks {
		switch {
		case status == "ready", status == "not configured":
		case name == "notifications" && status == string(remotestore.StateActive):
		default:
			ready = false
		}
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status": map[bool]string{true: "ready", false: "not ready"}[ready],
		"checks": checks,
	})
}
