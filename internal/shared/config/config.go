package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server       ServerConfig
	Log          LogConfig
	Store        StoreConfig
	Database     DatabaseConfig
	Redis        RedisConfig
	KurrentDB    KurrentDBConfig
	Auth         AuthConfig
	Realtime     RealtimeConfig
	Cache        CacheConfig
	Notification NotificationConfig
	Functions    FunctionsConfig
}

type ServerConfig struct {
	Port           int
	Env            string
	RateLimitRPS   int
	RateLimitBurst int
	AllowedOrigins []string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// StoreConfig selects the remote store backend: "memory" or "postgres".
type StoreConfig struct {
	Backend string
}

type DatabaseConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxConns        int
	MinConns        int
	ConnectAttempts int
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Database, d.SSLMode,
	)
}

// RedisConfig configures the realtime change feed.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// KurrentDBConfig holds configuration for KurrentDB (EventStoreDB).
type KurrentDBConfig struct {
	Enabled  bool
	Host     string
	Port     int
	Insecure bool
	Username string
	Password string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
	// RolePolicy is "login-override" or "registry"
	RolePolicy       string
	RoleRegistryPath string
}

// RealtimeConfig controls change-feed delivery and resubscription.
type RealtimeConfig struct {
	EventsPerSecond int
	BackoffInitial  time.Duration
	BackoffMax      time.Duration
}

type CacheConfig struct {
	RequestTimeout time.Duration
	RefreshRetries int
	FullRefresh    bool
}

type NotificationConfig struct {
	AlertDuration time.Duration
	EmailFunction string
	EmailEnabled  bool
	Workers       int

	// FeedbackRecipient receives a copy of every feedback submission.
	FeedbackRecipient string
}

type FunctionsConfig struct {
	BaseURL         string
	APIKey          string
	ApplicationName string
	Timeout         time.Duration
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Server: ServerConfig{
			Port:           getEnvInt("SERVER_PORT", 8080),
			Env:            getEnv("ENV", "development"),
			RateLimitRPS:   getEnvInt("RATE_LIMIT_RPS", 50),
			RateLimitBurst: getEnvInt("RATE_LIMIT_BURST", 100),
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{"*"}),
		},
		Log: LogConfig{
			Level: getEnv("LOG_LEVEL", "info"),
			JSON:  getEnvBool("LOG_JSON", false),
		},
		Store: StoreConfig{
			Backend: getEnv("STORE_BACKEND", "memory"),
		},
		Database: DatabaseConfig{
			Host:            getEnv("DB_HOST", "localhost"),
			Port:            getEnvInt("DB_PORT", 5432),
			User:            getEnv("DB_USER", "governance"),
			Password:        getEnv("DB_PASSWORD", "governance"),
			Database:        getEnv("DB_NAME", "governance"),
			SSLMode:         getEnv("DB_SSLMODE", "disable"),
			MaxConns:        getEnvInt("DB_MAX_CONNS", 20),
			MinConns:        getEnvInt("DB_MIN_CONNS", 2),
			ConnectAttempts: getEnvInt("DB_CONNECT_ATTEMPTS", 5),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			Channel:  getEnv("REDIS_CHANGES_CHANNEL", "vg:changes"),
		},
		KurrentDB: KurrentDBConfig{
			Enabled:  getEnvBool("KURRENTDB_ENABLED", false),
			Host:     getEnv("KURRENTDB_HOST", "localhost"),
			Port:     getEnvInt("KURRENTDB_PORT", 2113),
			Insecure: getEnvBool("KURRENTDB_INSECURE", true),
			Username: getEnv("KURRENTDB_USERNAME", ""),
			Password: getEnv("KURRENTDB_PASSWORD", ""),
		},
		Auth: AuthConfig{
			JWTSecret:        getEnv("JWT_SECRET", "dev-secret-change-in-prod"),
			TokenTTL:         getEnvDuration("JWT_TTL", 24*time.Hour),
			RolePolicy:       getEnv("ROLE_POLICY", "login-override"),
			RoleRegistryPath: getEnv("ROLE_REGISTRY_PATH", ""),
		},
		Realtime: RealtimeConfig{
			EventsPerSecond: getEnvInt("REALTIME_EVENTS_PER_SECOND", 2),
			BackoffInitial:  getEnvDuration("REALTIME_BACKOFF_INITIAL", 500*time.Millisecond),
			BackoffMax:      getEnvDuration("REALTIME_BACKOFF_MAX", 30*time.Second),
		},
		Cache: CacheConfig{
			RequestTimeout: getEnvDuration("CACHE_REQUEST_TIMEOUT", 10*time.Second),
			RefreshRetries: getEnvInt("CACHE_REFRESH_RETRIES", 3),
			FullRefresh:    getEnvBool("CACHE_FULL_REFRESH", false),
		},
		Notification: NotificationConfig{
			AlertDuration:     getEnvDuration("ALERT_DURATION", 5*time.Second),
			EmailFunction:     getEnv("EMAIL_FUNCTION", "send-email"),
			EmailEnabled:      getEnvBool("EMAIL_NOTIFICATIONS_ENABLED", false),
			Workers:           getEnvInt("NOTIFICATION_WORKERS", 2),
			FeedbackRecipient: getEnv("FEEDBACK_EMAIL_TO", ""),
		},
		Functions: FunctionsConfig{
			BaseURL:         getEnv("FUNCTIONS_URL", "http://localhost:54321/functions/v1"),
			APIKey:          getEnv("FUNCTIONS_API_KEY", ""),
			ApplicationName: getEnv("APPLICATION_NAME", "visible-governance"),
			Timeout:         getEnvDuration("FUNCTIONS_TIMEOUT", 10*time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects combinations the services cannot run with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	switch c.Auth.RolePolicy {
	case "login-override":
	case "registry":
		if c.Auth.RoleRegistryPath == "" {
			return fmt.Errorf("ROLE_REGISTRY_PATH is required for the registry role policy")
		}
	default:
		return fmt.Errorf("unknown role policy %q", c.Auth.RolePolicy)
	}
	if c.Realtime.EventsPerSecond <= 0 {
		return fmt.Errorf("REALTIME_EVENTS_PER_SECOND must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var result []string
		for _, v := range strings.Split(value, ",") {
			if v = strings.TrimSpace(v); v != "" {
				result = append(result, v)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
