package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendNATS     = "nats"
	BackendNone     = "none"
	BackendAuto     = "auto"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	// StoreBackend selects the durable, device-wide store.
	StoreBackend string `env:"STORE_BACKEND" default:"sqlite"`
	StorePath    string `env:"STORE_PATH" default:"sessionlock.db"`
	RedisURL     string `env:"REDIS_URL"`
	DatabaseURL  string `env:"DATABASE_URL"`
	Namespace    string `env:"SESSIONLOCK_NAMESPACE" default:"sessionlock"`

	// TabStatePath is the tab-scoped store. Reusing the same path across
	// restarts of one process is what makes a restart a "reload".
	TabStatePath string `env:"TAB_STATE_PATH" default:"tab.db"`

	// BroadcastBackend: auto picks redis pub/sub when the store is redis,
	// nats when NATS_URL is set, otherwise none.
	BroadcastBackend string `env:"BROADCAST_BACKEND" default:"auto"`
	NATSURL          string `env:"NATS_URL"`

	NavigationType string `env:"NAVIGATION_TYPE" default:"unknown"`
	StartHidden    bool   `env:"START_HIDDEN" default:"false"`
	ForceSignOut   bool   `env:"FORCE_SIGN_OUT" default:"true"`

	VisibleHeartbeat    time.Duration `env:"VISIBLE_HEARTBEAT" default:"1s"`
	VisibleTTL          time.Duration `env:"VISIBLE_TTL" default:"3s"`
	HiddenHeartbeat     time.Duration `env:"HIDDEN_HEARTBEAT" default:"2500ms"`
	HiddenTTL           time.Duration `env:"HIDDEN_TTL" default:"8s"`
	ConsistencyInterval time.Duration `env:"CONSISTENCY_INTERVAL" default:"5s"`

	APIRateLimit float64 `env:"API_RATE_LIMIT" default:"20"`
	APIRateBurst int     `env:"API_RATE_BURST" default:"40"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	switch cfg.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if cfg.StorePath == "" {
			return errors.New("STORE_PATH is required when STORE_BACKEND=sqlite")
		}
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when STORE_BACKEND=redis")
		}
	case BackendPostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE_BACKEND=postgres")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be one of memory, sqlite, redis, postgres; got %q", cfg.StoreBackend)
	}

	switch cfg.BroadcastBackend {
	case BackendAuto, BackendNone:
	case BackendRedis:
		if cfg.RedisURL == "" {
			return errors.New("REDIS_URL is required when BROADCAST_BACKEND=redis")
		}
	case BackendNATS:
		if cfg.NATSURL == "" {
			return errors.New("NATS_URL is required when BROADCAST_BACKEND=nats")
		}
	default:
		return fmt.Errorf("BROADCAST_BACKEND must be one of auto, none, redis, nats; got %q", cfg.BroadcastBackend)
	}

	if cfg.TabStatePath == "" {
		return errors.New("TAB_STATE_PATH is required")
	}

	switch cfg.NavigationType {
	case "unknown", "navigate", "reload":
	default:
		return fmt.Errorf("NAVIGATION_TYPE must be one of unknown, navigate, reload; got %q", cfg.NavigationType)
	}

	if cfg.VisibleHeartbeat <= 0 || cfg.HiddenHeartbeat <= 0 || cfg.ConsistencyInterval <= 0 {
		return errors.New("heartbeat and consistency intervals must be positive")
	}
	if cfg.VisibleTTL <= cfg.VisibleHeartbeat {
		return errors.New("VISIBLE_TTL must be longer than VISIBLE_HEARTBEAT")
	}
	if cfg.VisibleTTL <= cfg.HiddenHeartbeat {
		return errors.New("VISIBLE_TTL must be longer than HIDDEN_HEARTBEAT so a backgrounded owner is not taken over")
	}
	if cfg.HiddenTTL < cfg.VisibleTTL {
		return errors.New("HIDDEN_TTL must not be shorter than VISIBLE_TTL")
	}

	return nil
}

// ResolvedBroadcastBackend applies the auto rule to BroadcastBackend.
func (c *Config) ResolvedBroadcastBackend() string {
	if c.BroadcastBackend != BackendAuto {
		return c.BroadcastBackend
	}
	switch {
	case c.StoreBackend == BackendRedis:
		return BackendRedis
	case c.NATSURL != "":
		return BackendNATS
	default:
		return BackendNone
	}
}
