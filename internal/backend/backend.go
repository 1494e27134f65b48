// Package backend opens the configured shared store and broadcast transport.
package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	natsgo "github.com/nats-io/nats.go"
	"github.com/pscheid92/sessionlock/internal/adapter/memory"
	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/pscheid92/sessionlock/internal/adapter/nats"
	"github.com/pscheid92/sessionlock/internal/adapter/postgres"
	"github.com/pscheid92/sessionlock/internal/adapter/redis"
	"github.com/pscheid92/sessionlock/internal/adapter/sqlite"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/platform/config"
	goredis "github.com/redis/go-redis/v9"
)

// Store is what every shared store adapter provides.
type Store interface {
	domain.KeyValueStore
	domain.HealthChecker
}

// Backend holds the opened transports. Close releases all of them.
type Backend struct {
	Name      string
	Store     Store
	Broadcast domain.BroadcastChannel

	closers []func()
}

// Metrics are the optional instruments handed to the store adapters.
type Metrics struct {
	Breaker *metrics.BreakerMetrics
	Store   *metrics.StoreMetrics
}

// Open connects the store named by cfg.StoreBackend and the broadcast
// transport named by cfg.ResolvedBroadcastBackend. m may be nil.
func Open(ctx context.Context, cfg *config.Config, m *Metrics) (*Backend, error) {
	if m == nil {
		m = &Metrics{}
	}
	b := &Backend{Name: cfg.StoreBackend}

	var rdb *goredis.Client
	redisClient := func() (*goredis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		client, err := redis.NewClient(ctx, cfg.RedisURL, m.Breaker, m.Store)
		if err != nil {
			return nil, err
		}
		rdb = client
		b.closers = append(b.closers, func() { _ = client.Close() })
		return rdb, nil
	}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		slog.Warn("Using in-memory store; state is not shared with other processes")
		b.Store = memory.NewStore()
	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, cfg.StorePath)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = s
		b.closers = append(b.closers, func() { _ = s.Close() })
	case config.BackendRedis:
		client, err := redisClient()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Store = redis.NewStore(client, cfg.Namespace)
	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL, m.Store)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, pool.Close)
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			b.Close()
			return nil, err
		}
		b.Store = postgres.NewStore(pool, cfg.Namespace, m.Breaker)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	switch cfg.ResolvedBroadcastBackend() {
	case config.BackendRedis:
		client, err := redisClient()
		if err != nil {
			b.Close()
			return nil, err
		}
		b.Broadcast = redis.NewBroadcast(client, cfg.Namespace)
	case config.BackendNATS:
		nc, err := nats.Connect(cfg.NATSURL)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.closers = append(b.closers, func() { drain(nc) })
		b.Broadcast = nats.NewBroadcast(nc, cfg.Namespace)
	default:
		slog.Info("No broadcast transport; relying on storage events and the consistency timer")
	}

	slog.Info("Backend opened", "store", b.Name, "broadcast", cfg.ResolvedBroadcastBackend())
	return b, nil
}

func drain(nc *natsgo.Conn) {
	if err := nc.Drain(); err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		slog.Warn("NATS drain failed", "error", err)
	}
}

// Close releases transports in reverse order of opening.
func (b *Backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		b.closers[i]()
	}
	b.closers = nil
}
