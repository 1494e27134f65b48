package redis

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/pscheid92/sessionlock/internal/platform/retry"
	goredis "github.com/redis/go-redis/v9"
)

// NewClient parses redisURL, installs the metrics and circuit breaker hooks
// and waits for the server to answer PING, retrying transient failures. bm
// and sm may be nil.
func NewClient(ctx context.Context, redisURL string, bm *metrics.BreakerMetrics, sm *metrics.StoreMetrics) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	rdb := goredis.NewClient(opts)
	rdb.AddHook(NewMetricsHook(sm))
	rdb.AddHook(NewCircuitBreakerHook(bm))

	policy := retry.StartupPolicy
	policy.OnRetry = func(attempt int, err error, backoff time.Duration) {
		slog.Warn("Redis not ready, retrying", "attempt", attempt, "backoff", backoff, "error", err)
	}
	err = retry.DoVoid(ctx, policy, retry.Transient, func() error {
		return rdb.Ping(ctx).Err()
	})
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	slog.Info("Redis connected", "addr", opts.Addr, "db", opts.DB)
	return rdb, nil
}
