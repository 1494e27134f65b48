package redis

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	goredis "github.com/redis/go-redis/v9"
)

const backendName = "redis"

// MetricsHook records every command and pipeline in StoreMetrics.
type MetricsHook struct {
	m *metrics.StoreMetrics
}

var _ goredis.Hook = (*MetricsHook)(nil)

func NewMetricsHook(m *metrics.StoreMetrics) *MetricsHook {
	return &MetricsHook{m: m}
}

func (h *MetricsHook) DialHook(next goredis.DialHook) goredis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.m.ConnectionFailed(backendName)
		}
		return conn, err
	}
}

func (h *MetricsHook) ProcessHook(next goredis.ProcessHook) goredis.ProcessHook {
	return func(ctx context.Context, cmd goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmd)
		failed := err != nil && !errors.Is(err, goredis.Nil)
		h.m.Observe(backendName, strings.ToLower(cmd.Name()), time.Since(start).Seconds(), failed)
		return err
	}
}

// ProcessPipelineHook counts a pipeline, including MULTI/EXEC, as one operation.
func (h *MetricsHook) ProcessPipelineHook(next goredis.ProcessPipelineHook) goredis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []goredis.Cmder) error {
		start := time.Now()
		err := next(ctx, cmds)
		h.m.Observe(backendName, "pipeline", time.Since(start).Seconds(), err != nil)
		return err
	}
}
