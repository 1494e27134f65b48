package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/stretchr/testify/assert"
)

func TestQueryName(t *testing.T) {
	tests := []struct {
		sql  string
		want string
	}{
		{"SELECT value FROM kv", "select"},
		{"\n\t\tINSERT INTO kv (namespace) VALUES ($1)", "insert"},
		{"   ", "unknown"},
		{"", "unknown"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, queryName(tt.sql), tt.sql)
	}
}

func TestMetricsTracer(t *testing.T) {
	sm := metrics.NewStoreMetrics(prometheus.NewRegistry())
	tracer := NewMetricsTracer(sm)

	ctx := tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "DELETE FROM kv"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{Err: errors.New("boom")})

	ctx = tracer.TraceQueryStart(context.Background(), nil, pgx.TraceQueryStartData{SQL: "SELECT 1"})
	tracer.TraceQueryEnd(ctx, nil, pgx.TraceQueryEndData{})

	// An end without a start is ignored.
	tracer.TraceQueryEnd(context.Background(), nil, pgx.TraceQueryEndData{})

	assert.Equal(t, 1.0, testutil.ToFloat64(sm.OpsTotal.WithLabelValues("postgres", "delete", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sm.OpsTotal.WithLabelValues("postgres", "select", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(sm.OpsTotal))
}
