package metrics

import "github.com/prometheus/client_golang/prometheus"

// StoreMetrics tracks operations against the shared store backends.
type StoreMetrics struct {
	OpsTotal         *prometheus.CounterVec
	OpDuration       *prometheus.HistogramVec
	ConnectionErrors *prometheus.CounterVec
}

func NewStoreMetrics(reg prometheus.Registerer) *StoreMetrics {
	m := &StoreMetrics{
		OpsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operations_total",
			Help:      "Store operations, by backend, operation and status.",
		}, []string{"backend", "operation", "status"}),
		OpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Store operation latency.",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"backend", "operation"}),
		ConnectionErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "connection_errors_total",
			Help:      "Failed connection attempts, by backend.",
		}, []string{"backend"}),
	}

	reg.MustRegister(m.OpsTotal, m.OpDuration, m.ConnectionErrors)
	return m
}

// Observe records one operation. A nil receiver is a no-op.
func (m *StoreMetrics) Observe(backend, operation string, seconds float64, failed bool) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.OpsTotal.WithLabelValues(backend, operation, status).Inc()
	m.OpDuration.WithLabelValues(backend, operation).Observe(seconds)
}

// ConnectionFailed records a failed dial. A nil receiver is a no-op.
func (m *StoreMetrics) ConnectionFailed(backend string) {
	if m == nil {
		return
	}
	m.ConnectionErrors.WithLabelValues(backend).Inc()
}
