package metrics

import "github.com/prometheus/client_golang/prometheus"

// BreakerMetrics tracks circuit breakers guarding the shared store.
type BreakerMetrics struct {
	State        *prometheus.GaugeVec
	StateChanges *prometheus.CounterVec
}

func NewBreakerMetrics(reg prometheus.Registerer) *BreakerMetrics {
	m := &BreakerMetrics{
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state",
			Help:      "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"component"}),
		StateChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "circuit_breaker",
			Name:      "state_changes_total",
			Help:      "Circuit breaker state transitions, by target state.",
		}, []string{"component", "state"}),
	}

	reg.MustRegister(m.State, m.StateChanges)
	return m
}

// Observe records a transition. A nil receiver is a no-op so adapters can be
// built without metrics.
func (m *BreakerMetrics) Observe(component, state string, value float64) {
	if m == nil {
		return
	}
	m.StateChanges.WithLabelValues(component, state).Inc()
	m.State.WithLabelValues(component).Set(value)
}
