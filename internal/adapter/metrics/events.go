package metrics

import "github.com/prometheus/client_golang/prometheus"

// EventStreamMetrics tracks websocket subscribers of the event stream.
type EventStreamMetrics struct {
	ActiveConnections  prometheus.Gauge
	MessagesSent       *prometheus.CounterVec
	SlowClientsEvicted prometheus.Counter
}

func NewEventStreamMetrics(reg prometheus.Registerer) *EventStreamMetrics {
	m := &EventStreamMetrics{
		ActiveConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "active_connections",
			Help:      "Number of connected event stream clients.",
		}),
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "messages_sent_total",
			Help:      "Events written to stream clients, by type.",
		}, []string{"type"}),
		SlowClientsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "slow_clients_evicted_total",
			Help:      "Stream clients disconnected because their buffer was full.",
		}),
	}

	reg.MustRegister(m.ActiveConnections, m.MessagesSent, m.SlowClientsEvicted)
	return m
}
