package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/sessionlock"
)

var leaseStates = []domain.LeaseState{domain.StateUnowned, domain.StateOwner, domain.StateForeign}

// LeaseMetrics records session lock protocol events. It implements
// sessionlock.Recorder.
type LeaseMetrics struct {
	AcquireTotal     *prometheus.CounterVec
	State            *prometheus.GaugeVec
	ForeignActive    prometheus.Gauge
	ChecksTotal      *prometheus.CounterVec
	Inconsistencies  *prometheus.CounterVec
	StoreErrors      *prometheus.CounterVec
	NoticesSent      *prometheus.CounterVec
	NoticesReceived  *prometheus.CounterVec
	StateTransitions prometheus.Counter
}

var _ sessionlock.Recorder = (*LeaseMetrics)(nil)

func NewLeaseMetrics(reg prometheus.Registerer) *LeaseMetrics {
	m := &LeaseMetrics{
		AcquireTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "acquire_evaluations_total",
			Help:      "Lease evaluations by outcome.",
		}, []string{"outcome"}),
		State: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "state",
			Help:      "1 for the current lease state of this context, 0 otherwise.",
		}, []string{"state"}),
		ForeignActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "foreign_active",
			Help:      "1 while another context owns the lease.",
		}),
		ChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "checks_total",
			Help:      "Consistency checks by resulting action.",
		}, []string{"action"}),
		Inconsistencies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "consistency",
			Name:      "inconsistencies_total",
			Help:      "Session divergences reported to the application.",
		}, []string{"reason"}),
		StoreErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "errors_total",
			Help:      "Shared store failures by operation.",
		}, []string{"op"}),
		NoticesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "notices_sent_total",
			Help:      "Broadcast notices published.",
		}, []string{"kind"}),
		NoticesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "notices_received_total",
			Help:      "Broadcast notices received from other contexts.",
		}, []string{"kind"}),
		StateTransitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lease",
			Name:      "state_transitions_total",
			Help:      "Number of lease state changes.",
		}),
	}

	reg.MustRegister(
		m.AcquireTotal,
		m.State,
		m.ForeignActive,
		m.ChecksTotal,
		m.Inconsistencies,
		m.StoreErrors,
		m.NoticesSent,
		m.NoticesReceived,
		m.StateTransitions,
	)

	for _, s := range leaseStates {
		m.State.WithLabelValues(s.String()).Set(0)
	}
	m.State.WithLabelValues(domain.StateUnowned.String()).Set(1)
	return m
}

func (m *LeaseMetrics) AcquireEvaluated(outcome string) {
	m.AcquireTotal.WithLabelValues(outcome).Inc()
}

func (m *LeaseMetrics) StateChanged(state domain.LeaseState) {
	for _, s := range leaseStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.State.WithLabelValues(s.String()).Set(v)
	}
	m.StateTransitions.Inc()
}

func (m *LeaseMetrics) ConsistencyChecked(action sessionlock.Action) {
	m.ChecksTotal.WithLabelValues(action.String()).Inc()
}

func (m *LeaseMetrics) InconsistencyDetected(reason domain.InconsistencyReason) {
	m.Inconsistencies.WithLabelValues(string(reason)).Inc()
}

func (m *LeaseMetrics) ForeignActiveChanged(active bool) {
	if active {
		m.ForeignActive.Set(1)
		return
	}
	m.ForeignActive.Set(0)
}

func (m *LeaseMetrics) StoreError(op string) {
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *LeaseMetrics) NoticeSent(kind domain.NoticeKind) {
	m.NoticesSent.WithLabelValues(string(kind)).Inc()
}

func (m *LeaseMetrics) NoticeReceived(kind domain.NoticeKind) {
	m.NoticesReceived.WithLabelValues(string(kind)).Inc()
}
