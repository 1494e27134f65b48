package sessionlock

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessionlock/internal/domain"
)

// LeaseManager runs the acquire, refresh, takeover and release steps for one
// context. It is not safe for concurrent use; the Coordinator serializes it.
type LeaseManager struct {
	shared   *SharedState
	self     domain.Owner
	clock    clockwork.Clock
	timing   Timing
	recorder Recorder

	visible       bool
	reloadPending bool
	state         domain.LeaseState
	last          *domain.LeaseRecord
}

func NewLeaseManager(shared *SharedState, self domain.Owner, clock clockwork.Clock, timing Timing, nav domain.NavigationType, recorder Recorder) *LeaseManager {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &LeaseManager{
		shared:        shared,
		self:          self,
		clock:         clock,
		timing:        timing.withDefaults(),
		recorder:      recorder,
		visible:       true,
		reloadPending: nav == domain.NavigationReload,
	}
}

// AcquireOrTakeover evaluates the lease once and returns the resulting state.
//
// A context without a local session only observes: it never claims or
// refreshes, so a signed-out context cannot hold the slot against the one
// that signs in. The reload takeover is granted only to the first evaluation
// that has a local session.
func (m *LeaseManager) AcquireOrTakeover(ctx context.Context, localSessionID string) domain.LeaseState {
	rec := m.shared.ReadLease(ctx)
	now := m.clock.Now()
	m.last = rec

	// Sessionless contexts never write, so claiming with the existing
	// record's session id is unreachable.
	if localSessionID == "" {
		m.recorder.AcquireEvaluated(OutcomeObserved)
		return m.setState(m.observedState(rec, now))
	}

	reload := m.reloadPending
	m.reloadPending = false

	var outcome string
	switch {
	case rec == nil || rec.IsStale(now, m.TTL()):
		outcome = OutcomeClaimed
	case rec.OwnedBy(m.self):
		outcome = OutcomeRefreshed
	case reload && rec.Owner.DeviceID == m.self.DeviceID:
		outcome = OutcomeReloadTakeover
	default:
		m.recorder.AcquireEvaluated(OutcomeForeign)
		return m.setState(domain.StateForeign)
	}

	next := domain.LeaseRecord{
		Owner:     m.self,
		Heartbeat: now.UnixMilli(),
		SessionID: localSessionID,
	}
	if err := m.shared.WriteLease(ctx, next); err != nil {
		slog.WarnContext(ctx, "Lease write failed", "outcome", outcome, "error", err)
		m.recorder.AcquireEvaluated(OutcomeWriteFailed)
		return m.setState(domain.StateUnowned)
	}
	m.last = &next

	if outcome != OutcomeRefreshed {
		slog.InfoContext(ctx, "Lease acquired", "outcome", outcome, "tab_id", m.self.TabID, "previous_owner", ownerOf(rec))
	}
	m.recorder.AcquireEvaluated(outcome)
	return m.setState(domain.StateOwner)
}

// Release deletes the lease if this context is still its recorded owner and
// reports whether it did. Another context's lease is never touched.
func (m *LeaseManager) Release(ctx context.Context) bool {
	rec := m.shared.ReadLease(ctx)
	if rec == nil || !rec.OwnedBy(m.self) {
		m.last = rec
		m.setState(m.observedState(rec, m.clock.Now()))
		return false
	}

	if err := m.shared.DeleteLease(ctx); err != nil {
		slog.WarnContext(ctx, "Lease release failed", "error", err)
		return false
	}
	m.last = nil
	m.setState(domain.StateUnowned)
	slog.InfoContext(ctx, "Lease released", "tab_id", m.self.TabID)
	return true
}

// Observe updates the state from a lease read elsewhere without writing.
func (m *LeaseManager) Observe(rec *domain.LeaseRecord) domain.LeaseState {
	m.last = rec
	return m.setState(m.observedState(rec, m.clock.Now()))
}

func (m *LeaseManager) observedState(rec *domain.LeaseRecord, now time.Time) domain.LeaseState {
	switch {
	case rec == nil || rec.IsStale(now, m.TTL()):
		return domain.StateUnowned
	case rec.OwnedBy(m.self):
		return domain.StateOwner
	default:
		return domain.StateForeign
	}
}

func (m *LeaseManager) setState(s domain.LeaseState) domain.LeaseState {
	if s != m.state {
		m.state = s
		m.recorder.StateChanged(s)
	}
	return s
}

func (m *LeaseManager) SetVisible(visible bool) {
	m.visible = visible
}

func (m *LeaseManager) Visible() bool {
	return m.visible
}

// TTL is the staleness threshold for the current visibility.
func (m *LeaseManager) TTL() time.Duration {
	return m.timing.ttl(m.visible)
}

// HeartbeatPeriod is the refresh period for the current visibility.
func (m *LeaseManager) HeartbeatPeriod() time.Duration {
	return m.timing.heartbeat(m.visible)
}

func (m *LeaseManager) State() domain.LeaseState {
	return m.state
}

// LastLease returns the lease as of the most recent read or write.
func (m *LeaseManager) LastLease() *domain.LeaseRecord {
	return m.last
}

func (m *LeaseManager) Self() domain.Owner {
	return m.self
}

func ownerOf(rec *domain.LeaseRecord) string {
	if rec == nil {
		return ""
	}
	return rec.Owner.String()
}
