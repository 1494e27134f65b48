package sessionlock

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second
const pollEvery = 5 * time.Millisecond

type coordinatorOpt func(*Deps, *Options)

func withNavigation(nav domain.NavigationType) coordinatorOpt {
	return func(d *Deps, _ *Options) { d.Navigation = domain.StaticNavigation(nav) }
}

func withoutBroadcast() coordinatorOpt {
	return func(d *Deps, _ *Options) { d.Broadcast = nil }
}

type unsupportedWatcher struct{}

func (unsupportedWatcher) Watch(context.Context, func(domain.StorageEvent)) (func(), error) {
	return nil, domain.ErrWatchUnsupported
}

// withoutSignals leaves explicit calls as the only trigger for checks.
func withoutSignals() coordinatorOpt {
	return func(d *Deps, _ *Options) {
		d.Broadcast = nil
		d.Watcher = unsupportedWatcher{}
	}
}

func withSignOut(r domain.SignOutRequester) coordinatorOpt {
	return func(d *Deps, _ *Options) { d.SignOut = r }
}

func (d *device) coordinator(t *testing.T, self domain.Owner, opts ...coordinatorOpt) *Coordinator {
	t.Helper()
	deps := Deps{
		Store:      d.backend.View(),
		Broadcast:  d.hub.Channel(),
		Self:       self,
		Navigation: domain.StaticNavigation(domain.NavigationNavigate),
		Clock:      d.clock,
	}
	var o Options
	for _, opt := range opts {
		opt(&deps, &o)
	}
	c := New(deps, o)
	t.Cleanup(c.Teardown)
	return c
}

type signOutFunc func(ctx context.Context, ev domain.InconsistencyEvent)

func (f signOutFunc) RequestForcedSignOut(ctx context.Context, ev domain.InconsistencyEvent) {
	f(ctx, ev)
}

type eventLog struct {
	mu     sync.Mutex
	events []domain.InconsistencyEvent
}

func (l *eventLog) add(ev domain.InconsistencyEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

func (l *eventLog) at(i int) domain.InconsistencyEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.events[i]
}

func TestCoordinator_ForeignFlagFollowsOwnerLifecycle(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	b := d.coordinator(t, tab("b"))
	a.Init(ctx)
	b.Init(ctx)

	a.SetSessionID(ctx, "s1")
	assert.Equal(t, domain.StateOwner, a.Status().State)
	assert.False(t, a.IsForeignActive())

	assert.True(t, b.CheckConsistencyNow(ctx))
	assert.True(t, b.IsForeignActive())

	a.ClearSessionID(ctx)
	assert.Nil(t, d.readLease(t), "owner deletes the lease on sign-out")
	assert.False(t, a.IsForeignActive())

	assert.Eventually(t, func() bool { return !b.IsForeignActive() }, waitFor, pollEvery)
}

func TestCoordinator_NoticeUpdatesOtherContext(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	b := d.coordinator(t, tab("b"))
	a.Init(ctx)
	b.Init(ctx)

	a.SetSessionID(ctx, "s1")

	assert.Eventually(t, b.IsForeignActive, waitFor, pollEvery)
}

func TestCoordinator_StorageEventsSufficeWithoutBroadcast(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"), withoutBroadcast())
	b := d.coordinator(t, tab("b"), withoutBroadcast())
	a.Init(ctx)
	b.Init(ctx)

	a.SetSessionID(ctx, "s1")

	assert.Eventually(t, b.IsForeignActive, waitFor, pollEvery)
}

func TestCoordinator_InconsistencyFiresOncePerDivergence(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")
	require.Equal(t, domain.StateOwner, a.Status().State)

	var log eventLog
	unsubscribe := a.OnInconsistency(log.add)
	defer unsubscribe()

	require.NoError(t, d.backend.View().Set(ctx, domain.SessionIDKey, "s2"))

	assert.Eventually(t, func() bool { return log.len() == 1 }, waitFor, pollEvery)
	a.CheckConsistencyNow(ctx)
	a.CheckConsistencyNow(ctx)
	d.clock.Advance(DefaultTiming().ConsistencyInterval)
	a.CheckConsistencyNow(ctx)

	assert.Equal(t, 1, log.len())
	assert.Equal(t, domain.InconsistencyEvent{
		Reason:          domain.ReasonSessionReplaced,
		LocalSessionID:  "s1",
		SharedSessionID: "s2",
	}, log.at(0))

	require.NoError(t, d.backend.View().Set(ctx, domain.SessionIDKey, "s3"))
	a.CheckConsistencyNow(ctx)

	assert.Eventually(t, func() bool { return log.len() == 2 }, waitFor, pollEvery)
	assert.Equal(t, "s3", log.at(1).SharedSessionID)
}

func TestCoordinator_SessionClearedElsewhere(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	b := d.coordinator(t, tab("b"))
	a.Init(ctx)
	b.Init(ctx)
	a.SetSessionID(ctx, "s1")
	b.SetSessionID(ctx, "s1")

	var log eventLog
	a.OnInconsistency(log.add)

	b.ClearSessionID(ctx)
	a.CheckConsistencyNow(ctx)

	assert.Eventually(t, func() bool { return log.len() == 1 }, waitFor, pollEvery)
	assert.Equal(t, domain.ReasonSessionCleared, log.at(0).Reason)
	assert.Equal(t, tab("a"), d.readLease(t).Owner, "non-owner sign-out leaves the lease alone")
}

func TestCoordinator_ForcedSignOutResetsLocalSession(t *testing.T) {
	d := newDevice()
	ctx := context.Background()

	var a *Coordinator
	requested := make(chan domain.InconsistencyEvent, 1)
	a = d.coordinator(t, tab("a"), withSignOut(signOutFunc(func(ctx context.Context, ev domain.InconsistencyEvent) {
		a.ResetLocalSession(ctx)
		requested <- ev
	})))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")

	b := d.coordinator(t, tab("b"))
	b.Init(ctx)
	b.SetSessionID(ctx, "s2")
	a.CheckConsistencyNow(ctx)

	select {
	case ev := <-requested:
		assert.Equal(t, domain.ReasonSessionReplaced, ev.Reason)
	case <-time.After(waitFor):
		t.Fatal("forced sign-out was not requested")
	}

	assert.False(t, a.Status().SessionActive)
	shared, _, err := d.backend.View().Get(ctx, domain.SessionIDKey)
	require.NoError(t, err)
	assert.Equal(t, "s2", shared, "forced sign-out keeps the new shared session")

	assert.Eventually(t, func() bool {
		b.CheckConsistencyNow(ctx)
		return b.Status().State == domain.StateOwner
	}, waitFor, pollEvery)
}

func TestCoordinator_ReloadRegainsOwnership(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	before := d.coordinator(t, tab("before"))
	before.Init(ctx)
	before.SetSessionID(ctx, "s1")
	require.Equal(t, domain.StateOwner, before.Status().State)
	before.Teardown()

	after := d.coordinator(t, tab("after"), withNavigation(domain.NavigationReload))
	after.Init(ctx)
	after.SetSessionID(ctx, "s1")

	assert.Equal(t, domain.StateOwner, after.Status().State)
	assert.Equal(t, tab("after"), d.readLease(t).Owner)
}

func TestCoordinator_HeartbeatTakesOverAbandonedLease(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")
	a.Teardown()

	b := d.coordinator(t, tab("b"))
	b.Init(ctx)
	b.SetSessionID(ctx, "s1")
	require.Equal(t, domain.StateForeign, b.Status().State)
	require.True(t, b.IsForeignActive())

	timing := DefaultTiming()
	for elapsed := time.Duration(0); elapsed <= timing.VisibleTTL+timing.VisibleHeartbeat; elapsed += timing.VisibleHeartbeat {
		d.clock.Advance(timing.VisibleHeartbeat)
	}

	assert.Eventually(t, func() bool {
		return b.Status().State == domain.StateOwner
	}, waitFor, pollEvery)
	assert.Eventually(t, func() bool { return !b.IsForeignActive() }, waitFor, pollEvery)
}

func TestCoordinator_ClearSessionIDDoesNotReleaseForeignLease(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	b := d.coordinator(t, tab("b"))
	a.Init(ctx)
	b.Init(ctx)
	a.SetSessionID(ctx, "s1")
	b.SetSessionID(ctx, "s1")
	require.Equal(t, domain.StateForeign, b.Status().State)

	b.ClearSessionID(ctx)
	b.ClearSessionID(ctx)

	rec := d.readLease(t)
	require.NotNil(t, rec)
	assert.Equal(t, tab("a"), rec.Owner)
}

func TestCoordinator_EmptySessionIDClears(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")

	a.SetSessionID(ctx, "")

	assert.False(t, a.Status().SessionActive)
	assert.Nil(t, d.readLease(t))
}

func TestCoordinator_ForeignActiveListener(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"), withoutSignals())
	b := d.coordinator(t, tab("b"), withoutSignals())
	a.Init(ctx)
	b.Init(ctx)

	var mu sync.Mutex
	var seen []bool
	unsubscribe := b.OnForeignActive(func(active bool) {
		mu.Lock()
		seen = append(seen, active)
		mu.Unlock()
	})

	a.SetSessionID(ctx, "s1")
	b.CheckConsistencyNow(ctx)
	a.ClearSessionID(ctx)
	b.CheckConsistencyNow(ctx)

	mu.Lock()
	assert.Equal(t, []bool{true, false}, seen)
	mu.Unlock()

	unsubscribe()
	unsubscribe()
	a.SetSessionID(ctx, "s2")
	b.CheckConsistencyNow(ctx)

	mu.Lock()
	assert.Len(t, seen, 2)
	mu.Unlock()
}

func TestCoordinator_VisibilityAndPageLifecycle(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")

	st := a.Status()
	assert.True(t, st.Visible)
	assert.True(t, st.HeartbeatRunning)
	assert.Equal(t, time.Second, st.HeartbeatPeriod)
	assert.Equal(t, 3*time.Second, st.TTL)

	a.SetVisible(ctx, false)
	st = a.Status()
	assert.False(t, st.Visible)
	assert.Equal(t, 2500*time.Millisecond, st.HeartbeatPeriod)
	assert.Equal(t, 8*time.Second, st.TTL)

	a.PageHide(ctx)
	assert.False(t, a.Status().HeartbeatRunning)

	d.clock.Advance(10 * time.Second)
	a.PageShow(ctx)
	st = a.Status()
	assert.True(t, st.HeartbeatRunning)
	assert.Equal(t, domain.StateOwner, st.State)
	assert.Equal(t, d.clock.Now().UnixMilli(), d.readLease(t).Heartbeat, "page-show refreshes the lease")
}

func TestCoordinator_DegradedStore(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	d.backend.SetUnavailable(errors.New("storage disabled"))

	var log eventLog
	a := d.coordinator(t, tab("a"))
	a.OnInconsistency(log.add)
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")

	assert.False(t, a.CheckConsistencyNow(ctx))
	assert.Equal(t, domain.StateUnowned, a.Status().State)
	assert.Zero(t, log.len(), "unreadable storage is not a sign-out signal")

	d.backend.SetUnavailable(nil)
	a.SetSessionID(ctx, "s1")
	assert.Equal(t, domain.StateOwner, a.Status().State)
}

func TestCoordinator_TeardownLeavesStoreAndIsIdempotent(t *testing.T) {
	d := newDevice()
	ctx := context.Background()
	a := d.coordinator(t, tab("a"))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")

	a.Teardown()
	a.Teardown()

	assert.False(t, a.Status().HeartbeatRunning)
	assert.Equal(t, tab("a"), d.readLease(t).Owner)
	shared, _, err := d.backend.View().Get(ctx, domain.SessionIDKey)
	require.NoError(t, err)
	assert.Equal(t, "s1", shared)
}

func TestCoordinator_TeardownFromForcedSignOutOnTimer(t *testing.T) {
	d := newDevice()
	ctx := context.Background()

	var a *Coordinator
	done := make(chan struct{})
	a = d.coordinator(t, tab("a"), withoutSignals(), withSignOut(signOutFunc(func(context.Context, domain.InconsistencyEvent) {
		a.Teardown()
		close(done)
	})))
	a.Init(ctx)
	a.SetSessionID(ctx, "s1")
	require.NoError(t, d.backend.View().Set(ctx, domain.SessionIDKey, "s2"))

	d.clock.Advance(DefaultTiming().ConsistencyInterval)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("teardown from a timer-driven sign-out did not return")
	}

	assert.False(t, a.Status().HeartbeatRunning)
	a.Teardown()
}
