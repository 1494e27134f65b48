package sessionlock

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/pscheid92/sessionlock/internal/platform/correlation"
)

// Deps are the collaborators of a Coordinator. Store and Self are required.
// Watcher defaults to Store when it implements domain.StorageWatcher.
type Deps struct {
	Store      domain.KeyValueStore
	Watcher    domain.StorageWatcher
	Broadcast  domain.BroadcastChannel
	Self       domain.Owner
	Navigation domain.NavigationDetector
	Clock      clockwork.Clock
	Recorder   Recorder
	SignOut    domain.SignOutRequester
}

type Options struct {
	Timing Timing
	Hidden bool
}

// Status is a point-in-time view of a Coordinator.
type Status struct {
	State            domain.LeaseState   `json:"state"`
	ForeignActive    bool                `json:"foreign_active"`
	SessionActive    bool                `json:"session_active"`
	Visible          bool                `json:"visible"`
	HeartbeatRunning bool                `json:"heartbeat_running"`
	HeartbeatPeriod  time.Duration       `json:"heartbeat_period"`
	TTL              time.Duration       `json:"ttl"`
	Self             domain.Owner        `json:"self"`
	Lease            *domain.LeaseRecord `json:"lease,omitempty"`
}

type divergence struct {
	local  string
	shared string
}

// Coordinator is the per-context lifecycle around LeaseManager and Evaluate.
// All protocol steps run under one mutex; listeners are invoked after it is
// released, so they may call back into the Coordinator.
type Coordinator struct {
	deps   Deps
	timing Timing
	clock  clockwork.Clock
	shared *SharedState
	lease  *LeaseManager

	mu        sync.Mutex
	running   bool
	local     string
	foreign   bool
	paused    bool
	diverged  *divergence
	hbStop    chan struct{}
	hbGen     uint64
	unbind    []func()
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	inflight  atomic.Int32
	pendingFA []bool
	pendingIC []domain.InconsistencyEvent

	lmu           sync.Mutex
	nextListener  uint64
	foreignSubs   map[uint64]func(bool)
	inconsistSubs map[uint64]func(domain.InconsistencyEvent)
}

func New(deps Deps, opts Options) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	if deps.Recorder == nil {
		deps.Recorder = noopRecorder{}
	}
	if deps.Navigation == nil {
		deps.Navigation = domain.StaticNavigation(domain.NavigationUnknown)
	}
	if deps.Watcher == nil {
		if w, ok := deps.Store.(domain.StorageWatcher); ok {
			deps.Watcher = w
		}
	}

	timing := opts.Timing.withDefaults()
	shared := NewSharedState(deps.Store, deps.Broadcast, deps.Clock, deps.Self, deps.Recorder)
	lease := NewLeaseManager(shared, deps.Self, deps.Clock, timing, deps.Navigation.NavigationType(), deps.Recorder)
	lease.SetVisible(!opts.Hidden)

	return &Coordinator{
		deps:          deps,
		timing:        timing,
		clock:         deps.Clock,
		shared:        shared,
		lease:         lease,
		foreignSubs:   make(map[uint64]func(bool)),
		inconsistSubs: make(map[uint64]func(domain.InconsistencyEvent)),
	}
}

// Init binds the storage watcher and broadcast listener, evaluates the lease
// and the consistency table once, and starts both timers. Calling Init on a
// running Coordinator is a no-op.
func (c *Coordinator) Init(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		if c.running {
			return
		}
		c.running = true
		c.paused = false
		c.ctx, c.cancel = context.WithCancel(context.WithoutCancel(ctx))

		c.bindLocked(ctx)
		c.acquireLocked(ctx)
		c.checkLocked(ctx)
		c.startHeartbeatLocked()
		c.startConsistencyLoopLocked()

		slog.InfoContext(ctx, "Session lock initialized",
			"device_id", c.deps.Self.DeviceID,
			"tab_id", c.deps.Self.TabID,
			"navigation", c.deps.Navigation.NavigationType(),
			"state", c.lease.State())
	})
}

// Teardown unbinds all listeners and stops all timers. The shared store is
// left untouched. It is idempotent. Called from a listener or sign-out
// handler running on a timer or watcher goroutine, it cancels immediately
// and waits for those goroutines in the background.
func (c *Coordinator) Teardown() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	c.stopHeartbeatLocked()
	unbind := c.unbind
	c.unbind = nil
	c.cancel()
	c.mu.Unlock()

	if c.inflight.Load() > 0 {
		go c.finishTeardown(unbind)
		return
	}
	c.finishTeardown(unbind)
}

func (c *Coordinator) finishTeardown(unbind []func()) {
	for _, stop := range unbind {
		stop()
	}
	c.wg.Wait()
	slog.Info("Session lock torn down", "tab_id", c.deps.Self.TabID)
}

// SetSessionID records a session established by this context. An empty id
// is the same as ClearSessionID.
func (c *Coordinator) SetSessionID(ctx context.Context, id string) {
	if id == "" {
		c.ClearSessionID(ctx)
		return
	}
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		c.local = id
		c.diverged = nil
		if err := c.shared.WriteSessionID(ctx, id); err != nil {
			slog.WarnContext(ctx, "Failed to record shared session id", "error", err)
		}
		c.acquireLocked(ctx)
		c.restartHeartbeatLocked()
	})
}

// ClearSessionID signs this context out everywhere: the shared session id is
// removed and the lease released if this context owns it.
func (c *Coordinator) ClearSessionID(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		c.local = ""
		c.diverged = nil
		if err := c.shared.WriteSessionID(ctx, ""); err != nil {
			slog.WarnContext(ctx, "Failed to clear shared session id", "error", err)
		}
		c.lease.Release(ctx)
		c.setForeignLocked(false)
	})
}

// ResetLocalSession drops the local session after a forced sign-out. Unlike
// ClearSessionID it leaves the shared session id alone, since that now
// belongs to another context.
func (c *Coordinator) ResetLocalSession(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		if c.local == "" {
			return
		}
		c.local = ""
		c.lease.Release(ctx)
		c.setForeignLocked(false)
		slog.InfoContext(ctx, "Local session reset", "tab_id", c.deps.Self.TabID)
	})
}

func (c *Coordinator) IsForeignActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foreign
}

// CheckConsistencyNow runs the consistency check immediately and returns the
// resulting foreign-active flag.
func (c *Coordinator) CheckConsistencyNow(ctx context.Context) bool {
	ctx = correlation.Ensure(ctx)
	var foreign bool
	c.run(ctx, func(ctx context.Context) {
		c.checkLocked(ctx)
		foreign = c.foreign
	})
	return foreign
}

// OnForeignActive registers cb for foreign-active changes and returns a
// function that unregisters it.
func (c *Coordinator) OnForeignActive(cb func(active bool)) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.foreignSubs[id] = cb
	return c.unsubscribe(func() { delete(c.foreignSubs, id) })
}

// OnInconsistency registers cb for inconsistency events and returns a
// function that unregisters it.
func (c *Coordinator) OnInconsistency(cb func(domain.InconsistencyEvent)) func() {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	c.nextListener++
	id := c.nextListener
	c.inconsistSubs[id] = cb
	return c.unsubscribe(func() { delete(c.inconsistSubs, id) })
}

func (c *Coordinator) unsubscribe(remove func()) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.lmu.Lock()
			remove()
			c.lmu.Unlock()
		})
	}
}

// SetVisible switches the lease periods and restarts the heartbeat.
func (c *Coordinator) SetVisible(ctx context.Context, visible bool) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		c.lease.SetVisible(visible)
		c.paused = false
		c.restartHeartbeatLocked()
		slog.DebugContext(ctx, "Visibility changed", "visible", visible, "heartbeat", c.lease.HeartbeatPeriod())
	})
}

// PageHide stops the heartbeat. The consistency timer keeps running.
func (c *Coordinator) PageHide(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		c.paused = true
		c.stopHeartbeatLocked()
	})
}

// PageShow re-evaluates the lease, restarts the heartbeat and runs a check.
// Timers may have been frozen while hidden, so nothing cached is trusted.
func (c *Coordinator) PageShow(ctx context.Context) {
	ctx = correlation.Ensure(ctx)
	c.run(ctx, func(ctx context.Context) {
		c.paused = false
		c.acquireLocked(ctx)
		c.restartHeartbeatLocked()
		c.checkLocked(ctx)
	})
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:            c.lease.State(),
		ForeignActive:    c.foreign,
		SessionActive:    c.local != "",
		Visible:          c.lease.Visible(),
		HeartbeatRunning: c.hbStop != nil,
		HeartbeatPeriod:  c.lease.HeartbeatPeriod(),
		TTL:              c.lease.TTL(),
		Self:             c.deps.Self,
		Lease:            c.lease.LastLease(),
	}
}

// runInBackground is run for steps triggered on a timer or watcher goroutine.
func (c *Coordinator) runInBackground(ctx context.Context, fn func(ctx context.Context)) {
	c.inflight.Add(1)
	defer c.inflight.Add(-1)
	c.run(ctx, fn)
}

// run executes fn under the mutex and dispatches the events it queued.
func (c *Coordinator) run(ctx context.Context, fn func(ctx context.Context)) {
	c.mu.Lock()
	fn(ctx)
	foreign, inconsistencies := c.pendingFA, c.pendingIC
	c.pendingFA, c.pendingIC = nil, nil
	c.mu.Unlock()

	c.dispatch(ctx, foreign, inconsistencies)
}

func (c *Coordinator) dispatch(ctx context.Context, foreign []bool, inconsistencies []domain.InconsistencyEvent) {
	if len(foreign) == 0 && len(inconsistencies) == 0 {
		return
	}

	c.lmu.Lock()
	foreignSubs := make([]func(bool), 0, len(c.foreignSubs))
	for _, cb := range c.foreignSubs {
		foreignSubs = append(foreignSubs, cb)
	}
	inconsistSubs := make([]func(domain.InconsistencyEvent), 0, len(c.inconsistSubs))
	for _, cb := range c.inconsistSubs {
		inconsistSubs = append(inconsistSubs, cb)
	}
	c.lmu.Unlock()

	for _, active := range foreign {
		for _, cb := range foreignSubs {
			cb(active)
		}
	}
	for _, ev := range inconsistencies {
		for _, cb := range inconsistSubs {
			cb(ev)
		}
		if c.deps.SignOut != nil {
			c.deps.SignOut.RequestForcedSignOut(ctx, ev)
		}
	}
}

func (c *Coordinator) acquireLocked(ctx context.Context) {
	state := c.lease.AcquireOrTakeover(ctx, c.local)
	c.setForeignLocked(state == domain.StateForeign)
}

func (c *Coordinator) checkLocked(ctx context.Context) {
	snap := c.shared.Snapshot(ctx)
	d := Evaluate(c.local, snap, c.deps.Self, c.clock.Now(), c.lease.TTL())
	c.deps.Recorder.ConsistencyChecked(d.Action)

	if d.Action != ActionSignOut && d.Action != ActionDegraded {
		c.diverged = nil
	}

	switch d.Action {
	case ActionClearLease:
		if snap.Lease != nil {
			if err := c.shared.DeleteLease(ctx); err != nil {
				slog.WarnContext(ctx, "Failed to delete abandoned lease", "error", err)
			}
		}
		c.lease.Observe(nil)
		c.setForeignLocked(false)

	case ActionObserve:
		c.lease.Observe(snap.Lease)
		c.setForeignLocked(d.ForeignActive)

	case ActionSignOut:
		c.raiseInconsistencyLocked(ctx, *d.Inconsistency)

	case ActionAcquire:
		c.acquireLocked(ctx)
		c.restartHeartbeatLocked()

	case ActionDegraded:
		c.lease.Observe(nil)
		c.setForeignLocked(false)
	}
}

// raiseInconsistencyLocked queues ev unless the same divergence was already
// reported.
func (c *Coordinator) raiseInconsistencyLocked(ctx context.Context, ev domain.InconsistencyEvent) {
	d := divergence{local: ev.LocalSessionID, shared: ev.SharedSessionID}
	if c.diverged != nil && *c.diverged == d {
		return
	}
	c.diverged = &d

	slog.WarnContext(ctx, "Session inconsistency detected", "reason", ev.Reason, "tab_id", c.deps.Self.TabID)
	c.deps.Recorder.InconsistencyDetected(ev.Reason)
	c.pendingIC = append(c.pendingIC, ev)
}

func (c *Coordinator) setForeignLocked(active bool) {
	if c.foreign == active {
		return
	}
	c.foreign = active
	c.deps.Recorder.ForeignActiveChanged(active)
	c.pendingFA = append(c.pendingFA, active)
}

func (c *Coordinator) bindLocked(ctx context.Context) {
	if c.deps.Watcher != nil {
		stop, err := c.deps.Watcher.Watch(c.ctx, c.onStorageEvent)
		switch {
		case err == nil:
			c.unbind = append(c.unbind, stop)
		case errors.Is(err, domain.ErrWatchUnsupported):
			slog.DebugContext(ctx, "Storage change notifications unsupported")
		default:
			slog.WarnContext(ctx, "Storage watcher unavailable, relying on periodic checks", "error", err)
		}
	}

	if c.deps.Broadcast != nil {
		stop, err := c.deps.Broadcast.Subscribe(c.ctx, c.onNotice)
		switch {
		case err == nil:
			c.unbind = append(c.unbind, stop)
		case errors.Is(err, domain.ErrBroadcastUnsupported):
			slog.DebugContext(ctx, "Broadcast channel unsupported")
		default:
			slog.WarnContext(ctx, "Broadcast channel unavailable, relying on storage events", "error", err)
		}
	}
}

func (c *Coordinator) onStorageEvent(ev domain.StorageEvent) {
	if ev.Key != domain.LeaseKey && ev.Key != domain.SessionIDKey {
		return
	}
	c.signal(func(ctx context.Context) {
		slog.DebugContext(ctx, "Storage changed", "key", ev.Key)
	})
}

func (c *Coordinator) onNotice(n domain.LeaseNotice) {
	if n.Sender == c.deps.Self {
		return
	}
	c.deps.Recorder.NoticeReceived(n.Kind)
	c.signal(func(ctx context.Context) {
		slog.DebugContext(ctx, "Notice received", "kind", n.Kind, "sender", n.Sender.String())
	})
}

// signal runs a consistency check for an external change notification.
func (c *Coordinator) signal(logf func(ctx context.Context)) {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	ctx := correlation.WithID(c.ctx, correlation.NewID())
	c.mu.Unlock()

	c.runInBackground(ctx, func(ctx context.Context) {
		if !c.running {
			return
		}
		logf(ctx)
		c.checkLocked(ctx)
	})
}

func (c *Coordinator) restartHeartbeatLocked() {
	if !c.running || c.paused {
		return
	}
	c.startHeartbeatLocked()
}

func (c *Coordinator) startHeartbeatLocked() {
	c.stopHeartbeatLocked()

	c.hbGen++
	gen := c.hbGen
	stop := make(chan struct{})
	c.hbStop = stop
	ticker := c.clock.NewTicker(c.lease.HeartbeatPeriod())
	ctx := c.ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.heartbeat(gen)
			}
		}
	}()
}

func (c *Coordinator) stopHeartbeatLocked() {
	if c.hbStop == nil {
		return
	}
	close(c.hbStop)
	c.hbStop = nil
}

func (c *Coordinator) heartbeat(gen uint64) {
	c.mu.Lock()
	if !c.running || gen != c.hbGen || c.hbStop == nil {
		c.mu.Unlock()
		return
	}
	ctx := correlation.WithID(c.ctx, correlation.NewID())
	c.mu.Unlock()

	c.runInBackground(ctx, func(ctx context.Context) {
		if !c.running || gen != c.hbGen || c.hbStop == nil {
			return
		}
		c.acquireLocked(ctx)
	})
}

func (c *Coordinator) startConsistencyLoopLocked() {
	ticker := c.clock.NewTicker(c.timing.ConsistencyInterval)
	ctx := c.ctx

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.signal(func(ctx context.Context) {
					slog.DebugContext(ctx, "Periodic consistency check")
				})
			}
		}
	}()
}
