package sessionlock

import (
	"testing"
	"time"

	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestEvaluate(t *testing.T) {
	ttl := 3 * time.Second
	self := tab("self")
	other := tab("other")

	fresh := func(o domain.Owner) *domain.LeaseRecord {
		return &domain.LeaseRecord{Owner: o, Heartbeat: epoch.Add(-time.Second).UnixMilli(), SessionID: "s1"}
	}
	stale := func(o domain.Owner) *domain.LeaseRecord {
		return &domain.LeaseRecord{Owner: o, Heartbeat: epoch.Add(-10 * time.Second).UnixMilli(), SessionID: "s1"}
	}

	tests := []struct {
		name  string
		local string
		snap  Snapshot
		want  Decision
	}{
		{
			name: "signed out everywhere, no lease",
			want: Decision{Action: ActionClearLease},
		},
		{
			name: "signed out everywhere, stale lease",
			snap: Snapshot{Lease: stale(other)},
			want: Decision{Action: ActionClearLease},
		},
		{
			name: "signed out everywhere, fresh foreign lease",
			snap: Snapshot{Lease: fresh(other)},
			want: Decision{Action: ActionObserve, ForeignActive: true},
		},
		{
			name: "signed out everywhere, fresh own lease",
			snap: Snapshot{Lease: fresh(self)},
			want: Decision{Action: ActionObserve},
		},
		{
			name: "signed in elsewhere only",
			snap: Snapshot{SessionID: "s1", Lease: fresh(other)},
			want: Decision{Action: ActionObserve, ForeignActive: true},
		},
		{
			name: "signed in elsewhere with stale lease",
			snap: Snapshot{SessionID: "s1", Lease: stale(other)},
			want: Decision{Action: ActionObserve},
		},
		{
			name:  "session cleared elsewhere",
			local: "s1",
			snap:  Snapshot{Lease: fresh(self)},
			want: Decision{Action: ActionSignOut, Inconsistency: &domain.InconsistencyEvent{
				Reason:         domain.ReasonSessionCleared,
				LocalSessionID: "s1",
			}},
		},
		{
			name:  "session replaced elsewhere",
			local: "s1",
			snap:  Snapshot{SessionID: "s2", Lease: fresh(other)},
			want: Decision{Action: ActionSignOut, Inconsistency: &domain.InconsistencyEvent{
				Reason:          domain.ReasonSessionReplaced,
				LocalSessionID:  "s1",
				SharedSessionID: "s2",
			}},
		},
		{
			name:  "sessions agree, lease absent",
			local: "s1",
			snap:  Snapshot{SessionID: "s1"},
			want:  Decision{Action: ActionAcquire},
		},
		{
			name:  "sessions agree, lease stale",
			local: "s1",
			snap:  Snapshot{SessionID: "s1", Lease: stale(other)},
			want:  Decision{Action: ActionAcquire},
		},
		{
			name:  "sessions agree, fresh foreign lease",
			local: "s1",
			snap:  Snapshot{SessionID: "s1", Lease: fresh(other)},
			want:  Decision{Action: ActionObserve, ForeignActive: true},
		},
		{
			name:  "sessions agree, fresh own lease",
			local: "s1",
			snap:  Snapshot{SessionID: "s1", Lease: fresh(self)},
			want:  Decision{Action: ActionObserve},
		},
		{
			name:  "store unreadable",
			local: "s1",
			snap:  Snapshot{Unavailable: true},
			want:  Decision{Action: ActionDegraded},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Evaluate(tt.local, tt.snap, self, epoch, ttl)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAction_String(t *testing.T) {
	assert.Equal(t, "clear_lease", ActionClearLease.String())
	assert.Equal(t, "observe", ActionObserve.String())
	assert.Equal(t, "sign_out", ActionSignOut.String())
	assert.Equal(t, "acquire", ActionAcquire.String())
	assert.Equal(t, "degraded", ActionDegraded.String())
	assert.Equal(t, "unknown", Action(99).String())
}
