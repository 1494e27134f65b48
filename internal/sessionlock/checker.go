package sessionlock

import (
	"time"

	"github.com/pscheid92/sessionlock/internal/domain"
)

// Action is what the consistency check asks the Coordinator to do.
type Action int

const (
	// ActionClearLease: nobody is signed in and the lease is absent or
	// stale. Delete it and clear the foreign flag.
	ActionClearLease Action = iota
	// ActionObserve: set the foreign flag from the lease, touch nothing.
	ActionObserve
	// ActionSignOut: the local session was cleared or replaced elsewhere.
	ActionSignOut
	// ActionAcquire: sessions agree but the lease is absent or stale.
	ActionAcquire
	// ActionDegraded: the store could not be read. Nothing is concluded
	// from a failed read; the context acts as a single unowned context.
	ActionDegraded
)

func (a Action) String() string {
	switch a {
	case ActionClearLease:
		return "clear_lease"
	case ActionObserve:
		return "observe"
	case ActionSignOut:
		return "sign_out"
	case ActionAcquire:
		return "acquire"
	case ActionDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// Decision is the outcome of one consistency evaluation. ForeignActive is
// meaningful for ActionClearLease and ActionObserve; Inconsistency is set
// only for ActionSignOut.
type Decision struct {
	Action        Action
	ForeignActive bool
	Inconsistency *domain.InconsistencyEvent
}

// Evaluate applies the consistency table to one snapshot. It is pure.
func Evaluate(local string, snap Snapshot, self domain.Owner, now time.Time, ttl time.Duration) Decision {
	if snap.Unavailable {
		return Decision{Action: ActionDegraded}
	}

	shared := snap.SessionID
	lease := snap.Lease
	live := lease != nil && !lease.IsStale(now, ttl)
	foreign := live && !lease.OwnedBy(self)

	switch {
	case local == "" && shared == "":
		if !live {
			return Decision{Action: ActionClearLease}
		}
		return Decision{Action: ActionObserve, ForeignActive: foreign}

	case local == "":
		return Decision{Action: ActionObserve, ForeignActive: foreign}

	case shared == "":
		return Decision{Action: ActionSignOut, Inconsistency: &domain.InconsistencyEvent{
			Reason:         domain.ReasonSessionCleared,
			LocalSessionID: local,
		}}

	case local != shared:
		return Decision{Action: ActionSignOut, Inconsistency: &domain.InconsistencyEvent{
			Reason:          domain.ReasonSessionReplaced,
			LocalSessionID:  local,
			SharedSessionID: shared,
		}}

	case !live:
		return Decision{Action: ActionAcquire}

	default:
		return Decision{Action: ActionObserve, ForeignActive: foreign}
	}
}
