package domain

import "context"

type InconsistencyReason string

const (
	// ReasonSessionCleared: the shared session id was removed elsewhere.
	ReasonSessionCleared InconsistencyReason = "session_cleared"
	// ReasonSessionReplaced: the shared session id differs from the local one.
	ReasonSessionReplaced InconsistencyReason = "session_replaced"
)

// InconsistencyEvent is emitted when the local session no longer matches the
// globally recorded one. The application must sign this context out.
type InconsistencyEvent struct {
	Reason          InconsistencyReason `json:"reason"`
	LocalSessionID  string              `json:"localSessionId"`
	SharedSessionID string              `json:"sharedSessionId"`
}

// SignOutRequester is the auth collaborator that performs a forced sign-out.
type SignOutRequester interface {
	RequestForcedSignOut(ctx context.Context, ev InconsistencyEvent)
}
