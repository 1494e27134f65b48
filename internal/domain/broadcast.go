package domain

import "context"

type NoticeKind string

const (
	NoticeLease   NoticeKind = "lease"
	NoticeSession NoticeKind = "session"
)

// LeaseNotice is published after a context changes the shared state. It is a
// latency optimisation only; receivers re-read the store instead of trusting
// the payload.
type LeaseNotice struct {
	ID     string       `json:"id"`
	Kind   NoticeKind   `json:"kind"`
	Sender Owner        `json:"sender"`
	Lease  *LeaseRecord `json:"lease,omitempty"`
	SentAt int64        `json:"sentAt"`
}

// BroadcastChannel is a same-device, best-effort publish/subscribe channel.
type BroadcastChannel interface {
	Publish(ctx context.Context, notice LeaseNotice) error
	// Subscribe returns ErrBroadcastUnsupported when the transport is absent.
	Subscribe(ctx context.Context, onNotice func(LeaseNotice)) (stop func(), err error)
}
