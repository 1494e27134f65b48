package sessionlock

import "github.com/pscheid92/sessionlock/internal/domain"

// Acquire outcomes reported to the Recorder.
const (
	OutcomeClaimed        = "claimed"
	OutcomeRefreshed      = "refreshed"
	OutcomeReloadTakeover = "reload_takeover"
	OutcomeForeign        = "foreign"
	OutcomeObserved       = "observed"
	OutcomeWriteFailed    = "write_failed"
)

// Store operations reported to Recorder.StoreError.
const (
	OpReadLease     = "read_lease"
	OpWriteLease    = "write_lease"
	OpDeleteLease   = "delete_lease"
	OpReadSession   = "read_session"
	OpWriteSession  = "write_session"
	OpPublishNotice = "publish_notice"
	OpDecodeLease   = "decode_lease"
)

// Recorder receives protocol events for metrics. Implementations must be
// safe for concurrent use and must not call back into the Coordinator.
type Recorder interface {
	AcquireEvaluated(outcome string)
	StateChanged(state domain.LeaseState)
	ConsistencyChecked(action Action)
	InconsistencyDetected(reason domain.InconsistencyReason)
	ForeignActiveChanged(active bool)
	StoreError(op string)
	NoticeSent(kind domain.NoticeKind)
	NoticeReceived(kind domain.NoticeKind)
}

type noopRecorder struct{}

func (noopRecorder) AcquireEvaluated(string) {}
func (noopRecorder) StateChanged(domain.LeaseState) {}
func (noopRecorder) ConsistencyChecked(Action) {}
func (noopRecorder) InconsistencyDetected(domain.InconsistencyReason) {}
func (noopRecorder) ForeignActiveChanged(bool) {}
func (noopRecorder) StoreError(string) {}
func (noopRecorder) NoticeSent(domain.NoticeKind) {}
func (noopRecorder) NoticeReceived(domain.NoticeKind) {}
