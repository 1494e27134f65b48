package sessionlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/sessionlock/internal/domain"
)

// Snapshot is one read of the shared lease and session id. Unavailable is
// set when either read failed at the store level.
type Snapshot struct {
	Lease       *domain.LeaseRecord
	SessionID   string
	Unavailable bool
}

// SharedState is the protocol's view of the durable store. Reads never fail:
// unavailable storage and malformed records read as absent. Writes publish a
// notice on the broadcast channel when one is configured.
type SharedState struct {
	store     domain.KeyValueStore
	broadcast domain.BroadcastChannel
	clock     clockwork.Clock
	sender    domain.Owner
	recorder  Recorder
}

// NewSharedState creates a SharedState. broadcast may be nil.
func NewSharedState(store domain.KeyValueStore, broadcast domain.BroadcastChannel, clock clockwork.Clock, sender domain.Owner, recorder Recorder) *SharedState {
	if recorder == nil {
		recorder = noopRecorder{}
	}
	return &SharedState{
		store:     store,
		broadcast: broadcast,
		clock:     clock,
		sender:    sender,
		recorder:  recorder,
	}
}

// ReadLease returns the current lease, or nil when it is absent, malformed
// or the store cannot be read.
func (s *SharedState) ReadLease(ctx context.Context) *domain.LeaseRecord {
	rec, _ := s.readLease(ctx)
	return rec
}

func (s *SharedState) readLease(ctx context.Context) (*domain.LeaseRecord, error) {
	raw, ok, err := s.store.Get(ctx, domain.LeaseKey)
	if err != nil {
		s.recorder.StoreError(OpReadLease)
		slog.WarnContext(ctx, "Lease read failed, treating as absent", "error", err)
		return nil, err
	}
	if !ok || raw == "" {
		return nil, nil
	}

	rec, err := domain.DecodeLease(raw)
	if err != nil {
		s.recorder.StoreError(OpDecodeLease)
		slog.WarnContext(ctx, "Malformed lease record, treating as absent", "error", err)
		return nil, nil
	}
	return &rec, nil
}

func (s *SharedState) WriteLease(ctx context.Context, rec domain.LeaseRecord) error {
	raw, err := domain.EncodeLease(rec)
	if err != nil {
		return err
	}
	if err := s.store.Set(ctx, domain.LeaseKey, raw); err != nil {
		s.recorder.StoreError(OpWriteLease)
		return fmt.Errorf("write lease: %w", err)
	}
	s.publish(ctx, domain.NoticeLease, &rec)
	return nil
}

func (s *SharedState) DeleteLease(ctx context.Context) error {
	if err := s.store.Delete(ctx, domain.LeaseKey); err != nil {
		s.recorder.StoreError(OpDeleteLease)
		return fmt.Errorf("delete lease: %w", err)
	}
	s.publish(ctx, domain.NoticeLease, nil)
	return nil
}

// ReadSessionID returns the shared session id, or "" when signed out or
// unreadable.
func (s *SharedState) ReadSessionID(ctx context.Context) string {
	id, _ := s.readSessionID(ctx)
	return id
}

func (s *SharedState) readSessionID(ctx context.Context) (string, error) {
	v, ok, err := s.store.Get(ctx, domain.SessionIDKey)
	if err != nil {
		s.recorder.StoreError(OpReadSession)
		slog.WarnContext(ctx, "Session id read failed, treating as absent", "error", err)
		return "", err
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// WriteSessionID records the authoritative session id. An empty id removes
// the key.
func (s *SharedState) WriteSessionID(ctx context.Context, id string) error {
	var err error
	if id == "" {
		err = s.store.Delete(ctx, domain.SessionIDKey)
	} else {
		err = s.store.Set(ctx, domain.SessionIDKey, id)
	}
	if err != nil {
		s.recorder.StoreError(OpWriteSession)
		return fmt.Errorf("write session id: %w", err)
	}
	s.publish(ctx, domain.NoticeSession, nil)
	return nil
}

func (s *SharedState) Snapshot(ctx context.Context) Snapshot {
	lease, leaseErr := s.readLease(ctx)
	sessionID, sessionErr := s.readSessionID(ctx)
	return Snapshot{
		Lease:       lease,
		SessionID:   sessionID,
		Unavailable: leaseErr != nil || sessionErr != nil,
	}
}

func (s *SharedState) publish(ctx context.Context, kind domain.NoticeKind, lease *domain.LeaseRecord) {
	if s.broadcast == nil {
		return
	}

	notice := domain.LeaseNotice{
		ID:     uuid.NewString(),
		Kind:   kind,
		Sender: s.sender,
		Lease:  lease,
		SentAt: s.clock.Now().UnixMilli(),
	}
	if err := s.broadcast.Publish(ctx, notice); err != nil {
		if !errors.Is(err, domain.ErrBroadcastUnsupported) {
			s.recorder.StoreError(OpPublishNotice)
			slog.DebugContext(ctx, "Broadcast publish failed", "kind", kind, "error", err)
		}
		return
	}
	s.recorder.NoticeSent(kind)
}
