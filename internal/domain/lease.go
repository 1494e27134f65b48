package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Persisted state layout. Adapters may prefix these with a namespace.
const (
	DeviceIDKey  = "device-id"
	LeaseKey     = "lease"
	SessionIDKey = "session-id"
	TabIDKey     = "tab-id"
)

// Owner identifies one execution context on one device.
type Owner struct {
	DeviceID string `json:"deviceId"`
	TabID    string `json:"tabId"`
}

func (o Owner) String() string {
	return o.DeviceID + "/" + o.TabID
}

// LeaseRecord names the context that currently acts as the active session
// owner. It is always written whole; there is no partial update.
type LeaseRecord struct {
	Owner     Owner  `json:"owner"`
	Heartbeat int64  `json:"heartbeat"` // epoch milliseconds
	SessionID string `json:"sessionId"`
}

// HeartbeatTime returns the last heartbeat as a time.Time.
func (r LeaseRecord) HeartbeatTime() time.Time {
	return time.UnixMilli(r.Heartbeat)
}

// IsStale reports whether the heartbeat is older than ttl at now.
// A heartbeat from the future (clock skew between contexts) is fresh.
func (r LeaseRecord) IsStale(now time.Time, ttl time.Duration) bool {
	return now.Sub(r.HeartbeatTime()) > ttl
}

// OwnedBy reports whether the lease belongs to exactly this device and tab.
func (r LeaseRecord) OwnedBy(o Owner) bool {
	return r.Owner == o
}

// EncodeLease serializes a lease record for the durable store.
func EncodeLease(r LeaseRecord) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", fmt.Errorf("encode lease: %w", err)
	}
	return string(data), nil
}

// DecodeLease parses a stored lease record. Records without an owner are
// rejected as malformed.
func DecodeLease(raw string) (LeaseRecord, error) {
	var r LeaseRecord
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return LeaseRecord{}, fmt.Errorf("%w: %v", ErrMalformedLease, err)
	}
	if r.Owner.DeviceID == "" || r.Owner.TabID == "" {
		return LeaseRecord{}, fmt.Errorf("%w: missing owner", ErrMalformedLease)
	}
	return r, nil
}

// LeaseState is a context's view of lease ownership.
type LeaseState int

const (
	StateUnowned LeaseState = iota
	StateOwner
	StateForeign
)

func (s LeaseState) String() string {
	switch s {
	case StateUnowned:
		return "unowned"
	case StateOwner:
		return "owner"
	case StateForeign:
		return "foreign"
	default:
		return "unknown"
	}
}

func (s LeaseState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
