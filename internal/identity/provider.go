package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"sync"

	"github.com/pscheid92/sessionlock/internal/domain"
)

// tokenBytes gives 128 bits of entropy per identifier.
const tokenBytes = 16

// NewToken returns a cryptographically random hex token of 2*tokenBytes chars.
func NewToken() string {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand does not fail on supported platforms; keep the
		// zero-value bytes rather than returning an empty identity.
		slog.Error("Failed to read random bytes for identity", "error", err)
	}
	return hex.EncodeToString(b)
}

// Provider resolves and caches the device and tab identities.
type Provider struct {
	durable domain.KeyValueStore
	tab     domain.KeyValueStore
	newID   func() string

	mu       sync.Mutex
	deviceID string
	tabID    string
	volatile bool
}

// NewProvider creates a Provider. Either store may be nil, in which case the
// corresponding identity is volatile.
func NewProvider(durable, tab domain.KeyValueStore) *Provider {
	return &Provider{durable: durable, tab: tab, newID: NewToken}
}

// DeviceID returns the persisted device identity, creating it on first use.
func (p *Provider) DeviceID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deviceID == "" {
		p.deviceID = p.resolve(ctx, p.durable, domain.DeviceIDKey)
	}
	return p.deviceID
}

// TabID returns the identity of this execution context, creating it on first use.
func (p *Provider) TabID(ctx context.Context) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tabID == "" {
		p.tabID = p.resolve(ctx, p.tab, domain.TabIDKey)
	}
	return p.tabID
}

// Owner returns both identities as a lease owner.
func (p *Provider) Owner(ctx context.Context) domain.Owner {
	return domain.Owner{DeviceID: p.DeviceID(ctx), TabID: p.TabID(ctx)}
}

// Volatile reports whether any identity fell back to memory only.
func (p *Provider) Volatile() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.volatile
}

func (p *Provider) resolve(ctx context.Context, store domain.KeyValueStore, key string) string {
	if store == nil {
		p.volatile = true
		return p.newID()
	}

	existing, ok, err := store.Get(ctx, key)
	if err != nil {
		slog.WarnContext(ctx, "Identity store unavailable, using volatile identity", "key", key, "error", err)
		p.volatile = true
		return p.newID()
	}
	if ok && existing != "" {
		return existing
	}

	created := p.newID()
	if err := store.Set(ctx, key, created); err != nil {
		slog.WarnContext(ctx, "Failed to persist identity, using volatile identity", "key", key, "error", err)
		p.volatile = true
		return created
	}

	// Two contexts creating the device identity at the same moment both
	// write; adopt whichever value the store kept.
	stored, ok, err := store.Get(ctx, key)
	if err == nil && ok && stored != "" {
		return stored
	}
	return created
}
