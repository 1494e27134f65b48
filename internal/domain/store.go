package domain

import "context"

// KeyValueStore is a durable or tab-scoped key-value store shared by every
// execution context of one origin. Writes are last-write-wins; no operation
// is atomic across contexts.
type KeyValueStore interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
}

// StorageEvent reports that another context changed the store. Key is empty
// when the backend cannot tell which key changed.
type StorageEvent struct {
	Key string
}

// StorageWatcher delivers change notifications for writes made by other
// contexts. Delivery is asynchronous and best-effort.
type StorageWatcher interface {
	// Watch returns ErrWatchUnsupported when the backend has no change feed.
	Watch(ctx context.Context, onChange func(StorageEvent)) (stop func(), err error)
}

// HealthChecker is implemented by stores that can report reachability.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
