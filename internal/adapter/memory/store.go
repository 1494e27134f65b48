package memory

import (
	"context"
	"sync"

	"github.com/pscheid92/sessionlock/internal/domain"
)

// Backend holds the data shared by all Views.
type Backend struct {
	mu          sync.Mutex
	data        map[string]string
	watchers    map[uint64]*watcher
	nextView    uint64
	nextWatch   uint64
	unavailable error
}

type watcher struct {
	view uint64
	l    *listener[domain.StorageEvent]
}

func NewBackend() *Backend {
	return &Backend{
		data:     make(map[string]string),
		watchers: make(map[uint64]*watcher),
	}
}

// View returns a handle for one execution context.
func (b *Backend) View() *Store {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextView++
	return &Store{backend: b, view: b.nextView}
}

// SetUnavailable makes every operation fail with err; nil restores service.
func (b *Backend) SetUnavailable(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unavailable = err
}

// Store is one context's view of a Backend.
type Store struct {
	backend *Backend
	view    uint64
}

var (
	_ domain.KeyValueStore  = (*Store)(nil)
	_ domain.StorageWatcher = (*Store)(nil)
	_ domain.HealthChecker  = (*Store)(nil)
)

// NewStore returns a View of a fresh, private Backend. Used as a tab-scoped store.
func NewStore() *Store {
	return NewBackend().View()
}

func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != nil {
		return "", false, b.unavailable
	}
	v, ok := b.data[key]
	return v, ok, nil
}

func (s *Store) Set(_ context.Context, key, value string) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != nil {
		return b.unavailable
	}
	b.data[key] = value
	b.notifyLocked(s.view, key)
	return nil
}

func (s *Store) Delete(_ context.Context, key string) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != nil {
		return b.unavailable
	}
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	b.notifyLocked(s.view, key)
	return nil
}

func (s *Store) Ping(_ context.Context) error {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unavailable
}

// Watch reports writes made through other Views of the same Backend.
func (s *Store) Watch(ctx context.Context, onChange func(domain.StorageEvent)) (func(), error) {
	b := s.backend
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.unavailable != nil {
		return nil, b.unavailable
	}

	b.nextWatch++
	id := b.nextWatch
	w := &watcher{view: s.view, l: newListener(ctx, onChange)}
	b.watchers[id] = w

	return func() {
		b.mu.Lock()
		delete(b.watchers, id)
		b.mu.Unlock()
		w.l.stop()
	}, nil
}

func (b *Backend) notifyLocked(writer uint64, key string) {
	for _, w := range b.watchers {
		if w.view == writer {
			continue
		}
		w.l.offer(domain.StorageEvent{Key: key})
	}
}
