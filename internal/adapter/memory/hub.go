package memory

import (
	"context"
	"sync"

	"github.com/pscheid92/sessionlock/internal/domain"
)

// Hub is an in-process broadcast medium shared by Channels.
type Hub struct {
	mu       sync.Mutex
	subs     map[uint64]*subscription
	nextChan uint64
	nextSub  uint64
}

type subscription struct {
	channel uint64
	l       *listener[domain.LeaseNotice]
}

func NewHub() *Hub {
	return &Hub{subs: make(map[uint64]*subscription)}
}

// Channel returns one context's endpoint on the hub.
func (h *Hub) Channel() *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextChan++
	return &Channel{hub: h, id: h.nextChan}
}

// Channel delivers notices to every other Channel of the same Hub.
type Channel struct {
	hub *Hub
	id  uint64
}

var _ domain.BroadcastChannel = (*Channel)(nil)

func (c *Channel) Publish(_ context.Context, notice domain.LeaseNotice) error {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs {
		if s.channel == c.id {
			continue
		}
		s.l.offer(notice)
	}
	return nil
}

func (c *Channel) Subscribe(ctx context.Context, onNotice func(domain.LeaseNotice)) (func(), error) {
	h := c.hub
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextSub++
	id := h.nextSub
	s := &subscription{channel: c.id, l: newListener(ctx, onNotice)}
	h.subs[id] = s

	return func() {
		h.mu.Lock()
		delete(h.subs, id)
		h.mu.Unlock()
		s.l.stop()
	}, nil
}
