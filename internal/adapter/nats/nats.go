// Package nats carries lease notices over NATS core subjects. Delivery is
// at-most-once, which is all a notice needs: receivers re-read the store.
package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pscheid92/sessionlock/internal/domain"
)

const (
	maxReconnects = -1
	reconnectWait = 2 * time.Second
)

// Connect dials url with unlimited reconnects and logs connection changes.
func Connect(url string) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name("sessionlock"),
		nats.MaxReconnects(maxReconnects),
		nats.ReconnectWait(reconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Error("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("NATS reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("NATS error", "subject", subject, "error", err)
		}),
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	slog.Info("NATS connected", "url", nc.ConnectedUrl())
	return nc, nil
}

// Broadcast is a domain.BroadcastChannel on the subject "<namespace>.notices".
type Broadcast struct {
	nc      *nats.Conn
	subject string
}

var _ domain.BroadcastChannel = (*Broadcast)(nil)

func NewBroadcast(nc *nats.Conn, namespace string) *Broadcast {
	return &Broadcast{nc: nc, subject: Subject(namespace)}
}

// Subject returns the notice subject for namespace.
func Subject(namespace string) string {
	return namespace + ".notices"
}

func (b *Broadcast) Publish(_ context.Context, notice domain.LeaseNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}
	if err := b.nc.Publish(b.subject, data); err != nil {
		return fmt.Errorf("publish notice: %w", err)
	}
	return nil
}

// Subscribe delivers notices until stop is called. The subscription is
// flushed to the server before returning.
func (b *Broadcast) Subscribe(_ context.Context, onNotice func(domain.LeaseNotice)) (func(), error) {
	sub, err := b.nc.Subscribe(b.subject, func(msg *nats.Msg) {
		notice, err := decodeNotice(msg.Data)
		if err != nil {
			slog.Warn("Invalid lease notice", "subject", msg.Subject, "error", err)
			return
		}
		onNotice(notice)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe to %s: %w", b.subject, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			if err := sub.Unsubscribe(); err != nil {
				slog.Debug("NATS unsubscribe failed", "subject", b.subject, "error", err)
			}
		})
	}, nil
}

func decodeNotice(data []byte) (domain.LeaseNotice, error) {
	var n domain.LeaseNotice
	if err := json.Unmarshal(data, &n); err != nil {
		return domain.LeaseNotice{}, err
	}
	if n.Kind == "" || n.Sender.TabID == "" {
		return domain.LeaseNotice{}, errors.New("notice missing kind or sender")
	}
	return n, nil
}
