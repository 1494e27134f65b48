package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pscheid92/sessionlock/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// Broadcast is a domain.BroadcastChannel on Redis pub/sub. Publishers also
// receive their own notices; the Coordinator drops those by sender.
type Broadcast struct {
	rdb     *goredis.Client
	channel string
}

var _ domain.BroadcastChannel = (*Broadcast)(nil)

func NewBroadcast(rdb *goredis.Client, namespace string) *Broadcast {
	return &Broadcast{rdb: rdb, channel: namespace + ":notices"}
}

func (b *Broadcast) Publish(ctx context.Context, notice domain.LeaseNotice) error {
	data, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("failed to encode notice: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish notice: %w", err)
	}
	return nil
}

func (b *Broadcast) Subscribe(ctx context.Context, onNotice func(domain.LeaseNotice)) (func(), error) {
	return subscribe(ctx, b.rdb, b.channel, func(ctx context.Context, payload string) {
		var n domain.LeaseNotice
		if err := json.Unmarshal([]byte(payload), &n); err != nil {
			slog.WarnContext(ctx, "Invalid lease notice", "error", err)
			return
		}
		onNotice(n)
	})
}
