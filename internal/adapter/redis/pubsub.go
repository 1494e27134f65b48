package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	goredis "github.com/redis/go-redis/v9"
)

// subscribe listens on channel until stop is called or ctx ends. handle runs
// on a single goroutine, in message order.
func subscribe(ctx context.Context, rdb *goredis.Client, channel string, handle func(ctx context.Context, payload string)) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)
	pubsub := rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so no message published
	// after we return is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s: %w", channel, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer func() { _ = pubsub.Close() }()

		ch := pubsub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok || msg == nil {
					return
				}
				handle(ctx, msg.Payload)
			case <-ctx.Done():
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			slog.Debug("Redis subscription closed", "channel", channel)
		})
	}, nil
}
