package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/pscheid92/sessionlock/internal/domain"
	goredis "github.com/redis/go-redis/v9"
)

// changeEvent is published on the change channel after every write.
type changeEvent struct {
	Writer string `json:"writer"`
	Key    string `json:"key"`
}

// Store is a domain.KeyValueStore on Redis. Keys live under "<namespace>:".
// Each Store has its own writer id; Watch reports changes made by other
// writers only, mirroring how storage events never fire in the writing
// context.
type Store struct {
	rdb       *goredis.Client
	namespace string
	writerID  string
}

var (
	_ domain.KeyValueStore  = (*Store)(nil)
	_ domain.StorageWatcher = (*Store)(nil)
	_ domain.HealthChecker  = (*Store)(nil)
)

func NewStore(rdb *goredis.Client, namespace string) *Store {
	return &Store{
		rdb:       rdb,
		namespace: namespace,
		writerID:  uuid.NewString(),
	}
}

func (s *Store) key(k string) string {
	return s.namespace + ":" + k
}

func (s *Store) changesChannel() string {
	return s.namespace + ":changes"
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, s.key(key)).Result()
	if errors.Is(err, goredis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	payload, err := s.changePayload(key)
	if err != nil {
		return err
	}

	_, err = s.rdb.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, s.key(key), value, 0)
		pipe.Publish(ctx, s.changesChannel(), payload)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error and publishes nothing.
func (s *Store) Delete(ctx context.Context, key string) error {
	n, err := s.rdb.Del(ctx, s.key(key)).Result()
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	if n == 0 {
		return nil
	}

	payload, err := s.changePayload(key)
	if err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, s.changesChannel(), payload).Err(); err != nil {
		slog.WarnContext(ctx, "Failed to publish change event", "key", key, "error", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Watch subscribes to writes made by other Stores in the same namespace.
func (s *Store) Watch(ctx context.Context, onChange func(domain.StorageEvent)) (func(), error) {
	return subscribe(ctx, s.rdb, s.changesChannel(), func(ctx context.Context, payload string) {
		var ev changeEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			slog.WarnContext(ctx, "Invalid change event", "payload", payload, "error", err)
			return
		}
		if ev.Writer == s.writerID {
			return
		}
		onChange(domain.StorageEvent{Key: ev.Key})
	})
}

func (s *Store) changePayload(key string) (string, error) {
	data, err := json.Marshal(changeEvent{Writer: s.writerID, Key: key})
	if err != nil {
		return "", fmt.Errorf("failed to encode change event: %w", err)
	}
	return string(data), nil
}
