package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/sessionlock/internal/adapter/metrics"
	"github.com/pscheid92/sessionlock/internal/domain"
	"github.com/sony/gobreaker"
)

const notifyChannel = "sessionlock_changes"

type changeEvent struct {
	Namespace string `json:"namespace"`
	Key       string `json:"key"`
	Writer    string `json:"writer"`
}

// Store is a domain.KeyValueStore backed by the kv table. Each Store has its
// own writer id and Watch skips notifications that carry it.
type Store struct {
	pool      *pgxpool.Pool
	namespace string
	writerID  string
	cb        *gobreaker.CircuitBreaker
}

var (
	_ domain.KeyValueStore  = (*Store)(nil)
	_ domain.StorageWatcher = (*Store)(nil)
	_ domain.HealthChecker  = (*Store)(nil)
)

// NewStore wraps pool in a circuit breaker. bm may be nil.
func NewStore(pool *pgxpool.Pool, namespace string, bm *metrics.BreakerMetrics) *Store {
	s := &Store{
		pool:      pool,
		namespace: namespace,
		writerID:  uuid.NewString(),
	}
	s.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "postgres",
		MaxRequests: 1,
		Interval:    10 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			bm.Observe(name, to.String(), breakerValue(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, pgx.ErrNoRows) || errors.Is(err, context.Canceled)
		},
	})
	return s
}

func breakerValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}

// BreakerState reports the breaker state for health output.
func (s *Store) BreakerState() string {
	return s.cb.State().String()
}

func (s *Store) execute(fn func() error) error {
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	return err
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.execute(func() error {
		return s.pool.QueryRow(ctx,
			`SELECT value FROM kv WHERE namespace = $1 AND key = $2`,
			s.namespace, key,
		).Scan(&value)
	})
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	payload, err := s.changePayload(key)
	if err != nil {
		return err
	}

	err = s.execute(func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, `
				INSERT INTO kv (namespace, key, value, updated_at)
				VALUES ($1, $2, $3, now())
				ON CONFLICT (namespace, key) DO UPDATE
				SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
				s.namespace, key, value,
			); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// Delete removes key. A missing key is not an error and notifies nobody.
func (s *Store) Delete(ctx context.Context, key string) error {
	payload, err := s.changePayload(key)
	if err != nil {
		return err
	}

	err = s.execute(func() error {
		return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`DELETE FROM kv WHERE namespace = $1 AND key = $2`,
				s.namespace, key,
			)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return nil
			}
			_, err = tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, payload)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.execute(func() error { return s.pool.Ping(ctx) })
}

// Keys lists the keys in this namespace.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM kv WHERE namespace = $1 ORDER BY key`, s.namespace)
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Watch holds a dedicated connection in LISTEN until stop is called.
func (s *Store) Watch(ctx context.Context, onChange func(domain.StorageEvent)) (func(), error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			n, err := conn.Conn().WaitForNotification(watchCtx)
			if err != nil {
				if watchCtx.Err() == nil {
					slog.Error("Listen connection failed", "error", err)
				}
				return
			}

			var ev changeEvent
			if err := json.Unmarshal([]byte(n.Payload), &ev); err != nil {
				slog.Warn("Invalid change notification", "payload", n.Payload, "error", err)
				continue
			}
			if ev.Namespace != s.namespace || ev.Writer == s.writerID {
				continue
			}
			onChange(domain.StorageEvent{Key: ev.Key})
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
			// Interrupted mid-wait, so the connection is closed rather than reused.
			_ = conn.Conn().Close(context.Background())
			conn.Release()
		})
	}, nil
}

func (s *Store) changePayload(key string) (string, error) {
	data, err := json.Marshal(changeEvent{Namespace: s.namespace, Key: key, Writer: s.writerID})
	if err != nil {
		return "", fmt.Errorf("failed to encode change event: %w", err)
	}
	return string(data), nil
}
