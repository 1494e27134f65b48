package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pscheid92/sessionlock/internal/domain"

	// Pure-Go driver, registers "sqlite".
	_ "modernc.org/sqlite"
)

const (
	defaultPollInterval = time.Second
	// changeLogRetention is how many change rows are kept after pruning.
	changeLogRetention = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS changes (
	seq    INTEGER PRIMARY KEY AUTOINCREMENT,
	key    TEXT NOT NULL,
	writer TEXT NOT NULL
);`

// Store is a domain.KeyValueStore on a SQLite database file. Several
// processes may open the same file; each Store is a distinct writer.
type Store struct {
	db           *sql.DB
	path         string
	writerID     string
	pollInterval time.Duration
}

var (
	_ domain.KeyValueStore  = (*Store)(nil)
	_ domain.StorageWatcher = (*Store)(nil)
	_ domain.HealthChecker  = (*Store)(nil)
)

// Open opens or creates the database at path and ensures the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	slog.Info("SQLite store opened", "path", path)
	return &Store{
		db:           db,
		path:         path,
		writerID:     uuid.NewString(),
		pollInterval: defaultPollInterval,
	}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kv WHERE key = ?", key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO kv (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return s.logChange(ctx, tx, key)
	})
}

// Delete removes key. A missing key is not an error and logs no change.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, "DELETE FROM kv WHERE key = ?", key)
		if err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return s.logChange(ctx, tx, key)
	})
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Keys lists all stored keys; used by the operator CLI.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key FROM kv ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (s *Store) logChange(ctx context.Context, tx *sql.Tx, key string) error {
	res, err := tx.ExecContext(ctx, "INSERT INTO changes (key, writer) VALUES (?, ?)", key, s.writerID)
	if err != nil {
		return fmt.Errorf("log change: %w", err)
	}

	// Prune now and then so the log stays small.
	seq, err := res.LastInsertId()
	if err == nil && seq%100 == 0 {
		if _, err := tx.ExecContext(ctx, "DELETE FROM changes WHERE seq <= ?", seq-changeLogRetention); err != nil {
			return fmt.Errorf("prune changes: %w", err)
		}
	}
	return nil
}
