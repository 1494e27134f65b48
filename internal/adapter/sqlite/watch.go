package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pscheid92/sessionlock/internal/domain"
)

type change struct {
	seq    int64
	key    string
	writer string
}

// Watch reports changes made by other writers after the call. It uses
// fsnotify on the database directory and polls as a fallback.
func (s *Store) Watch(ctx context.Context, onChange func(domain.StorageEvent)) (func(), error) {
	last, err := s.lastSeq(ctx)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	events := s.notifications(ctx)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-events:
			case <-ticker.C:
			}
			last = s.dispatch(ctx, last, onChange)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}, nil
}

// notifications returns a channel that fires on writes to the database or
// its WAL. It returns nil when fsnotify is unavailable, leaving only polling.
func (s *Store) notifications(ctx context.Context) <-chan struct{} {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		slog.WarnContext(ctx, "fsnotify unavailable, falling back to polling", "error", err)
		return nil
	}

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		slog.WarnContext(ctx, "fsnotify add failed, falling back to polling", "dir", dir, "error", err)
		return nil
	}

	base := filepath.Base(s.path)
	out := make(chan struct{}, 1)
	go func() {
		defer func() { _ = watcher.Close() }()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !strings.HasPrefix(filepath.Base(ev.Name), base) || !ev.Has(fsnotify.Write) {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.DebugContext(ctx, "fsnotify error", "error", err)
			}
		}
	}()
	return out
}

func (s *Store) dispatch(ctx context.Context, after int64, onChange func(domain.StorageEvent)) int64 {
	changes, err := s.changesSince(ctx, after)
	if err != nil {
		if ctx.Err() == nil {
			slog.WarnContext(ctx, "Failed to read change log", "error", err)
		}
		return after
	}

	for _, c := range changes {
		after = c.seq
		if c.writer == s.writerID {
			continue
		}
		onChange(domain.StorageEvent{Key: c.key})
	}
	return after
}

func (s *Store) lastSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.db.QueryRowContext(ctx, "SELECT COALESCE(MAX(seq), 0) FROM changes").Scan(&seq); err != nil {
		return 0, fmt.Errorf("read change log: %w", err)
	}
	return seq, nil
}

func (s *Store) changesSince(ctx context.Context, after int64) ([]change, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT seq, key, writer FROM changes WHERE seq > ? ORDER BY seq", after)
	if err != nil {
		return nil, fmt.Errorf("read change log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []change
	for rows.Next() {
		var c change
		if err := rows.Scan(&c.seq, &c.key, &c.writer); err != nil {
			return nil, fmt.Errorf("scan change: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
