// Package sqlite is the default persist.Backend: a single kv table in a
// SQLite database. Every write bumps a revision column; watchers poll it,
// which also surfaces writes made by other processes sharing the file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"

	_ "modernc.org/sqlite"
)

// defaultPollInterval balances watch latency against idle query load.
const defaultPollInterval = 250 * time.Millisecond

var _ persist.Backend = (*Store)(nil)

type Store struct {
	db           *sql.DB
	pollInterval time.Duration

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

type Option func(*Store)

// WithPollInterval overrides how often watchers check for new revisions.
func WithPollInterval(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

func Open(path string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db journal mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set state db busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	revision INTEGER NOT NULL DEFAULT 1,
	updated_at TEXT NOT NULL
)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize kv schema: %w", err)
	}

	s := &Store{db: db, pollInterval: defaultPollInterval, done: make(chan struct{})}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, _, ok, err := s.get(ctx, key)
	return value, ok, err
}

func (s *Store) get(ctx context.Context, key string) ([]byte, int64, bool, error) {
	var value []byte
	var revision int64
	err := s.db.QueryRowContext(ctx, `SELECT value, revision FROM kv WHERE key = ?`, key).Scan(&value, &revision)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, 0, false, nil
		}
		return nil, 0, false, fmt.Errorf("query kv %q: %w", key, err)
	}
	return value, revision, true, nil
}

func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, revision, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(key) DO UPDATE SET
		 value = excluded.value,
		 revision = kv.revision + 1,
		 updated_at = excluded.updated_at`,
		key,
		value,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("save kv %q: %w", key, err)
	}
	return nil
}

// Watch polls key's revision and calls fn for every change observed after
// the call. Intermediate revisions between two polls are coalesced.
func (s *Store) Watch(ctx context.Context, key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %q: %w", key, protocol.ErrClosed)
	}
	_, lastRev, _, err := s.get(ctx, key)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.pollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.C:
			}
			value, rev, ok, err := s.get(ctx, key)
			if err != nil {
				if ctx.Err() == nil {
					slog.Debug("kv watch poll failed", "component", "persist-sqlite", "key", key, "err", err)
				}
				continue
			}
			if !ok || rev == lastRev {
				continue
			}
			lastRev = rev
			fn(value)
		}
	}()
	return cancel, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return s.db.Close()
}
