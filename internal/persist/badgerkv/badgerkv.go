// Package badgerkv is a persist.Backend on an embedded BadgerDB. Watches use
// Badger's native subscription API rather than polling.
package badgerkv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"

	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/pb"
)

var _ persist.Backend = (*Store)(nil)

type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir        string
	InMemory   bool
	SyncWrites bool
	// Logger receives Badger's internal logs; nil silences them.
	Logger *slog.Logger
}

type Store struct {
	db *badger.DB

	mu     sync.Mutex
	closed bool
	cancel context.CancelFunc
	root   context.Context
	wg     sync.WaitGroup
}

// slogAdapter satisfies badger.Logger.
type slogAdapter struct {
	logger *slog.Logger
}

func (l slogAdapter) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l slogAdapter) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l slogAdapter) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l slogAdapter) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Store, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Dir == "" {
			return nil, errors.New("badger directory is required")
		}
		if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
			return nil, fmt.Errorf("create badger directory %s: %w", cfg.Dir, err)
		}
		opts = badger.DefaultOptions(cfg.Dir)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(slogAdapter{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	root, cancel := context.WithCancel(context.Background())
	return &Store{db: db, root: root, cancel: cancel}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes.Clone(value))
	})
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	return nil
}

// Watch subscribes to key. Badger registers the subscription asynchronously,
// so writes racing the call may be missed; callers read once after watching.
func (s *Store) Watch(ctx context.Context, key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %q: %w", key, protocol.ErrClosed)
	}
	subCtx, cancel := context.WithCancel(ctx)
	stopOnClose := context.AfterFunc(s.root, cancel)
	s.wg.Add(1)
	s.mu.Unlock()

	match := []pb.Match{{Prefix: []byte(key)}}
	go func() {
		defer s.wg.Done()
		defer stopOnClose()
		err := s.db.Subscribe(subCtx, func(list *badger.KVList) error {
			for _, kv := range list.Kv {
				if string(kv.Key) != key {
					continue
				}
				fn(bytes.Clone(kv.Value))
			}
			return nil
		}, match)
		if err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("badger subscription ended", "component", "persist-badger", "key", key, "err", err)
		}
	}()
	return cancel, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger database: %w", err)
	}
	return nil
}
