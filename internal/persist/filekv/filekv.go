// Package filekv is a persist.Backend storing one file per key in a
// directory. Writes go through a temp file and rename so readers never see a
// torn value; watches use fsnotify on the directory, which also picks up
// writes from other processes sharing it.
package filekv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"

	"github.com/fsnotify/fsnotify"
)

var _ persist.Backend = (*Store)(nil)

const fileSuffix = ".json"

type Store struct {
	dir string
	log *slog.Logger

	mu     sync.Mutex
	closed bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, errors.New("filekv directory is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create filekv directory %s: %w", dir, err)
	}
	return &Store{
		dir:  dir,
		log:  slog.With("component", "persist-file", "dir", dir),
		done: make(chan struct{}),
	}, nil
}

// fileName escapes key so that keys containing '/' map to a single file.
func fileName(key string) string {
	return url.PathEscape(key) + fileSuffix
}

func (s *Store) path(key string) string {
	return filepath.Join(s.dir, fileName(key))
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	if s.isClosed() {
		return nil, false, fmt.Errorf("get %q: %w", key, protocol.ErrClosed)
	}
	data, err := os.ReadFile(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get %q: %w", key, err)
	}
	return data, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	if s.isClosed() {
		return fmt.Errorf("set %q: %w", key, protocol.ErrClosed)
	}
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("set %q: create temp file: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		return fmt.Errorf("set %q: write temp file: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("set %q: sync temp file: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("set %q: close temp file: %w", key, err)
	}
	if err := os.Rename(tmpName, s.path(key)); err != nil {
		return fmt.Errorf("set %q: rename: %w", key, err)
	}
	return nil
}

// Watch reports the file's content after each create or write event for key.
// Identical consecutive contents are reported once.
func (s *Store) Watch(ctx context.Context, key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %q: %w", key, protocol.ErrClosed)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %q: %w", key, err)
	}
	if err := w.Add(s.dir); err != nil {
		s.mu.Unlock()
		w.Close()
		return nil, fmt.Errorf("watch %q: add %s: %w", key, s.dir, err)
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	target := s.path(key)
	go func() {
		defer s.wg.Done()
		defer w.Close()
		var last []byte
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Create|fsnotify.Write) {
					continue
				}
				data, err := os.ReadFile(target)
				if err != nil {
					s.log.Debug("read watched file", "key", key, "err", err)
					continue
				}
				if last != nil && bytes.Equal(last, data) {
					continue
				}
				last = data
				fn(bytes.Clone(data))
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				s.log.Warn("file watch error", "key", key, "err", err)
			}
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
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
	return nil
}
