// Package memkv is an in-memory persist.Backend. Values survive for the
// lifetime of the process only; it backs tests and ephemeral daemons.
package memkv

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

var _ persist.Backend = (*Store)(nil)

type watcher struct {
	key string
	fn  func([]byte)
}

type Store struct {
	mu       sync.Mutex
	values   map[string][]byte
	watchers map[uint64]watcher
	nextID   uint64
	closed   bool
}

func New() *Store {
	return &Store{
		values:   make(map[string][]byte),
		watchers: make(map[uint64]watcher),
	}
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, fmt.Errorf("get %q: %w", key, protocol.ErrClosed)
	}
	v, ok := s.values[key]
	if !ok {
		return nil, false, nil
	}
	return bytes.Clone(v), true, nil
}

// Set stores value and notifies watchers synchronously, after the lock is
// released, in registration order.
func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("set %q: %w", key, protocol.ErrClosed)
	}
	s.values[key] = bytes.Clone(value)
	var fns []func([]byte)
	for id := uint64(0); id < s.nextID; id++ {
		if w, ok := s.watchers[id]; ok && w.key == key {
			fns = append(fns, w.fn)
		}
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(bytes.Clone(value))
	}
	return nil
}

func (s *Store) Watch(ctx context.Context, key string, fn func([]byte)) (func(), error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("watch %q: %w", key, protocol.ErrClosed)
	}
	id := s.nextID
	s.nextID++
	s.watchers[id] = watcher{key: key, fn: fn}
	s.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	stop := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			delete(s.watchers, id)
			s.mu.Unlock()
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			stop()
		case <-done:
		}
	}()
	return stop, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.watchers = make(map[uint64]watcher)
	s.mu.Unlock()
	return nil
}
