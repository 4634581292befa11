// Package fake provides in-memory stand-ins with fault injection and call
// recording for the persistence and transport seams.
package fake

import (
	"context"

	"github.com/brandon-relentnet/scrollr-sub001/internal/adapter/fake/fault"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist/memkv"
)

// Fault points evaluated by Backend.
const (
	PointBackendGet   = "backend.get"
	PointBackendSet   = "backend.set"
	PointBackendWatch = "backend.watch"
)

var _ persist.Backend = (*Backend)(nil)

// Backend is a memkv store whose operations can be made to fail.
type Backend struct {
	CallRecorder
	Faults *fault.Injector
	kv     *memkv.Store
}

func NewBackend() *Backend {
	return &Backend{Faults: fault.NewInjector(), kv: memkv.New()}
}

func (b *Backend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b.record("Get", key)
	if err := b.Faults.Eval(PointBackendGet, key); err != nil {
		return nil, false, err
	}
	return b.kv.Get(ctx, key)
}

func (b *Backend) Set(ctx context.Context, key string, value []byte) error {
	b.record("Set", key, string(value))
	if err := b.Faults.Eval(PointBackendSet, key, value); err != nil {
		return err
	}
	return b.kv.Set(ctx, key, value)
}

func (b *Backend) Watch(ctx context.Context, key string, fn func([]byte)) (func(), error) {
	b.record("Watch", key)
	if err := b.Faults.Eval(PointBackendWatch, key); err != nil {
		return nil, err
	}
	return b.kv.Watch(ctx, key, fn)
}

func (b *Backend) Close() error {
	b.record("Close")
	return b.kv.Close()
}
