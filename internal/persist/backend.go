// Package persist stores the canonical snapshot in a durable key-value
// backend so it survives restarts of every context, and lets contexts watch
// that record as a secondary catch-up path.
package persist

import "context"

// DefaultKey is the single slot holding the whole canonical tree.
const DefaultKey = "scrollr/state"

// Backend is the host key-value primitive the adapter consumes.
type Backend interface {
	// Get returns the value stored under key; the bool is false when the key
	// has never been written.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Watch calls fn with the new value after every change to key until ctx
	// ends or stop is called. fn runs on a backend goroutine and must not
	// block for long.
	Watch(ctx context.Context, key string, fn func(value []byte)) (stop func(), err error)
	Close() error
}
