package persist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"
)

const (
	defaultMinWriteInterval = 50 * time.Millisecond
	defaultRetryMaxElapsed  = 10 * time.Second
	retryInitialInterval    = 50 * time.Millisecond
	retryMaxInterval        = 2 * time.Second
)

var errSuperseded = errors.New("superseded by a newer snapshot")

type Options struct {
	// Key overrides DefaultKey.
	Key string
	// MinWriteInterval throttles backend writes; snapshots written faster
	// than this are coalesced and only the newest reaches the backend.
	MinWriteInterval time.Duration
	// RetryMaxElapsed bounds retries of one failing write.
	RetryMaxElapsed time.Duration
	Metrics         *metrics.Metrics
}

// Adapter reads, writes and watches the persisted record. Writes are
// asynchronous and coalesced; reads go straight to the backend.
type Adapter struct {
	backend Backend
	key     string
	opts    Options
	limiter *rate.Limiter
	log     *slog.Logger

	mu       sync.Mutex
	pending  *state.Snapshot
	inflight bool
	waiters  []chan struct{}
	closed   bool

	wake    chan struct{}
	closing chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

// New wraps backend and starts the background writer.
func New(backend Backend, opts Options) *Adapter {
	check.Assert(backend != nil, "persist.New: backend must not be nil")
	if opts.Key == "" {
		opts.Key = DefaultKey
	}
	if opts.MinWriteInterval <= 0 {
		opts.MinWriteInterval = defaultMinWriteInterval
	}
	if opts.RetryMaxElapsed <= 0 {
		opts.RetryMaxElapsed = defaultRetryMaxElapsed
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &Adapter{
		backend: backend,
		key:     opts.Key,
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinWriteInterval), 1),
		log:     slog.With("component", "persist", "key", opts.Key),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	go a.run(ctx)
	return a
}

// Read returns the persisted snapshot. The bool is false when nothing has
// been persisted yet.
func (a *Adapter) Read(ctx context.Context) (state.Snapshot, bool, error) {
	raw, ok, err := a.backend.Get(ctx, a.key)
	if err != nil {
		return state.Snapshot{}, false, fmt.Errorf("read persisted record: %w", err)
	}
	if !ok {
		return state.Snapshot{}, false, nil
	}
	snap, err := decode(raw)
	if err != nil {
		return state.Snapshot{}, false, fmt.Errorf("read persisted record: %w", err)
	}
	return snap, true, nil
}

// Write schedules snap for persistence and returns immediately. Only the
// newest pending snapshot is kept.
func (a *Adapter) Write(snap state.Snapshot) {
	snap = snap.Clone()
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.log.Warn("write after close dropped", "revision", snap.Revision)
		return
	}
	if a.pending == nil || snap.Supersedes(*a.pending) {
		a.pending = &snap
	}
	a.mu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
}

// Flush blocks until every scheduled write has been attempted.
func (a *Adapter) Flush(ctx context.Context) error {
	a.mu.Lock()
	if a.pending == nil && !a.inflight {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Watch calls fn with every snapshot written to the record, including
// writes made by other processes sharing the backend.
func (a *Adapter) Watch(ctx context.Context, fn func(state.Snapshot)) (func(), error) {
	stop, err := a.backend.Watch(ctx, a.key, func(raw []byte) {
		snap, err := decode(raw)
		if err != nil {
			a.log.Warn("ignoring undecodable persisted record", "err", err)
			return
		}
		fn(snap)
	})
	if err != nil {
		return nil, fmt.Errorf("watch persisted record: %w", err)
	}
	return stop, nil
}

// Close writes any pending snapshot, stops the writer and closes the
// backend.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	close(a.closing)
	<-a.stopped
	a.cancel()
	return a.backend.Close()
}

func (a *Adapter) run(ctx context.Context) {
	defer close(a.stopped)
	for {
		select {
		case <-a.wake:
			a.drain(ctx)
		case <-a.closing:
			a.drain(ctx)
			return
		}
	}
}

func (a *Adapter) drain(ctx context.Context) {
	for {
		a.mu.Lock()
		snap := a.pending
		a.pending = nil
		a.inflight = snap != nil
		if snap == nil {
			waiters := a.waiters
			a.waiters = nil
			a.mu.Unlock()
			for _, ch := range waiters {
				close(ch)
			}
			return
		}
		a.mu.Unlock()

		a.throttle()
		a.store(ctx, *snap)

		a.mu.Lock()
		a.inflight = false
		a.mu.Unlock()
	}
}

// throttle waits for the write limiter. Close cuts the wait short so the
// final snapshot is written without delay.
func (a *Adapter) throttle() {
	delay := a.limiter.Reserve().Delay()
	if delay <= 0 {
		return
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-a.closing:
	}
}

func (a *Adapter) store(ctx context.Context, snap state.Snapshot) {
	data, err := json.Marshal(snap)
	if err != nil {
		a.log.Error("encode snapshot", "revision", snap.Revision, "err", err)
		a.opts.Metrics.PersistWrite("error")
		return
	}

	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(retryInitialInterval),
		backoff.WithMaxInterval(retryMaxInterval),
		backoff.WithMaxElapsedTime(a.opts.RetryMaxElapsed),
	), ctx)

	op := func() error {
		a.mu.Lock()
		newer := a.pending != nil
		a.mu.Unlock()
		if newer {
			return backoff.Permanent(errSuperseded)
		}
		return a.backend.Set(ctx, a.key, data)
	}
	notify := func(err error, wait time.Duration) {
		a.log.Warn("persist write failed, retrying", "revision", snap.Revision, "err", err, "retry_in", wait)
		a.opts.Metrics.PersistWrite("retry")
	}

	err = backoff.RetryNotify(op, policy, notify)
	switch {
	case err == nil:
		a.log.Debug("snapshot persisted", "revision", snap.Revision)
		a.opts.Metrics.PersistWrite("ok")
	case errors.Is(err, errSuperseded):
		a.opts.Metrics.PersistWrite("superseded")
	default:
		// In-memory state stays authoritative; the next successful write
		// restores durability.
		a.log.Error("persist write abandoned", "revision", snap.Revision, "err", err)
		a.opts.Metrics.PersistWrite("error")
	}
}

func decode(raw []byte) (state.Snapshot, error) {
	// A record without a state field still yields a populated tree.
	snap := state.Snapshot{State: state.Defaults()}
	if err := json.Unmarshal(raw, &snap); err != nil {
		return state.Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

// IsClosed reports whether err came from an adapter or backend used after
// Close.
func IsClosed(err error) bool {
	return errors.Is(err, protocol.ErrClosed)
}
