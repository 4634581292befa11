// Package proxy is the per-context view of the canonical state. It keeps a
// cached snapshot, forwards every mutation to the central store and applies
// whatever the central store answers or broadcasts. It never mutates state
// locally.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
	"github.com/brandon-relentnet/scrollr-sub001/internal/telemetry"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const defaultRequestTimeout = 5 * time.Second

// Cache apply sources.
const (
	sourceLive      = "live"
	sourcePersisted = "persisted"
	sourceReply     = "reply"
	sourceBroadcast = "broadcast"
	sourceDefault   = "default"
	sourceLogout    = "logout"
)

// Persisted is the slice of persist.Adapter a proxy reads and watches.
type Persisted interface {
	Read(ctx context.Context) (state.Snapshot, bool, error)
	Watch(ctx context.Context, fn func(state.Snapshot)) (func(), error)
}

type Options struct {
	// Central is where requests go. Defaults to BackgroundID.
	Central protocol.ContextID
	// Persist is optional; with it Initialize can start from the persisted
	// record and the cache follows later writes to it.
	Persist Persisted
	// RequestTimeout bounds each request to the central store.
	RequestTimeout time.Duration
	Metrics        *metrics.Metrics
	Tracer         trace.Tracer
}

// Store is one context's cache. All methods are safe for concurrent use.
type Store struct {
	sender transport.Sender
	opts   Options
	log    *slog.Logger

	mu        sync.Mutex
	snap      state.Snapshot
	ready     bool
	closed    bool
	subs      map[uint64]subscription
	nextSub   uint64
	stopWatch func()

	bg     context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a store that talks to the central store through sender.
func New(sender transport.Sender, opts Options) *Store {
	check.Assert(sender != nil, "proxy.New: sender must not be nil")
	if opts.Central == "" {
		opts.Central = protocol.BackgroundID
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	bg, cancel := context.WithCancel(context.Background())
	return &Store{
		sender: sender,
		opts:   opts,
		log:    slog.With("component", "proxy"),
		subs:   make(map[uint64]subscription),
		bg:     bg,
		cancel: cancel,
	}
}

type subscription struct {
	ctx context.Context
	fn  func(state.State)
}

type readResult struct {
	snap state.Snapshot
	ok   bool
	err  error
}

// Initialize populates the cache. The persisted record and a live GET_STATE
// are requested together; the persisted one is shown while the live one is
// outstanding, and the live one wins whenever it succeeds. When the central
// store is unreachable or not ready the persisted record is used, and when
// there is none the default snapshot is, so Initialize never fails for lack
// of a source.
func (s *Store) Initialize(ctx context.Context) (state.Snapshot, error) {
	if s.isClosed() {
		return state.Snapshot{}, fmt.Errorf("initialize proxy: %w", protocol.ErrClosed)
	}

	persisted := make(chan readResult, 1)
	if s.opts.Persist != nil {
		go func() {
			snap, ok, err := s.opts.Persist.Read(ctx)
			persisted <- readResult{snap: snap, ok: ok, err: err}
		}()
	} else {
		persisted <- readResult{}
	}

	live := make(chan readResult, 1)
	go func() {
		snap, err := s.fetch(ctx)
		live <- readResult{snap: snap, ok: err == nil, err: err}
	}()

	var fromDisk *readResult
	for fromDisk == nil || live != nil {
		select {
		case r := <-persisted:
			persisted = nil
			if r.err != nil {
				s.log.Warn("persisted record unreadable", "err", r.err)
				r = readResult{}
			}
			fromDisk = &r
			if r.ok && live != nil {
				s.fill(r.snap, sourcePersisted)
			}
		case r := <-live:
			live = nil
			if r.ok {
				s.apply(r.snap, sourceLive)
				s.watchPersisted()
				return s.current(), nil
			}
			if ctx.Err() != nil {
				return state.Snapshot{}, fmt.Errorf("initialize proxy: %w", ctx.Err())
			}
			s.log.Info("central store unavailable, using local fallback", "err", r.err)
		case <-ctx.Done():
			return state.Snapshot{}, fmt.Errorf("initialize proxy: %w", ctx.Err())
		}
	}

	if fromDisk.ok {
		s.fill(fromDisk.snap, sourcePersisted)
	} else {
		s.fill(state.DefaultSnapshot(), sourceDefault)
	}
	s.watchPersisted()
	return s.current(), nil
}

func (s *Store) watchPersisted() {
	if s.opts.Persist == nil {
		return
	}
	s.mu.Lock()
	already := s.stopWatch != nil || s.closed
	s.mu.Unlock()
	if already {
		return
	}

	stop, err := s.opts.Persist.Watch(s.bg, func(snap state.Snapshot) {
		s.apply(snap, sourcePersisted)
	})
	if err != nil {
		s.log.Warn("cannot watch persisted record", "err", err)
		return
	}
	s.mu.Lock()
	if s.closed || s.stopWatch != nil {
		s.mu.Unlock()
		stop()
		return
	}
	s.stopWatch = stop
	s.mu.Unlock()
}

// GetState returns the cached tree.
func (s *Store) GetState() (state.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return state.State{}, protocol.ErrNotReady
	}
	return s.snap.State.Clone(), nil
}

// Snapshot returns the cached snapshot; the bool is false before the first
// one arrived.
func (s *Store) Snapshot() (state.Snapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return state.Snapshot{}, false
	}
	return s.snap.Clone(), true
}

func (s *Store) current() state.Snapshot {
	snap, _ := s.Snapshot()
	return snap
}

// Dispatch forwards in to the central store and waits for the result. On
// success the cache holds the returned snapshot before Dispatch returns; on
// failure the cache is untouched.
func (s *Store) Dispatch(ctx context.Context, in state.Intent) (state.State, error) {
	return s.mutate(ctx, in.Kind, protocol.Dispatch(in))
}

func (s *Store) SetLayout(ctx context.Context, mode string) (state.State, error) {
	return s.mutate(ctx, state.KindSetLayout, protocol.Envelope{Type: protocol.TypeLayoutChanged, Layout: mode})
}

func (s *Store) SetSpeed(ctx context.Context, speed string) (state.State, error) {
	return s.mutate(ctx, state.KindSetSpeed, protocol.Envelope{Type: protocol.TypeSpeedChanged, Speed: speed})
}

func (s *Store) SetPosition(ctx context.Context, position string) (state.State, error) {
	return s.mutate(ctx, state.KindSetPosition, protocol.Envelope{Type: protocol.TypePositionChanged, Position: position})
}

func (s *Store) SetOpacity(ctx context.Context, opacity float64) (state.State, error) {
	return s.mutate(ctx, state.KindSetOpacity, protocol.Envelope{Type: protocol.TypeOpacityChanged, Opacity: &opacity})
}

func (s *Store) TogglePower(ctx context.Context) (state.State, error) {
	return s.mutate(ctx, state.KindTogglePower, protocol.Envelope{Type: protocol.TypePowerToggled})
}

func (s *Store) SetPower(ctx context.Context, on bool) (state.State, error) {
	return s.mutate(ctx, state.KindSetPower, protocol.Envelope{Type: protocol.TypePowerToggled, Power: &on})
}

func (s *Store) SetTheme(ctx context.Context, theme string) (state.State, error) {
	return s.Dispatch(ctx, state.MustIntent(state.KindSetTheme, theme))
}

func (s *Store) SetFinanceSymbols(ctx context.Context, symbols []string) (state.State, error) {
	return s.Dispatch(ctx, state.MustIntent(state.KindSetFinanceSymbols, symbols))
}

func (s *Store) ToggleFinanceSymbol(ctx context.Context, symbol string) (state.State, error) {
	return s.Dispatch(ctx, state.MustIntent(state.KindToggleFinanceSymbol, symbol))
}

// Logout resets the canonical tree. Every context, this one included, is
// told to refetch.
func (s *Store) Logout(ctx context.Context) (state.State, error) {
	return s.Dispatch(ctx, state.Intent{Kind: state.KindLogout})
}

func (s *Store) mutate(ctx context.Context, kind string, env protocol.Envelope) (state.State, error) {
	op := telemetry.Start(ctx, s.opts.Tracer, "proxy.dispatch",
		attribute.String(telemetry.KeyIntentKind, kind),
		attribute.String(telemetry.KeyMessageType, string(env.Type)),
	)
	resp, err := s.request(op.Context(), env)
	if err == nil && resp.State == nil {
		err = fmt.Errorf("%s reply carries no state", env.Type)
	}
	op.End(err)
	if err != nil {
		return state.State{}, fmt.Errorf("dispatch %s: %w", kind, err)
	}
	s.apply(*resp.State, sourceReply)
	return resp.State.State.Clone(), nil
}

// IframeState asks the central store for the overlay projection. On failure
// it returns the default projection alongside the error.
func (s *Store) IframeState(ctx context.Context) (state.Iframe, error) {
	resp, err := s.request(ctx, protocol.Envelope{Type: protocol.TypeGetIframeState})
	if err != nil {
		return state.DefaultIframe(), fmt.Errorf("get iframe state: %w", err)
	}
	if resp.Iframe == nil {
		return state.DefaultIframe(), nil
	}
	return *resp.Iframe, nil
}

// Refresh refetches the canonical snapshot and applies it.
func (s *Store) Refresh(ctx context.Context) (state.Snapshot, error) {
	snap, err := s.fetch(ctx)
	if err != nil {
		return state.Snapshot{}, err
	}
	s.apply(snap, sourceLive)
	return s.current(), nil
}

func (s *Store) fetch(ctx context.Context) (state.Snapshot, error) {
	resp, err := s.request(ctx, protocol.Envelope{Type: protocol.TypeGetState})
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("get state: %w", err)
	}
	if resp.State == nil {
		return state.Snapshot{}, errors.New("get state: reply carries no state")
	}
	return *resp.State, nil
}

func (s *Store) request(ctx context.Context, env protocol.Envelope) (protocol.Response, error) {
	if s.isClosed() {
		return protocol.Response{}, protocol.ErrClosed
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
	defer cancel()
	resp, err := s.sender.Send(ctx, s.opts.Central, env)
	if err != nil {
		return protocol.Response{}, err
	}
	if err := resp.Err(); err != nil {
		return protocol.Response{}, err
	}
	return resp, nil
}

// Subscribe calls fn with the cached tree after every change until the
// returned func is called, ctx ends or the store is closed. Callbacks run on
// the goroutine that applied the change and always see the latest tree.
func (s *Store) Subscribe(ctx context.Context, fn func(state.State)) func() {
	check.Assert(fn != nil, "proxy.Subscribe: fn must not be nil")
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscription{ctx: ctx, fn: fn}
	s.mu.Unlock()

	unsubscribe := func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
	stop := context.AfterFunc(ctx, unsubscribe)
	return func() {
		stop()
		unsubscribe()
	}
}

// apply offers snap to the cache and notifies subscribers if it changed it.
func (s *Store) apply(snap state.Snapshot, source string) bool {
	return s.offer(snap, source, false)
}

func (s *Store) offer(snap state.Snapshot, source string, fallback bool) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if s.ready {
		if fallback && !s.snap.IsDefault() {
			s.mu.Unlock()
			s.opts.Metrics.CacheApply(source, "stale")
			s.log.Debug("fallback snapshot ignored", "source", source, "revision", snap.Revision, "cached", s.snap.Revision)
			return false
		}
		if !snap.Supersedes(s.snap) {
			s.mu.Unlock()
			s.opts.Metrics.CacheApply(source, "stale")
			s.log.Debug("stale snapshot ignored", "source", source, "revision", snap.Revision, "cached", s.snap.Revision)
			return false
		}
		if snap.Epoch == s.snap.Epoch && snap.Revision == s.snap.Revision {
			s.mu.Unlock()
			s.opts.Metrics.CacheApply(source, "duplicate")
			return false
		}
	}
	s.snap = snap.Clone()
	s.ready = true
	s.mu.Unlock()

	s.opts.Metrics.CacheApply(source, "applied")
	s.notify()
	return true
}

// fill applies a fallback snapshot only while the cache is empty or holds the
// default, so a broadcast that reached the listener during Initialize is never
// replaced by a record read from disk.
func (s *Store) fill(snap state.Snapshot, source string) bool {
	return s.offer(snap, source, true)
}

// replace installs snap regardless of ordering.
func (s *Store) replace(snap state.Snapshot, source string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.snap = snap.Clone()
	s.ready = true
	s.mu.Unlock()

	s.opts.Metrics.CacheApply(source, "applied")
	s.notify()
}

func (s *Store) notify() {
	s.mu.Lock()
	if s.closed || !s.ready {
		s.mu.Unlock()
		return
	}
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	fns := make([]func(state.State), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		// A cancelled ctx may not have been unregistered yet.
		if sub := s.subs[id]; sub.ctx.Err() == nil {
			fns = append(fns, sub.fn)
		}
	}
	cur := s.snap.State
	s.mu.Unlock()

	for _, fn := range fns {
		fn(cur.Clone())
	}
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close drops every subscriber and the persisted watch and stops background
// refetches. Further requests fail with ErrClosed.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.subs = make(map[uint64]subscription)
	stop := s.stopWatch
	s.stopWatch = nil
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	s.cancel()
	s.wg.Wait()
}
