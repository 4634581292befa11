// Package central owns the canonical state tree. It runs only in the
// background context: every mutation from any context is validated, applied
// and versioned here, persisted, and then broadcast to the other contexts.
package central

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
	"github.com/brandon-relentnet/scrollr-sub001/internal/telemetry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Persister is the slice of persist.Adapter the store needs.
type Persister interface {
	Read(ctx context.Context) (state.Snapshot, bool, error)
	Write(snap state.Snapshot)
}

// Broadcaster is the slice of Notifier the store needs. Both methods must
// return without waiting for delivery.
type Broadcaster interface {
	Post(origin protocol.ContextID, snap state.Snapshot)
	PostInvalidate(snap state.Snapshot)
}

type Options struct {
	// Persist is optional; without it state lives for the process lifetime.
	Persist Persister
	// Broadcast is optional; without it no other context is notified.
	Broadcast Broadcaster
	Metrics   *metrics.Metrics
	Tracer    trace.Tracer
}

// Store is the single authority over the canonical tree.
type Store struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	ready bool
	snap  state.Snapshot
}

func New(opts Options) *Store {
	return &Store{opts: opts, log: slog.With("component", "central")}
}

// Init loads the persisted record, or defaults when there is none, and
// starts a new epoch. Calling it again returns the current snapshot without
// reloading.
func (s *Store) Init(ctx context.Context) (state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ready {
		return s.snap.Clone(), nil
	}

	snap := state.Snapshot{Epoch: state.NewEpoch(), State: state.Defaults()}
	source := "defaults"
	if s.opts.Persist != nil {
		rec, ok, err := s.opts.Persist.Read(ctx)
		switch {
		case err != nil:
			s.log.Warn("persisted record unreadable, starting from defaults", "err", err)
		case ok:
			snap.State = rec.State
			snap.Revision = rec.Revision
			source = "persisted"
		}
	}
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, fmt.Errorf("init central store: %w", err)
	}

	s.snap = snap
	s.ready = true
	if s.opts.Persist != nil {
		s.opts.Persist.Write(snap)
	}
	// Contexts that came up before us are holding defaults or a stale record.
	if s.opts.Broadcast != nil {
		s.opts.Broadcast.Post("", snap)
	}
	s.log.Info("central store ready", "source", source, "epoch", snap.Epoch, "revision", snap.Revision)
	return snap.Clone(), nil
}

func (s *Store) Ready() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// GetState returns the current snapshot.
func (s *Store) GetState() (state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return state.Snapshot{}, protocol.ErrNotReady
	}
	return s.snap.Clone(), nil
}

// Dispatch validates in, applies it and returns the resulting snapshot.
// Dispatches are applied one at a time in the order they acquire the store.
// The new snapshot is broadcast to every context except origin, which gets
// it as the return value; a reset intent invalidates every context instead.
func (s *Store) Dispatch(ctx context.Context, origin protocol.ContextID, in state.Intent) (state.Snapshot, error) {
	start := time.Now()
	kind := in.Kind
	if _, ok := state.Lookup(kind); !ok {
		kind = "unknown"
	}
	op := telemetry.Start(ctx, s.opts.Tracer, "central.dispatch",
		attribute.String(telemetry.KeyIntentKind, kind),
		attribute.String(telemetry.KeyOrigin, string(origin)),
	)

	snap, err := s.apply(origin, in)
	if err == nil {
		op.Annotate(attribute.Int64(telemetry.KeyRevision, int64(snap.Revision)))
	}
	op.End(err)
	s.opts.Metrics.Dispatch(kind, resultLabel(err), time.Since(start))
	if err != nil {
		s.log.Debug("intent rejected", "intent", in.String(), "origin", origin, "err", err)
		return state.Snapshot{}, fmt.Errorf("dispatch %s: %w", in.Kind, err)
	}
	s.log.Debug("intent applied", "kind", in.Kind, "origin", origin, "revision", snap.Revision)
	return snap, nil
}

func (s *Store) apply(origin protocol.ContextID, in state.Intent) (state.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return state.Snapshot{}, protocol.ErrNotReady
	}

	next, r, err := state.Reduce(s.snap.State, in)
	if err != nil {
		return state.Snapshot{}, err
	}
	s.snap = state.Snapshot{Epoch: s.snap.Epoch, Revision: s.snap.Revision + 1, State: next}
	snap := s.snap.Clone()

	if s.opts.Persist != nil {
		s.opts.Persist.Write(snap)
	}
	if s.opts.Broadcast != nil {
		if r.Reset {
			s.opts.Broadcast.PostInvalidate(snap)
		} else {
			s.opts.Broadcast.Post(origin, snap)
		}
	}
	return snap, nil
}

// Reset restores defaults (logout) and tells every context to refetch.
func (s *Store) Reset(ctx context.Context, origin protocol.ContextID) (state.Snapshot, error) {
	return s.Dispatch(ctx, origin, state.Intent{Kind: state.KindLogout})
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, protocol.ErrNotReady):
		return "not_ready"
	case errors.Is(err, state.ErrUnknownIntent):
		return "unknown"
	case errors.Is(err, state.ErrMalformedIntent):
		return "malformed"
	default:
		return "error"
	}
}
