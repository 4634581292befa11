package central

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/state"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"

	"golang.org/x/sync/errgroup"
)

const (
	defaultFanout      = 8
	defaultSendTimeout = 2 * time.Second
)

type NotifierOptions struct {
	// Self is skipped when enumerating peers. Defaults to BackgroundID.
	Self protocol.ContextID
	// Fanout bounds concurrent sends per broadcast.
	Fanout int
	// SendTimeout bounds each delivery.
	SendTimeout time.Duration
	Metrics     *metrics.Metrics
}

// Report summarizes one broadcast.
type Report struct {
	Delivered int
	Failed    int
}

// Notifier pushes snapshots to every other attached context. Delivery
// failures are logged and counted, never returned: a context that went away
// must not affect the dispatch that triggered the broadcast.
type Notifier struct {
	sender transport.Sender
	dir    transport.Directory
	opts   NotifierOptions
	log    *slog.Logger

	mu      sync.Mutex
	pending *job
	busy    bool
	waiters []chan struct{}
	closed  bool

	wake    chan struct{}
	closing chan struct{}
	stopped chan struct{}
	cancel  context.CancelFunc
}

type job struct {
	origin     protocol.ContextID
	snap       state.Snapshot
	invalidate bool
}

// merge folds a newer job into j. Peers only need the newest snapshot, but
// an origin skipped by one job must still see the other's, and an
// invalidation is never downgraded to a plain update.
func (j *job) merge(next job) {
	if j.origin != next.origin {
		j.origin = ""
	}
	if next.snap.Supersedes(j.snap) {
		j.snap = next.snap
	}
	if next.invalidate {
		j.invalidate = true
		j.origin = ""
	}
}

// NewNotifier starts the delivery worker.
func NewNotifier(sender transport.Sender, dir transport.Directory, opts NotifierOptions) *Notifier {
	check.Assert(sender != nil, "central.NewNotifier: sender must not be nil")
	check.Assert(dir != nil, "central.NewNotifier: directory must not be nil")
	if opts.Self == "" {
		opts.Self = protocol.BackgroundID
	}
	if opts.Fanout <= 0 {
		opts.Fanout = defaultFanout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		sender:  sender,
		dir:     dir,
		opts:    opts,
		log:     slog.With("component", "notifier"),
		wake:    make(chan struct{}, 1),
		closing: make(chan struct{}),
		stopped: make(chan struct{}),
		cancel:  cancel,
	}
	go n.run(ctx)
	return n
}

// Post queues an IFRAME_STATE_UPDATE of snap for every peer except origin
// and returns without waiting. Posts that pile up while a broadcast is in
// flight collapse into one carrying the newest snapshot.
func (n *Notifier) Post(origin protocol.ContextID, snap state.Snapshot) {
	n.enqueue(job{origin: origin, snap: snap.Clone()})
}

// PostInvalidate queues a LOGOUT_REFRESH for every peer.
func (n *Notifier) PostInvalidate(snap state.Snapshot) {
	n.enqueue(job{snap: snap.Clone(), invalidate: true})
}

func (n *Notifier) enqueue(j job) {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	if n.pending == nil {
		n.pending = &j
	} else {
		n.pending.merge(j)
	}
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Flush waits until every posted broadcast has been delivered or given up.
func (n *Notifier) Flush(ctx context.Context) error {
	n.mu.Lock()
	if n.pending == nil && !n.busy {
		n.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	n.waiters = append(n.waiters, ch)
	n.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Posts queued but not yet started are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	n.mu.Unlock()

	close(n.closing)
	n.cancel()
	<-n.stopped
}

func (n *Notifier) run(ctx context.Context) {
	defer close(n.stopped)
	defer n.release()
	for {
		select {
		case <-n.closing:
			return
		case <-n.wake:
		}
		for {
			n.mu.Lock()
			j := n.pending
			n.pending = nil
			n.busy = j != nil
			n.mu.Unlock()
			if j == nil {
				n.release()
				break
			}
			if j.invalidate {
				n.Invalidate(ctx, j.snap)
			} else {
				n.Broadcast(ctx, j.origin, j.snap)
			}
			n.mu.Lock()
			n.busy = false
			n.mu.Unlock()
		}
	}
}

func (n *Notifier) release() {
	n.mu.Lock()
	waiters := n.waiters
	n.waiters = nil
	if n.closed {
		n.pending = nil
	}
	n.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// Broadcast synchronously sends IFRAME_STATE_UPDATE to every peer except
// origin.
func (n *Notifier) Broadcast(ctx context.Context, origin protocol.ContextID, snap state.Snapshot) Report {
	return n.fanout(ctx, origin, protocol.IframeUpdate(snap), snap.Revision)
}

// Invalidate synchronously sends LOGOUT_REFRESH to every peer.
func (n *Notifier) Invalidate(ctx context.Context, snap state.Snapshot) Report {
	return n.fanout(ctx, "", protocol.LogoutRefresh(snap), snap.Revision)
}

func (n *Notifier) fanout(ctx context.Context, skip protocol.ContextID, env protocol.Envelope, rev uint64) Report {
	var delivered, failed atomic.Int64
	var g errgroup.Group
	g.SetLimit(n.opts.Fanout)

	for _, peer := range n.dir.Peers() {
		if peer.ID == n.opts.Self || (skip != "" && peer.ID == skip) {
			continue
		}
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, n.opts.SendTimeout)
			defer cancel()
			_, err := n.sender.Send(sendCtx, peer.ID, env)
			switch {
			case err == nil:
				delivered.Add(1)
				n.opts.Metrics.Delivery(string(env.Type), "ok")
			case transport.Benign(err):
				failed.Add(1)
				n.opts.Metrics.Delivery(string(env.Type), "no_receiver")
				n.log.Debug("peer gone during broadcast", "peer", peer.ID, "type", env.Type, "revision", rev)
			default:
				failed.Add(1)
				result := "error"
				if errors.Is(err, context.DeadlineExceeded) {
					result = "timeout"
				}
				n.opts.Metrics.Delivery(string(env.Type), result)
				n.log.Warn("broadcast delivery failed", "peer", peer.ID, "type", env.Type, "revision", rev, "err", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	r := Report{Delivered: int(delivered.Load()), Failed: int(failed.Load())}
	n.log.Debug("broadcast done", "type", env.Type, "revision", rev, "delivered", r.Delivered, "failed", r.Failed)
	return r
}
