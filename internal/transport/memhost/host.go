// Package memhost is an in-process host bus. Each attached context gets a
// mailbox drained by its own goroutine, so handlers for one context run one
// at a time and in arrival order, while distinct contexts run concurrently.
//
// The daemon uses a Host as its backbone; remote contexts are bridged onto it
// by the rpc and ws gateways.
package memhost

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
)

// mailboxBufferCap bounds queued deliveries per context before senders block.
const mailboxBufferCap = 64

var _ transport.Host = (*Host)(nil)

type Host struct {
	mu       sync.Mutex
	contexts map[protocol.ContextID]*mailbox
	closed   bool
}

func New() *Host {
	return &Host{contexts: make(map[protocol.ContextID]*mailbox)}
}

type delivery struct {
	ctx   context.Context
	from  protocol.ContextID
	env   protocol.Envelope
	reply chan result
}

type result struct {
	resp protocol.Response
	err  error
}

type mailbox struct {
	info    protocol.Info
	handler transport.Handler
	inbox   chan delivery
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// Attach registers info with handler h and starts its delivery loop.
func (h *Host) Attach(info protocol.Info, handler transport.Handler) (func(), error) {
	check.Assert(handler != nil, "memhost.Attach: handler must not be nil")
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("attach context: %w", err)
	}
	mb := &mailbox{
		info:    info,
		handler: handler,
		inbox:   make(chan delivery, mailboxBufferCap),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, fmt.Errorf("attach context %s: %w", info.ID, protocol.ErrClosed)
	}
	if _, exists := h.contexts[info.ID]; exists {
		h.mu.Unlock()
		return nil, fmt.Errorf("attach context %s: already attached", info.ID)
	}
	h.contexts[info.ID] = mb
	h.mu.Unlock()

	go mb.run()
	slog.Debug("context attached", "component", "memhost", "context", info.String())
	return func() { h.detach(mb) }, nil
}

func (h *Host) detach(mb *mailbox) {
	h.mu.Lock()
	if cur, ok := h.contexts[mb.info.ID]; ok && cur == mb {
		delete(h.contexts, mb.info.ID)
	}
	h.mu.Unlock()

	mb.stop()
	slog.Debug("context detached", "component", "memhost", "context", mb.info.String())
}

// Send delivers env from one context to another and waits for the handler's
// response. It fails with ErrNoReceiver when the destination is not attached
// or detaches before answering.
func (h *Host) Send(ctx context.Context, from, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	h.mu.Lock()
	mb, ok := h.contexts[to]
	h.mu.Unlock()
	if !ok {
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
	}

	d := delivery{ctx: ctx, from: from, env: env, reply: make(chan result, 1)}
	select {
	case mb.inbox <- d:
	case <-mb.done:
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, ctx.Err())
	}

	select {
	case r := <-d.reply:
		return r.resp, r.err
	case <-mb.done:
		// The handler may have answered just before teardown.
		select {
		case r := <-d.reply:
			return r.resp, r.err
		default:
		}
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
	case <-ctx.Done():
		return protocol.Response{}, fmt.Errorf("await %s reply from %s: %w", env.Type, to, ctx.Err())
	}
}

// Peers lists attached contexts ordered by id.
func (h *Host) Peers() []protocol.Info {
	h.mu.Lock()
	out := make([]protocol.Info, 0, len(h.contexts))
	for _, mb := range h.contexts {
		out = append(out, mb.info)
	}
	h.mu.Unlock()
	slices.SortFunc(out, func(a, b protocol.Info) int {
		if a.ID < b.ID {
			return -1
		}
		if a.ID > b.ID {
			return 1
		}
		return 0
	})
	return out
}

// Attached reports whether id currently has a mailbox.
func (h *Host) Attached(id protocol.ContextID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.contexts[id]
	return ok
}

// Close detaches every context. Further Attach calls fail.
func (h *Host) Close() {
	h.mu.Lock()
	h.closed = true
	boxes := make([]*mailbox, 0, len(h.contexts))
	for id, mb := range h.contexts {
		boxes = append(boxes, mb)
		delete(h.contexts, id)
	}
	h.mu.Unlock()

	for _, mb := range boxes {
		mb.stop()
	}
}

// Endpoint binds info to h for use by a single context.
func (h *Host) Endpoint(info protocol.Info) *Endpoint {
	return &Endpoint{host: h, info: info}
}

func (mb *mailbox) run() {
	defer close(mb.stopped)
	for {
		select {
		case <-mb.done:
			return
		case d := <-mb.inbox:
			if d.ctx.Err() != nil {
				d.reply <- result{err: d.ctx.Err()}
				continue
			}
			resp, err := mb.handler(d.ctx, d.from, d.env)
			d.reply <- result{resp: resp, err: err}
		}
	}
}

// stop closes the mailbox and waits for an in-flight handler to return, so
// no handler runs after the disposer returns. It must not be called from the
// mailbox's own handler.
func (mb *mailbox) stop() {
	mb.once.Do(func() { close(mb.done) })
	<-mb.stopped
}
