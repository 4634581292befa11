package wire

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
)

// WriteFunc writes one frame to a connection. Implementations serialize
// concurrent calls.
type WriteFunc func(Frame) error

// Bridge stands in for a remote context on the host: the host delivers to
// Handle, which forwards the envelope over the connection and waits for the
// remote handler's answer.
type Bridge struct {
	info    protocol.Info
	write   WriteFunc
	pending *Pending
}

func NewBridge(info protocol.Info, write WriteFunc) *Bridge {
	return &Bridge{info: info, write: write, pending: NewPending()}
}

func (b *Bridge) Info() protocol.Info { return b.info }

// Handle is the transport.Handler registered for the remote context.
func (b *Bridge) Handle(ctx context.Context, from protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	f := Request(from, b.info.ID, env)
	if f.Kind == KindNotify {
		if err := b.write(f); err != nil {
			return protocol.Response{}, fmt.Errorf("forward %s to %s: %w", env.Type, b.info.ID, protocol.ErrNoReceiver)
		}
		return protocol.Response{Success: true}, nil
	}

	ch, err := b.pending.Add(f.ID)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("forward %s to %s: %w", env.Type, b.info.ID, err)
	}
	if err := b.write(f); err != nil {
		b.pending.Drop(f.ID)
		return protocol.Response{}, fmt.Errorf("forward %s to %s: %w", env.Type, b.info.ID, protocol.ErrNoReceiver)
	}
	return b.pending.Wait(ctx, f.ID, ch)
}

// Resolve routes a response frame read from the connection.
func (b *Bridge) Resolve(f Frame) {
	if !b.pending.Resolve(f) {
		slog.Debug("unmatched response frame", "component", "wire", "context", b.info.ID, "id", f.ID)
	}
}

// Close fails outstanding deliveries.
func (b *Bridge) Close() {
	b.pending.Close()
}

// Inbox runs a context's handler for frames read from a connection, one at a
// time and in arrival order, without blocking the reader.
type Inbox struct {
	handler transport.Handler
	write   WriteFunc
	frames  chan Frame
	done    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

func NewInbox(h transport.Handler, write WriteFunc) *Inbox {
	in := &Inbox{
		handler: h,
		write:   write,
		frames:  make(chan Frame, 64),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go in.run()
	return in
}

// Push queues a request or notify frame. It blocks while the queue is full.
func (in *Inbox) Push(f Frame) {
	select {
	case in.frames <- f:
	case <-in.done:
	}
}

func (in *Inbox) run() {
	defer close(in.stopped)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-in.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-in.done:
			return
		case f := <-in.frames:
			resp, err := in.handler(ctx, f.From, *f.Envelope)
			if f.Kind == KindNotify {
				continue
			}
			if werr := in.write(Reply(f.ID, resp, err)); werr != nil {
				slog.Debug("write response frame", "component", "wire", "id", f.ID, "err", werr)
			}
		}
	}
}

// Close stops the inbox and waits for a running handler to return.
func (in *Inbox) Close() {
	in.once.Do(func() { close(in.done) })
	<-in.stopped
}
