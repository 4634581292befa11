// Package transport defines how contexts reach each other. Implementations
// deliver Envelopes between contexts and report ErrNoReceiver when the
// destination does not exist; they never share memory between contexts.
package transport

import (
	"context"
	"errors"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

// Handler processes one inbound envelope for a context. For notifications
// the returned Response is discarded by the sender.
type Handler func(ctx context.Context, from protocol.ContextID, env protocol.Envelope) (protocol.Response, error)

// Sender delivers a request from the bound context to another one and waits
// for its response.
type Sender interface {
	Send(ctx context.Context, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error)
}

// Listener attaches the bound context to its host. Messages addressed to it
// are handled one at a time, in arrival order. The returned func detaches
// the context; after it returns h is never invoked again.
type Listener interface {
	Listen(h Handler) (dispose func(), err error)
}

// Directory enumerates the contexts currently attached.
type Directory interface {
	Peers() []protocol.Info
}

// Endpoint is what a single context needs from its host: its own identity,
// a way to send and a way to receive.
type Endpoint interface {
	Info() protocol.Info
	Sender
	Listener
}

// Benign reports whether err is a delivery failure that callers should treat
// as "the other side is gone" rather than a fault.
func Benign(err error) bool {
	return errors.Is(err, protocol.ErrNoReceiver) || errors.Is(err, context.Canceled)
}

// Host is the bus gateways bridge remote contexts onto.
type Host interface {
	Directory
	Attach(info protocol.Info, h Handler) (dispose func(), err error)
	Send(ctx context.Context, from, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error)
}
