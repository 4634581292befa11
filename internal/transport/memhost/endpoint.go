package memhost

import (
	"context"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
)

var _ transport.Endpoint = (*Endpoint)(nil)

// Endpoint is one context's view of a Host.
type Endpoint struct {
	host *Host
	info protocol.Info
}

func (e *Endpoint) Info() protocol.Info { return e.info }

func (e *Endpoint) Send(ctx context.Context, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	return e.host.Send(ctx, e.info.ID, to, env)
}

func (e *Endpoint) Listen(h transport.Handler) (func(), error) {
	return e.host.Attach(e.info, h)
}

// Peers exposes the host directory through the endpoint.
func (e *Endpoint) Peers() []protocol.Info {
	return e.host.Peers()
}
