package fake

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/adapter/fake/fault"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
)

// PointBusSend is evaluated with (to, type) on every Bus.Send.
const PointBusSend = "bus.send"

var (
	_ transport.Sender    = (*Bus)(nil)
	_ transport.Directory = (*Bus)(nil)
)

// Bus is a synchronous Sender and Directory seen from one context. Peers are
// registered with a handler, or with none to model a context that is listed
// but no longer receiving.
type Bus struct {
	CallRecorder
	Faults *fault.Injector
	from   protocol.ContextID

	mu    sync.Mutex
	peers map[protocol.ContextID]peer
}

type peer struct {
	info    protocol.Info
	handler transport.Handler
}

// NewBus returns a bus whose sends originate from from.
func NewBus(from protocol.ContextID) *Bus {
	return &Bus{
		Faults: fault.NewInjector(),
		from:   from,
		peers:  make(map[protocol.ContextID]peer),
	}
}

// AddPeer lists info and routes its messages to h. A nil h makes every send
// to it fail with ErrNoReceiver.
func (b *Bus) AddPeer(info protocol.Info, h transport.Handler) {
	b.mu.Lock()
	b.peers[info.ID] = peer{info: info, handler: h}
	b.mu.Unlock()
}

func (b *Bus) RemovePeer(id protocol.ContextID) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
}

func (b *Bus) Peers() []protocol.Info {
	b.mu.Lock()
	out := make([]protocol.Info, 0, len(b.peers))
	for _, p := range b.peers {
		out = append(out, p.info)
	}
	b.mu.Unlock()
	slices.SortFunc(out, func(x, y protocol.Info) int { return strings.Compare(string(x.ID), string(y.ID)) })
	return out
}

func (b *Bus) Send(ctx context.Context, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	b.record("Send", to, env)
	if err := b.Faults.Eval(PointBusSend, to, env.Type); err != nil {
		return protocol.Response{}, err
	}
	b.mu.Lock()
	p, ok := b.peers[to]
	b.mu.Unlock()
	if !ok || p.handler == nil {
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
	}
	return p.handler(ctx, b.from, env)
}

// SentTo returns the envelopes delivered or attempted to id, in order.
func (b *Bus) SentTo(id protocol.ContextID) []protocol.Envelope {
	var out []protocol.Envelope
	for _, c := range b.Calls("Send") {
		if c.Args[0] == id {
			out = append(out, c.Args[1].(protocol.Envelope))
		}
	}
	return out
}
