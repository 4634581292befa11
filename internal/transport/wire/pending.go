package wire

import (
	"context"
	"fmt"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
)

// Pending correlates requests written to a connection with the response
// frames read back from it.
type Pending struct {
	mu      sync.Mutex
	waiting map[string]chan Frame
	closed  bool
}

func NewPending() *Pending {
	return &Pending{waiting: make(map[string]chan Frame)}
}

// Add registers id. It fails with ErrNoReceiver once the connection is gone.
func (p *Pending) Add(id string) (<-chan Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, protocol.ErrNoReceiver
	}
	ch := make(chan Frame, 1)
	p.waiting[id] = ch
	return ch, nil
}

// Resolve hands f to whoever waits for f.ID. It reports false for an id
// nobody waits for, such as a reply arriving after its request timed out.
func (p *Pending) Resolve(f Frame) bool {
	p.mu.Lock()
	ch, ok := p.waiting[f.ID]
	delete(p.waiting, f.ID)
	p.mu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (p *Pending) Drop(id string) {
	p.mu.Lock()
	delete(p.waiting, id)
	p.mu.Unlock()
}

// Wait blocks for the response to id.
func (p *Pending) Wait(ctx context.Context, id string, ch <-chan Frame) (protocol.Response, error) {
	select {
	case f, ok := <-ch:
		if !ok {
			return protocol.Response{}, fmt.Errorf("connection closed awaiting %s: %w", id, protocol.ErrNoReceiver)
		}
		return f.Result()
	case <-ctx.Done():
		p.Drop(id)
		return protocol.Response{}, ctx.Err()
	}
}

// Close fails every outstanding and future request with ErrNoReceiver.
func (p *Pending) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, ch := range p.waiting {
		close(ch)
		delete(p.waiting, id)
	}
}
