package ws

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/wire"

	"github.com/gorilla/websocket"
)

const handshakeTimeout = 5 * time.Second

var _ transport.Endpoint = (*Endpoint)(nil)

// Endpoint is a context reaching a daemon over one WebSocket connection.
type Endpoint struct {
	info    protocol.Info
	conn    *websocket.Conn
	pending *wire.Pending
	log     *slog.Logger

	writeMu sync.Mutex

	mu    sync.Mutex
	inbox *wire.Inbox

	closeOnce sync.Once
	done      chan struct{}
}

// Dial connects to the gateway at url, for example
// "ws://127.0.0.1:7420/v1/contexts". The context is not registered with the
// daemon until Listen.
func Dial(ctx context.Context, url string, info protocol.Info) (*Endpoint, error) {
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	conn.SetReadLimit(maxMessageSize)
	e := &Endpoint{
		info:    info,
		conn:    conn,
		pending: wire.NewPending(),
		log:     slog.With("component", "ws-client", "context", info.ID),
		done:    make(chan struct{}),
	}
	go e.read()
	return e, nil
}

func (e *Endpoint) Info() protocol.Info { return e.info }

func (e *Endpoint) write(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	_ = e.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return e.conn.WriteMessage(websocket.TextMessage, data)
}

func (e *Endpoint) Send(ctx context.Context, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	f := wire.Request(e.info.ID, to, env)
	if f.Kind == wire.KindNotify {
		if err := e.write(f); err != nil {
			return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
		}
		return protocol.Response{Success: true}, nil
	}
	ch, err := e.pending.Add(f.ID)
	if err != nil {
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, err)
	}
	if err := e.write(f); err != nil {
		e.pending.Drop(f.ID)
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, protocol.ErrNoReceiver)
	}
	return e.pending.Wait(ctx, f.ID, ch)
}

// Listen registers the context with the daemon and runs h for requests
// addressed to it. Disposing closes the connection.
func (e *Endpoint) Listen(h transport.Handler) (func(), error) {
	hello := wire.Frame{Kind: wire.KindHello, ID: wire.NewID(), Info: &e.info}
	ch, err := e.pending.Add(hello.ID)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, err)
	}

	e.mu.Lock()
	if e.inbox != nil {
		e.mu.Unlock()
		e.pending.Drop(hello.ID)
		return nil, fmt.Errorf("attach %s: already listening", e.info.ID)
	}
	e.inbox = wire.NewInbox(h, e.write)
	e.mu.Unlock()

	if err := e.write(hello); err != nil {
		e.pending.Drop(hello.ID)
		e.Close()
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, err)
	}

	timer := time.NewTimer(handshakeTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ch:
		if !ok {
			e.Close()
			return nil, fmt.Errorf("attach %s: %w", e.info.ID, protocol.ErrNoReceiver)
		}
		if ack.Kind != wire.KindAttached {
			_, err := ack.Result()
			e.Close()
			return nil, fmt.Errorf("attach %s: %w", e.info.ID, err)
		}
	case <-timer.C:
		e.pending.Drop(hello.ID)
		e.Close()
		return nil, fmt.Errorf("attach %s: no acknowledgement within %s", e.info.ID, handshakeTimeout)
	}
	return func() { e.Close() }, nil
}

// Close closes the connection and fails outstanding requests. It waits for
// a running handler to return.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.writeMu.Lock()
		_ = e.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		e.writeMu.Unlock()
		err = e.conn.Close()

		e.mu.Lock()
		inbox := e.inbox
		e.mu.Unlock()
		if inbox != nil {
			inbox.Close()
		}
		<-e.done
	})
	return err
}

func (e *Endpoint) read() {
	defer close(e.done)
	defer e.pending.Close()
	for {
		_, data, err := e.conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			e.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch f.Kind {
		case wire.KindResponse, wire.KindAttached:
			e.pending.Resolve(f)
		case wire.KindRequest, wire.KindNotify:
			e.mu.Lock()
			inbox := e.inbox
			e.mu.Unlock()
			if inbox == nil {
				if f.Kind == wire.KindRequest {
					_ = e.write(wire.Reply(f.ID, protocol.Response{}, protocol.ErrNoReceiver))
				}
				continue
			}
			inbox.Push(f)
		}
	}
}
