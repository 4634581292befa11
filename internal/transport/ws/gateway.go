// Package ws bridges remote contexts onto a host over WebSocket. Each
// connection carries wire frames as text messages and may register at most
// one context with a hello frame; a connection that never says hello can
// still send requests, for example from a command-line client.
package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/wire"

	"github.com/gorilla/websocket"
)

// Path is where the gateway is mounted.
const Path = "/v1/contexts"

const (
	writeWait      = 5 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  16 * 1024,
	WriteBufferSize: 16 * 1024,
}

type Gateway struct {
	host    transport.Host
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[*session]struct{}
	closed   bool
}

func NewGateway(host transport.Host, m *metrics.Metrics) *Gateway {
	check.Assert(host != nil, "ws.NewGateway: host must not be nil")
	return &Gateway{
		host:     host,
		metrics:  m,
		log:      slog.With("component", "ws-gateway"),
		sessions: make(map[*session]struct{}),
	}
}

// Close drops every open connection, detaching their contexts. Later
// upgrades are refused.
func (g *Gateway) Close() {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*session, 0, len(g.sessions))
	for c := range g.sessions {
		sessions = append(sessions, c)
	}
	g.mu.Unlock()
	for _, c := range sessions {
		_ = c.conn.Close()
	}
}

func (g *Gateway) track(c *session) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.sessions[c] = struct{}{}
	return true
}

func (g *Gateway) untrack(c *session) {
	g.mu.Lock()
	delete(g.sessions, c)
	g.mu.Unlock()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &session{
		gw:   g,
		conn: conn,
		log:  g.log.With("remote", r.RemoteAddr),
	}
	if !g.track(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		conn.Close()
		return
	}
	defer g.untrack(c)
	c.serve(r.Context())
}

// session is one gateway connection.
type session struct {
	gw   *Gateway
	conn *websocket.Conn
	log  *slog.Logger

	writeMu sync.Mutex

	info    *protocol.Info
	bridge  *wire.Bridge
	dispose func()
	calls   sync.WaitGroup
}

func (c *session) write(f wire.Frame) error {
	data, err := wire.Encode(f)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *session) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *session) serve(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer func() {
		cancel()
		c.detach()
		c.calls.Wait()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug("connection lost", "err", err)
			}
			return
		}
		f, err := wire.Decode(data)
		if err != nil {
			c.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		switch f.Kind {
		case wire.KindHello:
			c.attach(f)
		case wire.KindRequest, wire.KindNotify:
			c.forward(ctx, f)
		case wire.KindResponse:
			if c.bridge != nil {
				c.bridge.Resolve(f)
			}
		default:
			c.log.Debug("ignoring frame", "kind", f.Kind)
		}
	}
}

// attach registers the connection's context. The reply carries the hello's
// id: an attached frame on success, an error response otherwise.
func (c *session) attach(f wire.Frame) {
	fail := func(err error) {
		_ = c.write(wire.Reply(f.ID, protocol.Response{}, err))
	}
	if c.info != nil {
		fail(fmt.Errorf("connection already attached as %s: %w", c.info.ID, protocol.ErrUnsupported))
		return
	}
	info := *f.Info
	if info.Kind == protocol.KindBackground {
		fail(fmt.Errorf("the background context cannot attach remotely: %w", protocol.ErrUnsupported))
		return
	}
	bridge := wire.NewBridge(info, c.write)
	dispose, err := c.gw.host.Attach(info, bridge.Handle)
	if err != nil {
		fail(err)
		return
	}
	c.info, c.bridge, c.dispose = &info, bridge, dispose
	c.log = c.log.With("context", info.String())
	c.gw.metrics.ContextAttached()
	c.log.Info("remote context attached")

	if err := c.write(wire.Frame{Kind: wire.KindAttached, ID: f.ID, Info: &info}); err != nil {
		c.log.Debug("write attached frame", "err", err)
	}
}

func (c *session) detach() {
	if c.dispose == nil {
		return
	}
	// Fail deliveries still waiting on the connection first; dispose waits
	// for the in-flight handler to return.
	c.bridge.Close()
	c.dispose()
	c.gw.metrics.ContextDetached()
	c.log.Info("remote context detached")
}

// unclaimed reports whether an anonymous connection may send as id: never as
// the background context, nor as a context attached anywhere on the host.
func (g *Gateway) unclaimed(id protocol.ContextID) bool {
	if id == protocol.BackgroundID {
		return false
	}
	for _, p := range g.host.Peers() {
		if p.ID == id {
			return false
		}
	}
	return true
}

// forward delivers a request on behalf of the connection. An attached
// connection always sends as its own context.
func (c *session) forward(ctx context.Context, f wire.Frame) {
	from := f.From
	anonymous := c.info == nil
	if !anonymous {
		from = c.info.ID
	}
	log := c.log
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		var (
			resp protocol.Response
			err  error
		)
		switch {
		case f.To == "":
			err = errors.New("destination context is required")
		case anonymous && !c.gw.unclaimed(from):
			err = fmt.Errorf("%w: %s is attached by another connection", protocol.ErrUnsupported, from)
		default:
			resp, err = c.gw.host.Send(ctx, from, f.To, *f.Envelope)
		}
		if f.Kind == wire.KindNotify {
			return
		}
		if werr := c.write(wire.Reply(f.ID, resp, err)); werr != nil {
			log.Debug("write response frame", "id", f.ID, "err", werr)
		}
	}()
}
