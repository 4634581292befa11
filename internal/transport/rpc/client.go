package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/wire"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Client is a connection to a daemon's Host service.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the daemon socket. The connection is established lazily.
func Dial(socketPath string) (*Client, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	)
	if err != nil {
		return nil, fmt.Errorf("grpc dial unix socket: %w", err)
	}
	return &Client{conn: conn}, nil
}

// NewClient wraps an existing connection.
func NewClient(conn *grpc.ClientConn) *Client {
	return &Client{conn: conn}
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Endpoint returns the transport for a context named info living in this
// process.
func (c *Client) Endpoint(info protocol.Info) *Endpoint {
	return &Endpoint{client: c, info: info}
}

var _ transport.Endpoint = (*Endpoint)(nil)

type Endpoint struct {
	client *Client
	info   protocol.Info

	mu    sync.Mutex
	token string
}

func (e *Endpoint) Info() protocol.Info { return e.info }

func (e *Endpoint) Send(ctx context.Context, to protocol.ContextID, env protocol.Envelope) (protocol.Response, error) {
	data, err := wire.Encode(wire.Request(e.info.ID, to, env))
	if err != nil {
		return protocol.Response{}, err
	}
	e.mu.Lock()
	token := e.token
	e.mu.Unlock()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, sessionHeader, token)
	}
	out := new(wrapperspb.BytesValue)
	if err := e.client.conn.Invoke(ctx, sendMethod, wrapperspb.Bytes(data), out); err != nil {
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, fromStatus(err))
	}
	reply, err := wire.Decode(out.GetValue())
	if err != nil {
		return protocol.Response{}, fmt.Errorf("send %s to %s: %w", env.Type, to, err)
	}
	return reply.Result()
}

// Listen attaches the context to the daemon's host and returns once the
// daemon has registered it.
func (e *Endpoint) Listen(h transport.Handler) (func(), error) {
	ctx, cancel := context.WithCancel(context.Background())
	stream, err := e.client.conn.NewStream(ctx, &serviceDesc.Streams[0], attachMethod)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, fromStatus(err))
	}

	var mu sync.Mutex
	write := func(f wire.Frame) error {
		data, err := wire.Encode(f)
		if err != nil {
			return err
		}
		mu.Lock()
		defer mu.Unlock()
		return stream.SendMsg(wrapperspb.Bytes(data))
	}

	info := e.info
	if err := write(wire.Frame{Kind: wire.KindHello, Info: &info}); err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, fromStatus(err))
	}
	ack, err := recvFrame(stream)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, fromStatus(err))
	}
	if ack.Kind != wire.KindAttached {
		cancel()
		return nil, fmt.Errorf("attach %s: unexpected %s frame", e.info.ID, ack.Kind)
	}
	header, err := stream.Header()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("attach %s: %w", e.info.ID, fromStatus(err))
	}
	token := ""
	if v := header.Get(sessionHeader); len(v) == 1 {
		token = v[0]
	}
	e.mu.Lock()
	e.token = token
	e.mu.Unlock()

	inbox := wire.NewInbox(h, write)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			f, err := recvFrame(stream)
			if err != nil {
				return
			}
			if f.Kind == wire.KindRequest || f.Kind == wire.KindNotify {
				inbox.Push(f)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			if e.token == token {
				e.token = ""
			}
			e.mu.Unlock()
			cancel()
			inbox.Close()
			<-done
		})
	}, nil
}
