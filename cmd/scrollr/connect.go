package main

import (
	"context"
	"fmt"

	"github.com/brandon-relentnet/scrollr-sub001/config"
	"github.com/brandon-relentnet/scrollr-sub001/internal/lifecycle"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/rpc"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/ws"

	"github.com/spf13/cobra"
)

const (
	transportGRPC = "grpc"
	transportWS   = "ws"
)

type connectFlags struct {
	configPath string
	socket     string
	url        string
	transport  string
}

func (f *connectFlags) bind(cmd *cobra.Command) {
	cmd.PersistentFlags().StringVar(&f.configPath, "config", "", "Config file (default $XDG_CONFIG_HOME/scrollr/config.yaml)")
	cmd.PersistentFlags().StringVar(&f.socket, "socket", "", "Daemon unix socket (overrides config)")
	cmd.PersistentFlags().StringVar(&f.url, "url", "", "Daemon WebSocket URL (overrides config)")
	cmd.PersistentFlags().StringVar(&f.transport, "transport", transportGRPC, "How to reach the daemon: grpc or ws")
}

// session is this process running as a UI context of the daemon.
type session struct {
	ctx   *lifecycle.Context
	close func() error
}

func (s *session) Close() error {
	s.ctx.Close()
	return s.close()
}

// connect registers a fresh UI context with the daemon and initializes its
// proxy.
func (f *connectFlags) connect(ctx context.Context, cfg config.Config) (*session, error) {
	info := protocol.Info{ID: protocol.NewContextID(protocol.KindUI), Kind: protocol.KindUI, Label: "scrollr-cli"}

	var (
		ep      transport.Endpoint
		closeFn func() error
	)
	switch f.transport {
	case transportGRPC:
		socket := f.socket
		if socket == "" {
			socket = cfg.Socket
		}
		client, err := rpc.Dial(socket)
		if err != nil {
			return nil, err
		}
		ep, closeFn = client.Endpoint(info), client.Close
	case transportWS:
		url := f.url
		if url == "" {
			url = cfg.WebSocketURL()
		}
		wsep, err := ws.Dial(ctx, url, info)
		if err != nil {
			return nil, err
		}
		ep, closeFn = wsep, wsep.Close
	default:
		return nil, fmt.Errorf("unknown transport %q, want grpc or ws", f.transport)
	}

	c, err := lifecycle.Boot(ctx, lifecycle.Options{Endpoint: ep, RequestTimeout: cfg.RequestTimeout})
	if err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("connect to daemon: %w", err)
	}
	return &session{ctx: c, close: closeFn}, nil
}

func (f *connectFlags) open(cmd *cobra.Command) (*session, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	return f.connect(cmd.Context(), cfg)
}
