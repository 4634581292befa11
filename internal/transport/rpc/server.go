package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/check"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/wire"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// shutdownGrace is how long in-flight calls get before attached streams are
// cut.
const shutdownGrace = 2 * time.Second

// Server exposes a host to remote contexts.
type Server struct {
	host    transport.Host
	metrics *metrics.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	sessions map[protocol.ContextID]string
}

func NewServer(host transport.Host, m *metrics.Metrics) *Server {
	check.Assert(host != nil, "rpc.NewServer: host must not be nil")
	return &Server{
		host:     host,
		metrics:  m,
		log:      slog.With("component", "rpc-gateway"),
		sessions: make(map[protocol.ContextID]string),
	}
}

// Register adds the Host service to reg.
func (s *Server) Register(reg grpc.ServiceRegistrar) {
	reg.RegisterService(&serviceDesc, s)
}

func (s *Server) Send(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	f, err := wire.Decode(in.GetValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if f.Kind != wire.KindRequest && f.Kind != wire.KindNotify {
		return nil, status.Errorf(codes.InvalidArgument, "send accepts request frames, got %s", f.Kind)
	}
	if f.To == "" {
		return nil, status.Error(codes.InvalidArgument, "destination context is required")
	}
	if err := s.authorize(ctx, f.From); err != nil {
		return nil, err
	}

	resp, err := s.host.Send(ctx, f.From, f.To, *f.Envelope)
	if err != nil {
		return nil, toStatus(err)
	}
	out, err := wire.Encode(wire.Reply(f.ID, resp, nil))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return wrapperspb.Bytes(out), nil
}

func (s *Server) Attach(stream grpc.ServerStream) error {
	hello, err := recvFrame(stream)
	if err != nil {
		return err
	}
	if hello.Kind != wire.KindHello {
		return status.Errorf(codes.InvalidArgument, "first frame must be hello, got %s", hello.Kind)
	}
	info := *hello.Info
	if info.Kind == protocol.KindBackground {
		return status.Error(codes.InvalidArgument, "the background context cannot attach remotely")
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

	token := uuid.NewString()
	if err := stream.SetHeader(metadata.Pairs(sessionHeader, token)); err != nil {
		return err
	}

	bridge := wire.NewBridge(info, write)
	dispose, err := s.host.Attach(info, bridge.Handle)
	if err != nil {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	defer dispose()
	defer bridge.Close()

	s.mu.Lock()
	s.sessions[info.ID] = token
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.sessions[info.ID] == token {
			delete(s.sessions, info.ID)
		}
		s.mu.Unlock()
	}()

	s.metrics.ContextAttached()
	defer s.metrics.ContextDetached()
	log := s.log.With("context", info.String())
	log.Info("remote context attached")
	defer log.Info("remote context detached")

	if err := write(wire.Frame{Kind: wire.KindAttached, Info: &info}); err != nil {
		return err
	}
	for {
		f, err := recvFrame(stream)
		if err != nil {
			if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
				return nil
			}
			return err
		}
		switch f.Kind {
		case wire.KindResponse:
			bridge.Resolve(f)
		default:
			log.Debug("ignoring frame on attach stream", "kind", f.Kind)
		}
	}
}

// authorize checks that a caller may send as from. Nobody outside the daemon
// speaks for the background context, and an attached context is spoken for
// only by the connection holding its session token. Unattached names stay
// free for one-shot callers.
func (s *Server) authorize(ctx context.Context, from protocol.ContextID) error {
	if from == protocol.BackgroundID {
		return status.Error(codes.PermissionDenied, "remote callers cannot send as the background context")
	}
	attached := false
	for _, p := range s.host.Peers() {
		if p.ID == from {
			attached = true
			break
		}
	}
	if !attached {
		return nil
	}

	s.mu.Lock()
	want, ok := s.sessions[from]
	s.mu.Unlock()
	md, _ := metadata.FromIncomingContext(ctx)
	if got := md.Get(sessionHeader); ok && len(got) == 1 && got[0] == want {
		return nil
	}
	s.log.Warn("rejected send on behalf of another context", "from", from)
	return status.Errorf(codes.PermissionDenied, "context %s is attached by another connection", from)
}

func recvFrame(stream interface{ RecvMsg(any) error }) (wire.Frame, error) {
	in := new(wrapperspb.BytesValue)
	if err := stream.RecvMsg(in); err != nil {
		return wire.Frame{}, err
	}
	f, err := wire.Decode(in.GetValue())
	if err != nil {
		return wire.Frame{}, status.Error(codes.InvalidArgument, err.Error())
	}
	return f, nil
}

// Serve runs a gRPC server with the Host service on ln until ctx is
// cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s.Register(srv)

	go func() {
		<-ctx.Done()
		stopped := make(chan struct{})
		go func() {
			srv.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-time.After(shutdownGrace):
			srv.Stop()
		}
	}()

	if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serve grpc: %w", err)
	}
	return nil
}

// ListenAndServe serves on a unix socket at socketPath, replacing a stale
// socket from a previous run.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", socketPath, err)
	}
	defer func() { _ = os.Remove(socketPath) }()
	if err := os.Chmod(socketPath, 0o600); err != nil {
		ln.Close()
		return fmt.Errorf("restrict socket permissions: %w", err)
	}
	s.log.Info("grpc gateway listening", "socket", socketPath)
	return s.Serve(ctx, ln)
}
