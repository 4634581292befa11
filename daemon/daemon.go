// Package daemon runs the background context: it owns the in-process host,
// the persisted record and the central store, and serves remote contexts
// over a unix-socket gRPC gateway and an HTTP WebSocket gateway.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/brandon-relentnet/scrollr-sub001/config"
	"github.com/brandon-relentnet/scrollr-sub001/internal/lifecycle"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/telemetry"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/memhost"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/rpc"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/ws"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
)

type Daemon struct {
	cfg      config.Config
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	host     *memhost.Host
	persist  *persist.Adapter
	bg       *lifecycle.Context
	gateway  *ws.Gateway
	tracing  func(context.Context) error
}

// New opens the configured backend and boots the background context. The
// central store is ready when New returns.
func New(ctx context.Context, cfg config.Config) (_ *Daemon, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{cfg: cfg, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	d.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	d.metrics = metrics.New(d.registry)

	if cfg.Tracing {
		shutdown, err := telemetry.Setup(os.Stderr)
		if err != nil {
			return nil, err
		}
		d.tracing = shutdown
	}

	backend, err := OpenBackend(cfg)
	if err != nil {
		return nil, err
	}
	d.persist = persist.New(backend, persist.Options{
		MinWriteInterval: cfg.WriteThrottle,
		Metrics:          d.metrics,
	})
	d.host = memhost.New()
	d.gateway = ws.NewGateway(d.host, d.metrics)

	d.bg, err = lifecycle.Boot(ctx, lifecycle.Options{
		Endpoint:       d.host.Endpoint(protocol.Info{ID: protocol.BackgroundID, Kind: protocol.KindBackground}),
		Directory:      d.host,
		Persist:        d.persist,
		Metrics:        d.metrics,
		RequestTimeout: cfg.RequestTimeout,
		SendTimeout:    cfg.RequestTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("start daemon: %w", err)
	}
	return d, nil
}

// Host is the in-process host; contexts living in the daemon process attach
// to it directly.
func (d *Daemon) Host() *memhost.Host { return d.host }

func (d *Daemon) Background() *lifecycle.Context { return d.bg }

// Serve runs the gateways until ctx is cancelled or one of them fails.
func (d *Daemon) Serve(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return rpc.NewServer(d.host, d.metrics).ListenAndServe(ctx, d.cfg.Socket)
	})
	if d.cfg.HTTPAddr != "" {
		g.Go(func() error { return serveHTTP(ctx, d.cfg.HTTPAddr, d.Handler()) })
	}
	slog.Info("Daemon serving.", "socket", d.cfg.Socket, "http", d.cfg.HTTPAddr, "backend", d.cfg.Backend)
	return g.Wait()
}

// Close detaches the background context, stops the host and writes the
// last pending snapshot before closing the backend.
func (d *Daemon) Close() error {
	var errs []error
	if d.gateway != nil {
		d.gateway.Close()
	}
	if d.bg != nil {
		errs = append(errs, d.bg.Close())
	}
	if d.host != nil {
		d.host.Close()
	}
	if d.persist != nil {
		errs = append(errs, d.persist.Close())
	}
	if d.tracing != nil {
		errs = append(errs, d.tracing(context.Background()))
	}
	return errors.Join(errs...)
}

// Run starts the daemon and blocks until ctx is cancelled.
func Run(ctx context.Context, cfg config.Config) error {
	d, err := New(ctx, cfg)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Serve(ctx)
}
