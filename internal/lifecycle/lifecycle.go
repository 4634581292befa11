// Package lifecycle boots and tears down one context: the background context
// gets the central store and its notifier, every other context gets a proxy.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/central"
	"github.com/brandon-relentnet/scrollr-sub001/internal/metrics"
	"github.com/brandon-relentnet/scrollr-sub001/internal/persist"
	"github.com/brandon-relentnet/scrollr-sub001/internal/protocol"
	"github.com/brandon-relentnet/scrollr-sub001/internal/proxy"
	"github.com/brandon-relentnet/scrollr-sub001/internal/transport"
)

type Options struct {
	Endpoint transport.Endpoint
	// Directory lists the peers the background context broadcasts to.
	// Required for the background context only.
	Directory transport.Directory
	// Persist is shared by every context on the host and is not closed by
	// Context.Close.
	Persist *persist.Adapter
	Metrics *metrics.Metrics
	// RequestTimeout bounds proxy requests to the central store.
	RequestTimeout time.Duration
	// Fanout and SendTimeout tune broadcasts from the background context.
	Fanout      int
	SendTimeout time.Duration
}

// Context is a booted context.
type Context struct {
	info     protocol.Info
	central  *central.Store
	notifier *central.Notifier
	proxy    *proxy.Store
	dispose  func()
	log      *slog.Logger

	closeOnce sync.Once
}

// Boot wires the store for the endpoint's kind and attaches it to the host.
// The central store is initialized before it starts answering. A proxy
// starts listening before it initializes so no broadcast sent in between is
// lost.
func Boot(ctx context.Context, opts Options) (*Context, error) {
	if opts.Endpoint == nil {
		return nil, errors.New("boot context: endpoint is required")
	}
	info := opts.Endpoint.Info()
	if err := info.Validate(); err != nil {
		return nil, fmt.Errorf("boot context: %w", err)
	}
	c := &Context{info: info, log: slog.With("component", "lifecycle", "context", info.ID)}
	if info.Kind == protocol.KindBackground {
		if err := c.bootBackground(ctx, opts); err != nil {
			return nil, err
		}
	} else {
		if err := c.bootProxy(ctx, opts); err != nil {
			return nil, err
		}
	}
	c.log.Info("context booted", "kind", info.Kind)
	return c, nil
}

func (c *Context) bootBackground(ctx context.Context, opts Options) error {
	if opts.Directory == nil {
		return errors.New("boot background context: directory is required")
	}
	c.notifier = central.NewNotifier(opts.Endpoint, opts.Directory, central.NotifierOptions{
		Self:        c.info.ID,
		Fanout:      opts.Fanout,
		SendTimeout: opts.SendTimeout,
		Metrics:     opts.Metrics,
	})
	centralOpts := central.Options{Broadcast: c.notifier, Metrics: opts.Metrics}
	if opts.Persist != nil {
		centralOpts.Persist = opts.Persist
	}
	c.central = central.New(centralOpts)

	if _, err := c.central.Init(ctx); err != nil {
		c.notifier.Close()
		return fmt.Errorf("boot background context: %w", err)
	}
	dispose, err := opts.Endpoint.Listen(c.central.Handle)
	if err != nil {
		c.notifier.Close()
		return fmt.Errorf("boot background context: %w", err)
	}
	c.dispose = dispose
	return nil
}

func (c *Context) bootProxy(ctx context.Context, opts Options) error {
	proxyOpts := proxy.Options{RequestTimeout: opts.RequestTimeout, Metrics: opts.Metrics}
	if opts.Persist != nil {
		proxyOpts.Persist = opts.Persist
	}
	c.proxy = proxy.New(opts.Endpoint, proxyOpts)

	dispose, err := opts.Endpoint.Listen(c.proxy.Handle)
	if err != nil {
		c.proxy.Close()
		return fmt.Errorf("boot %s context: %w", c.info.Kind, err)
	}
	c.dispose = dispose
	if _, err := c.proxy.Initialize(ctx); err != nil {
		dispose()
		c.proxy.Close()
		return fmt.Errorf("boot %s context: %w", c.info.Kind, err)
	}
	return nil
}

func (c *Context) Info() protocol.Info { return c.info }

// Central is the central store; nil unless this is the background context.
func (c *Context) Central() *central.Store { return c.central }

// Proxy is the proxy store; nil for the background context.
func (c *Context) Proxy() *proxy.Store { return c.proxy }

// Flush waits for broadcasts queued by the background context to be
// delivered. It returns immediately for other contexts.
func (c *Context) Flush(ctx context.Context) error {
	if c.notifier == nil {
		return nil
	}
	return c.notifier.Flush(ctx)
}

// Close detaches the context and releases its store. After Close returns no
// handler of this context runs, and the host reports the context as gone to
// anyone still sending to it. Close is idempotent.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		if c.dispose != nil {
			c.dispose()
		}
		if c.notifier != nil {
			c.notifier.Close()
		}
		if c.proxy != nil {
			c.proxy.Close()
		}
		c.log.Info("context closed")
	})
	return nil
}
