package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/brandon-relentnet/scrollr-sub001/internal/transport/ws"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const shutdownTimeout = 5 * time.Second

type health struct {
	Status   string `json:"status"`
	Epoch    string `json:"epoch,omitempty"`
	Revision uint64 `json:"revision"`
	Contexts int    `json:"contexts"`
}

// Handler serves the WebSocket gateway, Prometheus metrics and a health
// check.
func (d *Daemon) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(ws.Path, d.gateway)
	mux.Handle("GET /metrics", promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{Registry: d.registry}))
	mux.HandleFunc("GET /healthz", d.healthz)
	return mux
}

func (d *Daemon) healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	snap, err := d.bg.Central().GetState()
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(health{Status: err.Error()})
		return
	}
	_ = json.NewEncoder(w).Encode(health{
		Status:   "ok",
		Epoch:    snap.Epoch,
		Revision: snap.Revision,
		Contexts: len(d.host.Peers()),
	})
}

func serveHTTP(ctx context.Context, addr string, h http.Handler) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("HTTP shutdown incomplete.", "err", err)
			_ = srv.Close()
		}
	}()

	slog.Info("HTTP gateway listening.", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve http: %w", err)
	}
	return nil
}
