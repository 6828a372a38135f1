// Package server provides the pitcrew probe server: liveness and readiness
// for the reconcile loop, Prometheus metrics and, when enabled, the WebSocket
// telemetry source.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rjsadow/pitcrew/internal/metrics"
)

// Probe reports process health. The crew controller satisfies it.
type Probe interface {
	Live() bool
	Ready() bool
}

// Pinger checks a dependency readiness relies on.
type Pinger interface {
	Ping(ctx context.Context) error
}

const (
	pingTimeout     = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// App holds the dependencies the probe server reports on. DB, Metrics and
// Telemetry are optional.
type App struct {
	Probe     Probe
	DB        Pinger
	Metrics   *metrics.Metrics
	Telemetry http.Handler
	// TelemetryPath is where Telemetry is mounted.
	TelemetryPath string
}

// Handler builds the probe mux.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", a.handleHealthz)
	mux.HandleFunc("/readyz", a.handleReadyz)
	if a.Metrics != nil {
		mux.Handle("/metrics", a.Metrics.Handler())
	}
	if a.Telemetry != nil && a.TelemetryPath != "" {
		mux.Handle(a.TelemetryPath, a.Telemetry)
	}
	return requestID(mux)
}

// Serve runs the probe server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Probe server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("probe server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("probe server shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
