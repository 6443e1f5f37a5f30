package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/textenc/internal/config"
	"github.com/MrWong99/textenc/internal/health"
	"github.com/MrWong99/textenc/internal/observe"
)

// startTelemetry initialises OpenTelemetry and, when cfg.MetricsAddr is set,
// serves /metrics, /healthz and /readyz. The returned function stops the
// server and flushes the providers.
func startTelemetry(ctx context.Context, cfg config.TelemetryConfig, checkers []health.Checker) (func(), error) {
	if cfg.MetricsAddr == "" {
		return func() {}, nil
	}
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: cfg.ServiceName})
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	health.New(checkers...).Register(mux)

	ln, err := net.Listen("tcp", cfg.MetricsAddr)
	if err != nil {
		_ = shutdownOTel(ctx)
		return nil, err
	}
	srv := &http.Server{
		Handler:           observe.Middleware(observe.DefaultMetrics())(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("telemetry server error", "err", err)
		}
	}()
	slog.Info("telemetry listening", "addr", ln.Addr().String())

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry server shutdown", "err", err)
		}
		if err := shutdownOTel(shutdownCtx); err != nil {
			slog.Warn("telemetry provider shutdown", "err", err)
		}
	}, nil
}
