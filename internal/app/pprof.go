package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"sync"
	"time"

	"cpufreqd/internal/config"
)

const (
	pprofShutdownTimeout = 3 * time.Second
	pprofReadHeaderTO    = 2 * time.Second
)

var pprofRoutes = map[string]http.HandlerFunc{
	"/debug/pprof/":        pprofhttp.Index,
	"/debug/pprof/cmdline": pprofhttp.Cmdline,
	"/debug/pprof/profile": pprofhttp.Profile,
	"/debug/pprof/symbol":  pprofhttp.Symbol,
	"/debug/pprof/trace":   pprofhttp.Trace,
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	for pattern, handler := range pprofRoutes {
		mux.HandleFunc(pattern, handler)
	}
	return mux
}

// startPprofServer serves runtime profiles until ctx is canceled or stop is called.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; logger reports runtime events.
// Returns: idempotent stop function and listen error.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}
	addr := listener.Addr().String()

	server := &http.Server{
		Handler:           pprofMux(),
		ReadHeaderTimeout: pprofReadHeaderTO,
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), pprofShutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("pprof shutdown error", slog.String("error", err.Error()))
			}
		})
	}
	context.AfterFunc(ctx, stop)

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server failed", slog.String("addr", addr), slog.String("error", err.Error()))
		}
	}()

	logger.Info("pprof server started", slog.String("addr", addr))
	return stop, nil
}
