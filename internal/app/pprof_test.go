package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"cpufreqd/internal/config"
)

// TestStartPprofServer_Disabled verifies disabled pprof yields a no-op stop.
// Params: t test context.
// Returns: none.
func TestStartPprofServer_Disabled(t *testing.T) {
	stop, err := startPprofServer(context.Background(), config.PprofConfig{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("startPprofServer: %v", err)
	}
	stop()
	stop()
}

// TestStartPprofServer_ListenError verifies bind failures are reported.
// Params: t test context.
// Returns: none.
func TestStartPprofServer_ListenError(t *testing.T) {
	_, err := startPprofServer(
		context.Background(),
		config.PprofConfig{Enabled: true, Listen: "256.0.0.1:bad"},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err == nil {
		t.Fatal("expected listen error")
	}
}

// TestStartPprofServer_StopIsIdempotent verifies stop may be called after ctx cancel.
// Params: t test context.
// Returns: none.
func TestStartPprofServer_StopIsIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stop, err := startPprofServer(
		ctx,
		config.PprofConfig{Enabled: true, Listen: "127.0.0.1:0"},
		slog.New(slog.NewTextHandler(io.Discard, nil)),
	)
	if err != nil {
		t.Fatalf("startPprofServer: %v", err)
	}
	cancel()
	stop()
	stop()
}

// TestPprofMux_ServesCmdline verifies profile routes are registered.
// Params: t test context.
// Returns: none.
func TestPprofMux_ServesCmdline(t *testing.T) {
	recorder := httptest.NewRecorder()
	pprofMux().ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/debug/pprof/cmdline", nil))
	if recorder.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", recorder.Code)
	}
}
