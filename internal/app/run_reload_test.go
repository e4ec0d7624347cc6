package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cpufreqd/internal/config"
)

// configSource hands out whatever config the test staged for the next load.
type configSource struct {
	mu    sync.Mutex
	cfg   *config.Config
	err   error
	calls int
}

func (s *configSource) stage(cfg *config.Config, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg, s.err = cfg, err
}

func (s *configSource) load(_ string) (*config.Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.cfg, s.err
}

func (s *configSource) loads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// runCounters tracks logger and pprof lifecycles across generations.
type runCounters struct {
	loggersCreated atomic.Int32
	loggersClosed  atomic.Int32
	pprofStarted   atomic.Int32
	pprofStopped   atomic.Int32
}

func (c *runCounters) newLogger(_ config.LogConfig) (*slog.Logger, func(), error) {
	c.loggersCreated.Add(1)
	return slog.New(slog.NewTextHandler(io.Discard, nil)), func() { c.loggersClosed.Add(1) }, nil
}

func (c *runCounters) startPprof(_ context.Context, _ config.PprofConfig, _ *slog.Logger) (func(), error) {
	c.pprofStarted.Add(1)
	var once sync.Once
	return func() { once.Do(func() { c.pprofStopped.Add(1) }) }, nil
}

// daemonDeps wires the real pipeline with fake logger and pprof.
func daemonDeps(source *configSource, counters *runCounters) runDeps {
	deps := defaultRunDeps()
	deps.loadEnv = nil
	deps.loadConfig = source.load
	deps.newLogger = counters.newLogger
	deps.startPprof = counters.startPprof
	return deps
}

// writeCPU writes one cpufreq node under root.
func writeCPU(t *testing.T, root string, cpu int, khz, trans int64) {
	t.Helper()
	dir := filepath.Join(root, fmt.Sprintf("cpu%d", cpu), "cpufreq")
	files := map[string]string{
		"scaling_cur_freq":    fmt.Sprintf("%d\n", khz),
		"stats/total_trans":   fmt.Sprintf("%d\n", trans),
		"stats/time_in_state": "800000 100\n1800000 50\n",
	}
	for rel, body := range files {
		path := filepath.Join(dir, rel)
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
}

func cpuRoot(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "devices", "system", "cpu")
}

func freePort(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	addr := listener.Addr().String()
	_ = listener.Close()
	return addr
}

// daemonConfig samples root hourly so only the warm-up pass runs per generation.
func daemonConfig(root, listen string) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{DC: "dc1", Host: "node-1", Project: "infra", Role: "db", RunID: "run-1"},
		CPUFreq: config.CPUFreqConfig{
			SysfsRoot: root,
			Interval:  config.Duration{Duration: time.Hour},
		},
		Prometheus: config.PrometheusConfig{Enabled: listen != "", Listen: listen},
	}
}

var scrapeClient = &http.Client{
	Timeout:   time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func scrape(addr string) (string, error) {
	resp, err := scrapeClient.Get("http://" + addr + "/metrics")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	return string(body), nil
}

// waitScrape polls addr until the exposition satisfies match.
func waitScrape(t *testing.T, addr string, what string, match func(string) bool) string {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	var last string
	for time.Now().Before(deadline) {
		body, err := scrape(addr)
		if err == nil && match(body) {
			return body
		}
		last = body
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s; last exposition:\n%s", what, last)
	return ""
}

func waitUnreachable(t *testing.T, addr string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := scrape(addr); err != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("endpoint %s still serving", addr)
}

func waitLoads(t *testing.T, source *configSource, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for source.loads() < want {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %d config loads (have=%d)", want, source.loads())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func contains(line string) func(string) bool {
	return func(body string) bool { return strings.Contains(body, line) }
}

// startDaemon runs runWithDeps in the background and returns its reload trigger and stop func.
func startDaemon(t *testing.T, deps runDeps) (chan<- struct{}, func() error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "cpufreqd.toml", Reload: reload}, deps)
	}()

	stopped := false
	stop := func() error {
		if stopped {
			return nil
		}
		stopped = true
		cancel()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting runWithDeps stop")
			return nil
		}
	}
	t.Cleanup(func() { _ = stop() })
	return reload, stop
}

// TestRun_ReloadRediscoversAndReseeds verifies a reload discovers CPUs again and restarts deltas at zero.
// Params: t test context.
// Returns: none.
func TestRun_ReloadRediscoversAndReseeds(t *testing.T) {
	root := cpuRoot(t)
	writeCPU(t, root, 0, 800000, 10)
	listen := freePort(t)

	source := &configSource{}
	source.stage(daemonConfig(root, listen), nil)
	counters := &runCounters{}
	reload, stop := startDaemon(t, daemonDeps(source, counters))

	body := waitScrape(t, listen, "first warm-up pass", contains(`cpufreq_transitions_delta{cpu="0"} 0`))
	if strings.Contains(body, `cpu="1"`) {
		t.Fatalf("unexpected cpu1 before it exists:\n%s", body)
	}

	// cpu0 moved 40 transitions; cpu1 came online.
	writeCPU(t, root, 0, 800000, 50)
	writeCPU(t, root, 1, 1800000, 7)
	source.stage(daemonConfig(root, listen), nil)
	reload <- struct{}{}

	body = waitScrape(t, listen, "rediscovered cpu1", contains(`cpufreq_frequency_hertz{cpu="1"} 1.8e+09`))
	if !strings.Contains(body, `cpufreq_transitions_delta{cpu="0"} 0`) {
		t.Fatalf("first delta after reload must start at the reload:\n%s", body)
	}
	if !strings.Contains(body, `cpufreq_transitions_delta{cpu="1"} 0`) {
		t.Fatalf("new cpu must be seeded at discovery:\n%s", body)
	}

	other := cpuRoot(t)
	for cpu := 0; cpu < 3; cpu++ {
		writeCPU(t, other, cpu, 600000, 1)
	}
	source.stage(daemonConfig(other, listen), nil)
	reload <- struct{}{}

	body = waitScrape(t, listen, "cpu2 from new sysfs root", contains(`cpufreq_frequency_hertz{cpu="2"} 6e+08`))
	if !strings.Contains(body, `cpufreq_frequency_hertz{cpu="0"} 6e+08`) {
		t.Fatalf("cpu0 must be read from the new root:\n%s", body)
	}

	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if got := counters.loggersCreated.Load(); got != 3 {
		t.Fatalf("logger created=%d, want=3", got)
	}
	if got := counters.loggersClosed.Load(); got != 3 {
		t.Fatalf("logger closed=%d, want=3", got)
	}
	if got := counters.pprofStopped.Load(); got != counters.pprofStarted.Load() {
		t.Fatalf("pprof started=%d stopped=%d", counters.pprofStarted.Load(), got)
	}
}

// TestRun_ReloadZeroCPUsKeepsSinks verifies an empty tree after reload leaves the endpoint serving.
// Params: t test context.
// Returns: none.
func TestRun_ReloadZeroCPUsKeepsSinks(t *testing.T) {
	root := cpuRoot(t)
	writeCPU(t, root, 0, 800000, 10)
	listen := freePort(t)

	source := &configSource{}
	source.stage(daemonConfig(root, listen), nil)
	reload, stop := startDaemon(t, daemonDeps(source, &runCounters{}))

	waitScrape(t, listen, "cpu0 series", contains(`cpufreq_frequency_hertz{cpu="0"}`))

	source.stage(daemonConfig(cpuRoot(t), listen), nil)
	reload <- struct{}{}
	waitLoads(t, source, 2)

	body := waitScrape(t, listen, "empty exposition", func(body string) bool {
		return !strings.Contains(body, "cpufreq_frequency_hertz{")
	})
	if !strings.Contains(body, "cpufreq_events_unknown_type_total 0") {
		t.Fatalf("prometheus sink should still be registered:\n%s", body)
	}

	// The runtime stays up with no sampler.
	time.Sleep(50 * time.Millisecond)
	if _, err := scrape(listen); err != nil {
		t.Fatalf("endpoint stopped with zero CPUs: %v", err)
	}
	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
}

// TestRun_ReloadTogglesPrometheus verifies the listener follows prometheus.enabled across reloads.
// Params: t test context.
// Returns: none.
func TestRun_ReloadTogglesPrometheus(t *testing.T) {
	root := cpuRoot(t)
	writeCPU(t, root, 0, 800000, 10)
	listen := freePort(t)

	source := &configSource{}
	source.stage(daemonConfig(root, listen), nil)
	reload, stop := startDaemon(t, daemonDeps(source, &runCounters{}))

	waitScrape(t, listen, "enabled endpoint", contains(`cpufreq_frequency_hertz{cpu="0"}`))

	source.stage(daemonConfig(root, ""), nil)
	reload <- struct{}{}
	waitUnreachable(t, listen)

	source.stage(daemonConfig(root, listen), nil)
	reload <- struct{}{}
	waitScrape(t, listen, "re-enabled endpoint", contains(`cpufreq_frequency_hertz{cpu="0"}`))

	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
}

// TestRun_ReloadInvalidConfigKeepsRuntime verifies a rejected config leaves the running sampler untouched.
// Params: t test context.
// Returns: none.
func TestRun_ReloadInvalidConfigKeepsRuntime(t *testing.T) {
	root := cpuRoot(t)
	writeCPU(t, root, 0, 800000, 10)
	listen := freePort(t)

	source := &configSource{}
	source.stage(daemonConfig(root, listen), nil)
	counters := &runCounters{}
	reload, stop := startDaemon(t, daemonDeps(source, counters))

	waitScrape(t, listen, "cpu0 series", contains(`cpufreq_frequency_hertz{cpu="0"}`))

	source.stage(nil, errors.New("invalid config"))
	reload <- struct{}{}
	waitLoads(t, source, 2)

	if _, err := scrape(listen); err != nil {
		t.Fatalf("runtime stopped after invalid reload: %v", err)
	}
	if got := counters.loggersCreated.Load(); got != 1 {
		t.Fatalf("logger created=%d, want=1", got)
	}
	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
}

// TestRun_ReloadListenConflictRollsBack verifies a failed apply restores the previous endpoint.
// Params: t test context.
// Returns: none.
func TestRun_ReloadListenConflictRollsBack(t *testing.T) {
	root := cpuRoot(t)
	writeCPU(t, root, 0, 800000, 10)
	listen := freePort(t)

	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	source := &configSource{}
	source.stage(daemonConfig(root, listen), nil)
	counters := &runCounters{}
	reload, stop := startDaemon(t, daemonDeps(source, counters))

	waitScrape(t, listen, "cpu0 series", contains(`cpufreq_frequency_hertz{cpu="0"}`))

	source.stage(daemonConfig(root, busy.Addr().String()), nil)
	reload <- struct{}{}
	waitLoads(t, source, 2)

	waitScrape(t, listen, "restored endpoint", contains(`cpufreq_frequency_hertz{cpu="0"}`))
	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if got := counters.loggersClosed.Load(); got != counters.loggersCreated.Load() {
		t.Fatalf("logger created=%d closed=%d", counters.loggersCreated.Load(), got)
	}
}

type exitingEngine struct {
	err error
}

func (e exitingEngine) Run(_ context.Context) error { return e.err }

// TestRun_EngineStopsUnexpectedly verifies the loop returns when the engine exits on its own.
// Params: t test context.
// Returns: none.
func TestRun_EngineStopsUnexpectedly(t *testing.T) {
	source := &configSource{}
	source.stage(daemonConfig(cpuRoot(t), ""), nil)
	counters := &runCounters{}
	engineErr := errors.New("boom")

	deps := daemonDeps(source, counters)
	deps.newEngine = func(context.Context, *config.Config, *slog.Logger) (engineRunner, error) {
		return exitingEngine{err: engineErr}, nil
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "cpufreqd.toml"}, deps)
	if !errors.Is(err, engineErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := counters.loggersClosed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
	if got := counters.pprofStopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want=1", got)
	}
}

// TestRun_ReloadInterruptedByShutdown verifies a pending apply yields to shutdown.
// Params: t test context.
// Returns: none.
func TestRun_ReloadInterruptedByShutdown(t *testing.T) {
	source := &configSource{}
	source.stage(daemonConfig(cpuRoot(t), ""), nil)

	secondBuild := make(chan struct{})
	var builds atomic.Int32
	deps := daemonDeps(source, &runCounters{})
	build := deps.newEngine
	deps.newEngine = func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engineRunner, error) {
		if builds.Add(1) == 1 {
			return build(ctx, cfg, logger)
		}
		close(secondBuild)
		<-ctx.Done()
		return nil, ctx.Err()
	}

	reload, stop := startDaemon(t, deps)
	reload <- struct{}{}
	select {
	case <-secondBuild:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting second build")
	}
	if err := stop(); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
}

// TestRunWithDeps_EnvFileLoadedBeforeConfig verifies the dotenv file is applied before config load.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_EnvFileLoadedBeforeConfig(t *testing.T) {
	var order []string
	source := &configSource{}
	source.stage(daemonConfig(cpuRoot(t), ""), nil)
	deps := daemonDeps(source, &runCounters{})
	deps.loadEnv = func(path string) error {
		order = append(order, "env:"+path)
		return nil
	}
	deps.loadConfig = func(path string) (*config.Config, error) {
		order = append(order, "config:"+path)
		return source.load(path)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := runWithDeps(ctx, Runtime{ConfigPath: "cpufreqd.toml", EnvFile: ".env"}, deps); err == nil {
		t.Fatal("expected error for canceled runtime context")
	}
	if len(order) != 2 || order[0] != "env:.env" || order[1] != "config:cpufreqd.toml" {
		t.Fatalf("unexpected load order: %#v", order)
	}
}

// TestRunWithDeps_EnvFileError verifies dotenv failures abort startup.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_EnvFileError(t *testing.T) {
	envErr := errors.New("bad dotenv")
	deps := daemonDeps(&configSource{}, &runCounters{})
	deps.loadEnv = func(string) error { return envErr }

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "cpufreqd.toml", EnvFile: "missing.env"}, deps)
	if !errors.Is(err, envErr) {
		t.Fatalf("unexpected error: %v", err)
	}
}
