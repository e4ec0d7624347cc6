package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"cpufreqd/internal/config"
	"cpufreqd/internal/metrics"
)

const (
	prometheusShutdownTimeout = 3 * time.Second
	prometheusReadHeaderTO    = 2 * time.Second
)

// PrometheusSink serves the series of the most recent completed sampling pass.
// A CPU or state missing from a pass disappears from the exposition.
// Params: registry with the pass collector and an optional HTTP listener.
// Returns: sink implementation.
type PrometheusSink struct {
	registry *prometheus.Registry
	pass     *passCollector
	dropped  prometheus.Counter

	path     string
	listener net.Listener
	logger   *slog.Logger
}

var (
	cpufreqHertzDesc = prometheus.NewDesc(
		"cpufreq_frequency_hertz",
		"Current scaling frequency of the CPU in hertz.",
		[]string{"cpu"}, nil,
	)
	cpufreqTransitionsDesc = prometheus.NewDesc(
		"cpufreq_transitions_delta",
		"Frequency transitions since the previous sample.",
		[]string{"cpu"}, nil,
	)
	cpufreqResidencyDesc = prometheus.NewDesc(
		"cpufreq_time_in_state_delta",
		"Residency ticks per frequency state since the previous sample.",
		[]string{"cpu", "state"}, nil,
	)
)

type seriesKey struct {
	typ   string
	cpu   string
	state string
}

// passCollector accumulates one pass and exposes the last committed one as const metrics.
type passCollector struct {
	mu        sync.Mutex
	pending   map[seriesKey]float64
	committed map[seriesKey]float64
}

func newPassCollector() *passCollector {
	return &passCollector{
		pending:   make(map[seriesKey]float64),
		committed: make(map[seriesKey]float64),
	}
}

func (c *passCollector) add(key seriesKey, value float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending[key] = value
}

func (c *passCollector) commit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = c.pending
	c.pending = make(map[seriesKey]float64, len(c.committed))
}

// Describe sends the three cpufreq descriptors.
// Params: ch descriptor channel.
// Returns: none.
func (c *passCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- cpufreqHertzDesc
	ch <- cpufreqTransitionsDesc
	ch <- cpufreqResidencyDesc
}

// Collect emits the committed pass.
// Params: ch metric channel.
// Returns: none.
func (c *passCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, value := range c.committed {
		switch key.typ {
		case metrics.TypeFrequency:
			ch <- prometheus.MustNewConstMetric(cpufreqHertzDesc, prometheus.GaugeValue, value, key.cpu)
		case metrics.TypeTransitions:
			ch <- prometheus.MustNewConstMetric(cpufreqTransitionsDesc, prometheus.GaugeValue, value, key.cpu)
		case metrics.TypeTimeInState:
			ch <- prometheus.MustNewConstMetric(cpufreqResidencyDesc, prometheus.GaugeValue, value, key.cpu, key.state)
		}
	}
}

// NewPrometheusSink registers the pass collector and binds the scrape listener.
// Params: cfg listen/path settings (listener is skipped when Listen is empty); logger runtime logger.
// Returns: sink or listen error.
func NewPrometheusSink(cfg config.PrometheusConfig, logger *slog.Logger) (*PrometheusSink, error) {
	sink := &PrometheusSink{
		registry: prometheus.NewRegistry(),
		pass:     newPassCollector(),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cpufreq_events_unknown_type_total",
			Help: "Events ignored because their type has no gauge.",
		}),
		path:   cfg.Path,
		logger: logger,
	}
	if sink.path == "" {
		sink.path = "/metrics"
	}
	sink.registry.MustRegister(sink.pass, sink.dropped)

	if cfg.Listen != "" {
		listener, err := net.Listen("tcp", cfg.Listen)
		if err != nil {
			return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
		}
		sink.listener = listener
	}

	return sink, nil
}

// Consume stages event value for the pass in progress.
// Params: _ unused context; event payload.
// Returns: always nil; unknown types are counted.
func (s *PrometheusSink) Consume(_ context.Context, event Event) error {
	switch event.Type {
	case metrics.TypeFrequency, metrics.TypeTransitions:
		s.pass.add(seriesKey{typ: event.Type, cpu: event.PluginInstance}, event.Value)
	case metrics.TypeTimeInState:
		s.pass.add(seriesKey{typ: event.Type, cpu: event.PluginInstance, state: event.TypeInstance}, event.Value)
	default:
		s.dropped.Inc()
	}
	return nil
}

// EndPass publishes the staged pass, replacing the previous one.
// Params: _ unused context; _ pass timestamp.
// Returns: always nil.
func (s *PrometheusSink) EndPass(_ context.Context, _ uint64) error {
	s.pass.commit()
	return nil
}

// Handler exposes the registry in Prometheus text format.
// Params: none.
// Returns: HTTP handler.
func (s *PrometheusSink) Handler() http.Handler {
	return promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})
}

// Run serves scrapes until ctx is canceled.
// Params: ctx lifecycle context.
// Returns: serve error other than graceful close.
func (s *PrometheusSink) Run(ctx context.Context) error {
	if s.listener == nil {
		<-ctx.Done()
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(s.path, s.Handler())
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: prometheusReadHeaderTO,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), prometheusShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("prometheus shutdown error", slog.String("error", err.Error()))
		}
	}()

	s.logger.Info("prometheus endpoint started", slog.String("addr", s.listener.Addr().String()), slog.String("path", s.path))
	if err := server.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve prometheus: %w", err)
	}
	return nil
}

func (s *PrometheusSink) closeListener() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
}
