package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"cpufreqd/internal/config"
	"cpufreqd/internal/metrics"
)

// PluginCPUFreq is the plugin name carried by every cpufreq event.
const PluginCPUFreq = "cpufreq"

// Engine owns sampling workers and sink servers lifecycle.
// Params: runner list and logger.
// Returns: pipeline runtime engine.
type Engine struct {
	runners    []runner
	collector  *CollectorSink
	prometheus *PrometheusSink
	stopSinks  context.CancelFunc
	logger     *slog.Logger
}

type runner interface {
	run(context.Context) error
}

type runnerFunc func(context.Context) error

func (f runnerFunc) run(ctx context.Context) error { return f(ctx) }

// NewFromConfig builds sinks and the cpufreq sampler from validated config.
// Params: ctx lifecycle context for sink workers; cfg validated runtime config; logger initialized logger.
// Returns: engine or error.
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	return newEngine(ctx, cfg, logger, &GRPCSender{})
}

func newEngine(ctx context.Context, cfg *config.Config, logger *slog.Logger, sender CollectorSender) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	sinkCtx, stopSinks := context.WithCancel(ctx)
	engine := &Engine{stopSinks: stopSinks, logger: logger}
	sinks := []Sink{NewLogSink(logger)}

	if len(cfg.Collector) > 0 {
		collectorSink, err := NewCollectorSink(sinkCtx, cfg.Collector, logger, sender)
		if err != nil {
			stopSinks()
			return nil, fmt.Errorf("init collector sink: %w", err)
		}
		engine.collector = collectorSink
		sinks = append(sinks, collectorSink)
	}

	if cfg.Prometheus.Enabled {
		promSink, err := NewPrometheusSink(cfg.Prometheus, logger)
		if err != nil {
			engine.abort()
			return nil, fmt.Errorf("init prometheus sink: %w", err)
		}
		engine.prometheus = promSink
		engine.runners = append(engine.runners, runnerFunc(promSink.Run))
		sinks = append(sinks, promSink)
	}

	collector := metrics.NewCPUFREQCollector(PluginCPUFreq, cfg.CPUFreq.SysfsRoot, nil, logger)
	metrics.LogHostTopology(ctx, logger, cfg.CPUFreq.SysfsRoot, collector.CPUCount())

	if collector.CPUCount() == 0 {
		logger.Warn("no cpufreq capable CPUs found, sampler disabled", slog.String("sysfs_root", cfg.CPUFreq.SysfsRoot))
		return engine, nil
	}

	worker, err := newMetricWorker(WorkerConfig{
		Metric:    PluginCPUFreq,
		Interval:  cfg.CPUFreq.Interval.Duration,
		Collector: collector,
		Tags: EventTags{
			DC:      cfg.Global.DC,
			Host:    cfg.Global.Host,
			Project: cfg.Global.Project,
			Role:    cfg.Global.Role,
			RunID:   cfg.Global.RunID,
		},
	}, NewMultiSink(sinks...), logger)
	if err != nil {
		engine.abort()
		return nil, fmt.Errorf("build cpufreq worker: %w", err)
	}
	engine.runners = append(engine.runners, worker)

	caps := collector.Capabilities()
	logger.Info(
		"cpufreq sampler configured",
		slog.Int("cpus", collector.CPUCount()),
		slog.Bool("time_in_state", caps.Residency),
		slog.Bool("transitions", caps.Transitions),
		slog.Duration("interval", cfg.CPUFreq.Interval.Duration),
	)

	return engine, nil
}

// Run starts all runners and waits for context cancellation.
// Collector workers are awaited so their final flush completes before return.
// Params: ctx lifecycle context.
// Returns: first runner error, nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	for _, r := range e.runners {
		active := r
		group.Go(func() error {
			return active.run(groupCtx)
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		return nil
	})

	err := group.Wait()
	e.stopSinks()
	if e.collector != nil {
		<-e.collector.Done()
	}
	if err != nil {
		e.logger.Error("runner stopped with error", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// abort releases sink resources of an engine that will never run.
// Collector workers are awaited so their final flush or spool completes.
// Params: none.
// Returns: none.
func (e *Engine) abort() {
	e.stopSinks()
	if e.collector != nil {
		<-e.collector.Done()
	}
	if e.prometheus != nil {
		e.prometheus.closeListener()
	}
}
