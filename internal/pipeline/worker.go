package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"cpufreqd/internal/metrics"
)

// EventTags contains mandatory global tags added to every event.
// Params: values from config.global.
// Returns: immutable tags used by workers.
type EventTags struct {
	DC      string
	Host    string
	Project string
	Role    string
	RunID   string
}

// WorkerConfig defines one sampling worker runtime.
// Params: metric identity, sampling interval, collector and tags.
// Returns: worker runtime configuration.
type WorkerConfig struct {
	Metric    string
	Interval  time.Duration
	Collector metrics.Collector
	Tags      EventTags
}

type metricWorker struct {
	cfg    WorkerConfig
	sink   Sink
	logger *slog.Logger
	now    func() time.Time
}

// newMetricWorker builds a worker from runtime config.
// Params: cfg runtime settings; sink event consumer; logger root logger.
// Returns: worker instance or error.
func newMetricWorker(cfg WorkerConfig, sink Sink, logger *slog.Logger) (*metricWorker, error) {
	if cfg.Collector == nil {
		return nil, fmt.Errorf("collector is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if cfg.Metric == "" {
		cfg.Metric = cfg.Collector.Name()
	}

	return &metricWorker{
		cfg:    cfg,
		sink:   sink,
		logger: logger.With(slog.String("metric", cfg.Metric)),
		now:    time.Now,
	}, nil
}

// run executes one sampling pass per interval until context cancellation.
// Passes never overlap: the next tick is handled only after the previous pass returns.
// Params: ctx controls lifecycle.
// Returns: nil on graceful stop.
func (w *metricWorker) run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	w.sampleOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sampleOnce(ctx)
		}
	}
}

// sampleOnce collects one sample batch, forwards it to the sink and marks the pass end.
// Params: ctx for scrape cancellation.
// Returns: none.
func (w *metricWorker) sampleOnce(ctx context.Context) {
	dt := uint64(w.now().UnixMilli())

	samples, err := w.cfg.Collector.Scrape(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		w.logger.Error("scrape failed", slog.String("error", err.Error()))
		return
	}

	for _, sample := range samples {
		event := w.eventFor(dt, sample)
		if err := w.sink.Consume(ctx, event); err != nil {
			w.logger.Error(
				"emit failed",
				slog.String("cpu", event.PluginInstance),
				slog.String("type", event.Type),
				slog.String("error", err.Error()),
			)
		}
	}

	if passSink, ok := w.sink.(PassSink); ok {
		if err := passSink.EndPass(ctx, dt); err != nil {
			w.logger.Error("commit pass failed", slog.String("error", err.Error()))
		}
	}
}

// eventFor converts one core sample into a tagged event.
// Params: dt sampling time in unix milliseconds; sample core sample.
// Returns: event payload.
func (w *metricWorker) eventFor(dt uint64, sample metrics.Sample) Event {
	return Event{
		DT:             dt,
		Host:           w.cfg.Tags.Host,
		DC:             w.cfg.Tags.DC,
		Project:        w.cfg.Tags.Project,
		Role:           w.cfg.Tags.Role,
		RunID:          w.cfg.Tags.RunID,
		Plugin:         w.cfg.Metric,
		PluginInstance: strconv.Itoa(sample.CPU),
		Type:           sample.Type,
		TypeInstance:   sample.TypeInstance,
		Value:          sample.Value,
	}
}
