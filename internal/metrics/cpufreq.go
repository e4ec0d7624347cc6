package metrics

import (
	"context"
	"log/slog"
	"sync"

	"cpufreqd/internal/sysfs"
)

// CPUFREQCollector samples cpufreq gauges and counter deltas for discovered CPUs.
// Params: metricName emitted into event plugin field.
// Returns: CPUFREQ collector instance.
type CPUFREQCollector struct {
	metricName string
	root       string
	reader     *sysfs.Reader
	logger     *slog.Logger

	mu        sync.Mutex
	discovery Discovery
}

// NewCPUFREQCollector discovers CPUs once and seeds counter baselines.
// Params: metricName emitted name; root sysfs cpu directory; reader pseudo-file reader; logger for warnings.
// Returns: configured collector; CPUCount reports 0 when nothing can be sampled.
func NewCPUFREQCollector(metricName string, root string, reader *sysfs.Reader, logger *slog.Logger) *CPUFREQCollector {
	if root == "" {
		root = DefaultSysfsRoot
	}
	if reader == nil {
		reader = sysfs.NewReader()
	}

	return &CPUFREQCollector{
		metricName: metricName,
		root:       root,
		reader:     reader,
		logger:     logger,
		discovery:  Discover(reader, root, logger),
	}
}

// Name returns logical metric name.
// Params: none.
// Returns: metric name string.
func (c *CPUFREQCollector) Name() string {
	return c.metricName
}

// CPUCount returns number of CPUs found at discovery.
// Params: none.
// Returns: CPU count.
func (c *CPUFREQCollector) CPUCount() int {
	return c.discovery.CPUCount
}

// Capabilities returns capability flags fixed at discovery.
// Params: none.
// Returns: flag pair.
func (c *CPUFREQCollector) Capabilities() Capabilities {
	return c.discovery.Caps
}

// Scrape runs one sampling pass over all discovered CPUs in index order.
// Per-CPU read failures are logged and isolated; they never fail the pass.
// Params: ctx for cancellation between CPUs.
// Returns: emitted samples or context error.
func (c *CPUFREQCollector) Scrape(ctx context.Context) ([]Sample, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	samples := make([]Sample, 0, c.discovery.CPUCount*3)
	for cpu := 0; cpu < c.discovery.CPUCount; cpu++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		samples = c.sampleCPU(cpu, samples)
	}

	return samples, nil
}

// sampleCPU appends samples for one CPU and updates its counters.
// Params: cpu index; out destination slice.
// Returns: extended sample slice.
func (c *CPUFREQCollector) sampleCPU(cpu int, out []Sample) []Sample {
	freqPath := curFreqPath(c.root, cpu)
	khz, err := c.reader.ReadInt(freqPath)
	if err != nil {
		c.logger.Warn(
			"reading cpu frequency failed",
			slog.Int("cpu", cpu),
			slog.String("path", freqPath),
			slog.String("error", err.Error()),
		)
		return out
	}

	out = append(out, Sample{CPU: cpu, Type: TypeFrequency, Value: float64(khz) * 1000})

	counters := c.discovery.counters[cpu]

	if c.discovery.Caps.Transitions {
		path := totalTransPath(c.root, cpu)
		total, err := c.reader.ReadInt(path)
		if err != nil {
			c.warnRead(cpu, path, err)
		} else {
			delta := counters.observeTransitions(total)
			if delta < 0 {
				c.logger.Warn(
					"transition counter decreased",
					slog.Int("cpu", cpu),
					slog.Int64("delta", delta),
				)
			}
			out = append(out, Sample{CPU: cpu, Type: TypeTransitions, Value: float64(delta)})
		}
	}

	if c.discovery.Caps.Residency {
		path := timeInStatePath(c.root, cpu)
		pairs, err := c.reader.ReadLabelValues(path)
		if err != nil {
			c.warnRead(cpu, path, err)
			return out
		}

		deltas, relabeled := counters.observeResidency(pairs)
		for _, idx := range relabeled {
			c.logger.Warn(
				"time_in_state order changed",
				slog.Int("cpu", cpu),
				slog.Int("position", idx),
				slog.String("state", pairs[idx].Label),
			)
		}
		for idx, pair := range pairs {
			if deltas[idx] < 0 {
				c.logger.Warn(
					"time_in_state counter decreased",
					slog.Int("cpu", cpu),
					slog.String("state", pair.Label),
					slog.Int64("delta", deltas[idx]),
				)
			}
			out = append(out, Sample{
				CPU:          cpu,
				Type:         TypeTimeInState,
				TypeInstance: pair.Label,
				Value:        float64(deltas[idx]),
			})
		}
	}

	return out
}

// warnRead logs one skipped sub-reading.
// Params: cpu index; path failed file; err read error.
// Returns: none.
func (c *CPUFREQCollector) warnRead(cpu int, path string, err error) {
	c.logger.Warn(
		"reading cpufreq stats failed",
		slog.Int("cpu", cpu),
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}
