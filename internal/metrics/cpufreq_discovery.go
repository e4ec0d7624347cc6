package metrics

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"

	"cpufreqd/internal/sysfs"
)

const (
	// DefaultSysfsRoot is the kernel directory holding per-CPU cpufreq nodes.
	DefaultSysfsRoot = "/sys/devices/system/cpu"

	maxDiscoverCPUs = 8192
)

// Discovery is the result of one startup scan.
// Params: CPU count, capability flags and seeded per-CPU counters.
// Returns: inputs for the sampling engine.
type Discovery struct {
	CPUCount int
	Caps     Capabilities
	counters []*cpuCounters
}

func cpuDir(root string, cpu int) string {
	return filepath.Join(root, "cpu"+strconv.Itoa(cpu), "cpufreq")
}

func curFreqPath(root string, cpu int) string {
	return filepath.Join(cpuDir(root, cpu), "scaling_cur_freq")
}

func totalTransPath(root string, cpu int) string {
	return filepath.Join(cpuDir(root, cpu), "stats", "total_trans")
}

func timeInStatePath(root string, cpu int) string {
	return filepath.Join(cpuDir(root, cpu), "stats", "time_in_state")
}

// Discover counts CPUs exposing scaling_cur_freq and seeds counter baselines.
// A residency or transitions read failure on any CPU disables that category for all CPUs.
// Params: reader pseudo-file reader; root sysfs cpu directory; logger for capability notes.
// Returns: discovery result (CPUCount may be 0).
func Discover(reader *sysfs.Reader, root string, logger *slog.Logger) Discovery {
	count := 0
	for count < maxDiscoverCPUs && reader.Readable(curFreqPath(root, count)) {
		count++
	}

	plural := "s"
	if count == 1 {
		plural = ""
	}
	logger.Info(fmt.Sprintf("Found %d CPU%s", count, plural), slog.String("root", root))

	out := Discovery{
		CPUCount: count,
		Caps:     Capabilities{Residency: count > 0, Transitions: count > 0},
		counters: make([]*cpuCounters, count),
	}

	for cpu := 0; cpu < count; cpu++ {
		counters := &cpuCounters{}
		out.counters[cpu] = counters

		if out.Caps.Residency {
			path := timeInStatePath(root, cpu)
			pairs, err := reader.ReadLabelValues(path)
			if err != nil {
				out.Caps.Residency = false
				logger.Info(
					"time_in_state unavailable, residency stats disabled",
					slog.Int("cpu", cpu),
					slog.String("error", err.Error()),
				)
			} else {
				counters.seedResidency(pairs)
			}
		}

		if out.Caps.Transitions {
			path := totalTransPath(root, cpu)
			total, err := reader.ReadInt(path)
			if err != nil {
				out.Caps.Transitions = false
				logger.Info(
					"total_trans unavailable, transition stats disabled",
					slog.Int("cpu", cpu),
					slog.String("error", err.Error()),
				)
			} else {
				counters.transitions = total
			}
		}
	}

	return out
}
