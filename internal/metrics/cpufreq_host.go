package metrics

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"

	procsysfs "github.com/prometheus/procfs/sysfs"
	"github.com/shirou/gopsutil/v4/cpu"
)

const sysfsCPUSuffix = "/devices/system/cpu"

// LogHostTopology reports logical CPU count and cpufreq policies next to the discovered count.
// Output is informational only; it never changes capability flags.
// Params: ctx for host queries; logger destination; root sysfs cpu directory; discovered CPU count.
// Returns: none.
func LogHostTopology(ctx context.Context, logger *slog.Logger, root string, discovered int) {
	logical, err := cpu.CountsWithContext(ctx, true)
	if err != nil {
		logger.Debug("logical cpu count unavailable", slog.String("error", err.Error()))
	} else if logical != discovered {
		logger.Warn(
			"cpufreq cpu count differs from logical cpu count",
			slog.Int("cpufreq_cpus", discovered),
			slog.Int("logical_cpus", logical),
		)
	}

	mount, ok := sysMountPoint(root)
	if !ok {
		return
	}
	fs, err := procsysfs.NewFS(mount)
	if err != nil {
		logger.Debug("open sysfs failed", slog.String("mount", mount), slog.String("error", err.Error()))
		return
	}
	policies, err := fs.SystemCpufreq()
	if err != nil {
		logger.Debug("read cpufreq policies failed", slog.String("error", err.Error()))
		return
	}

	for _, policy := range policies {
		attrs := []any{
			slog.String("cpu", policy.Name),
			slog.String("driver", policy.Driver),
			slog.String("governor", policy.Governor),
		}
		if policy.ScalingMinimumFrequency != nil {
			attrs = append(attrs, slog.Uint64("min_khz", *policy.ScalingMinimumFrequency))
		}
		if policy.ScalingMaximumFrequency != nil {
			attrs = append(attrs, slog.Uint64("max_khz", *policy.ScalingMaximumFrequency))
		}
		logger.Info("cpufreq policy", attrs...)
	}
}

// sysMountPoint derives sysfs mount point from cpu directory root.
// Params: root sysfs cpu directory such as /sys/devices/system/cpu.
// Returns: mount point and true when root has the standard layout.
func sysMountPoint(root string) (string, bool) {
	cleaned := filepath.ToSlash(filepath.Clean(root))
	if !strings.HasSuffix(cleaned, sysfsCPUSuffix) {
		return "", false
	}
	mount := strings.TrimSuffix(cleaned, sysfsCPUSuffix)
	if mount == "" {
		return "", false
	}
	return filepath.FromSlash(mount), true
}
