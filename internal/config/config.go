package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "line"
	defaultSysfsRoot       = "/sys/devices/system/cpu"
	defaultInterval        = 10 * time.Second
	defaultCollectorTO     = 5 * time.Second
	defaultCollectorRetry  = 3 * time.Second
	defaultCollectorBatchN = 200
	defaultCollectorBatchA = 5 * time.Second
	defaultPprofListen     = "127.0.0.1:6060"
	defaultPromListen      = "127.0.0.1:9465"
	defaultPromPath        = "/metrics"
)

// Duration wraps time.Duration for TOML parsing.
// Params: text duration string (e.g. "5s", "1m").
// Returns: parse error on invalid duration.
type Duration struct {
	time.Duration
}

// UnmarshalText parses TOML duration values.
// Params: text is raw duration bytes from TOML.
// Returns: error when value is not a valid Go duration.
func (d *Duration) UnmarshalText(text []byte) error {
	value := strings.TrimSpace(string(text))
	if value == "" {
		d.Duration = 0
		return nil
	}

	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", value, err)
	}

	d.Duration = parsed
	return nil
}

// Config represents the root agent configuration.
// Params: TOML document sections.
// Returns: validated runtime configuration.
type Config struct {
	Global     GlobalConfig      `toml:"global"`
	Log        LogConfig         `toml:"log"`
	Pprof      PprofConfig       `toml:"pprof"`
	CPUFreq    CPUFreqConfig     `toml:"cpufreq"`
	Collector  []CollectorConfig `toml:"collector"`
	Prometheus PrometheusConfig  `toml:"prometheus"`
}

// GlobalConfig contains tags copied into every event.
// Params: configured global tags; RunID defaults to a random UUID per process.
// Returns: global tag settings for all events.
type GlobalConfig struct {
	DC      string `toml:"dc"`
	Project string `toml:"project"`
	Role    string `toml:"role"`
	Host    string `toml:"host"`
	RunID   string `toml:"run_id"`
}

// PprofConfig defines optional runtime pprof HTTP endpoint.
// Params: enabled flag and listen address in host:port format.
// Returns: pprof runtime settings.
type PprofConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
}

// LogConfig contains console/file logging configuration.
// Params: console and file sink options.
// Returns: logger sink settings.
type LogConfig struct {
	Console LogSinkConfig `toml:"console"`
	File    LogSinkConfig `toml:"file"`
}

// LogSinkConfig defines one logging sink.
// Params: sink options from TOML.
// Returns: sink setup.
type LogSinkConfig struct {
	Enabled bool   `toml:"enabled"`
	Level   string `toml:"level"`
	Format  string `toml:"format"`
	Path    string `toml:"path"`
}

// CPUFreqConfig configures where and how often cpufreq is sampled.
// Params: sysfs cpu directory and sampling interval.
// Returns: sampler registration settings.
type CPUFreqConfig struct {
	SysfsRoot string   `toml:"sysfs_root"`
	Interval  Duration `toml:"interval"`
}

// PrometheusConfig defines the optional scrape endpoint.
// Params: enabled flag, listen host:port and HTTP path.
// Returns: prometheus sink settings.
type PrometheusConfig struct {
	Enabled bool   `toml:"enabled"`
	Listen  string `toml:"listen"`
	Path    string `toml:"path"`
}

// CollectorConfig defines collector target and delivery behavior.
// Params: collector endpoints, retry/batch/queue settings.
// Returns: one collector runtime config.
type CollectorConfig struct {
	Name          string               `toml:"name"`
	Addr          []string             `toml:"addr"`
	Timeout       Duration             `toml:"timeout"`
	RetryInterval Duration             `toml:"retry_interval"`
	Queue         CollectorQueueConfig `toml:"queue"`
	Batch         CollectorBatchConfig `toml:"batch"`
}

// CollectorQueueConfig defines disk queue limits.
// Params: queue controls from TOML.
// Returns: per-collector queue settings.
type CollectorQueueConfig struct {
	Enabled   bool     `toml:"enabled"`
	Dir       string   `toml:"dir"`
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
}

// CollectorBatchConfig defines in-memory batch limits.
// Params: batch controls from TOML.
// Returns: per-collector batch settings.
type CollectorBatchConfig struct {
	MaxEvents uint64   `toml:"max_events"`
	MaxAge    Duration `toml:"max_age"`
}

// LoadEnvFile loads KEY=VALUE pairs into the process environment.
// Variables already present in the environment are left untouched.
// Params: path dotenv file path; empty path is a no-op.
// Returns: read/parse error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

// Load reads, expands, validates, and returns config from path.
// Params: path to TOML config file or directory with *.toml files.
// Returns: validated config pointer or error.
func Load(path string) (*Config, error) {
	raw, err := readConfigSource(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(raw))

	var cfg Config
	if err := toml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("decode TOML %q: %w", path, err)
	}

	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// readConfigSource reads one TOML file or concatenates *.toml files from directory.
// Params: path to config file or directory.
// Returns: raw TOML bytes or error.
func readConfigSource(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat config %q: %w", path, err)
	}

	if !info.IsDir() {
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", path, readErr)
		}
		return raw, nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("read config dir %q: %w", path, err)
	}

	files := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() && strings.EqualFold(filepath.Ext(entry.Name()), ".toml") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)
	if len(files) == 0 {
		return nil, fmt.Errorf("read config dir %q: no *.toml files", path)
	}

	var builder strings.Builder
	for _, name := range files {
		filePath := filepath.Join(path, name)
		raw, readErr := os.ReadFile(filePath)
		if readErr != nil {
			return nil, fmt.Errorf("read config %q: %w", filePath, readErr)
		}
		builder.Write(raw)
		builder.WriteString("\n\n")
	}

	return []byte(builder.String()), nil
}

// applyDefaults fills defaults for optional configuration fields.
// Params: receiver config pointer.
// Returns: error if defaulting needs host lookup and it fails.
func (c *Config) applyDefaults() error {
	c.Log.Console.Level = lowerOrDefault(c.Log.Console.Level, defaultLogLevel)
	c.Log.Console.Format = lowerOrDefault(c.Log.Console.Format, defaultLogFormat)
	c.Log.File.Level = lowerOrDefault(c.Log.File.Level, defaultLogLevel)
	c.Log.File.Format = lowerOrDefault(c.Log.File.Format, "json")

	if !c.Log.Console.Enabled && !c.Log.File.Enabled {
		c.Log.Console.Enabled = true
	}

	if strings.TrimSpace(c.Global.Host) == "" {
		host, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolve hostname: %w", err)
		}
		c.Global.Host = host
	}
	if strings.TrimSpace(c.Global.RunID) == "" {
		c.Global.RunID = uuid.NewString()
	}

	if strings.TrimSpace(c.CPUFreq.SysfsRoot) == "" {
		c.CPUFreq.SysfsRoot = defaultSysfsRoot
	}
	if c.CPUFreq.Interval.Duration == 0 {
		c.CPUFreq.Interval.Duration = defaultInterval
	}

	for i := range c.Collector {
		if c.Collector[i].Timeout.Duration <= 0 {
			c.Collector[i].Timeout.Duration = defaultCollectorTO
		}
		if c.Collector[i].RetryInterval.Duration <= 0 {
			c.Collector[i].RetryInterval.Duration = defaultCollectorRetry
		}
		if c.Collector[i].Batch.MaxEvents == 0 {
			c.Collector[i].Batch.MaxEvents = defaultCollectorBatchN
		}
		if c.Collector[i].Batch.MaxAge.Duration <= 0 {
			c.Collector[i].Batch.MaxAge.Duration = defaultCollectorBatchA
		}
	}

	if c.Pprof.Enabled && strings.TrimSpace(c.Pprof.Listen) == "" {
		c.Pprof.Listen = defaultPprofListen
	}
	if c.Prometheus.Enabled {
		if strings.TrimSpace(c.Prometheus.Listen) == "" {
			c.Prometheus.Listen = defaultPromListen
		}
		if strings.TrimSpace(c.Prometheus.Path) == "" {
			c.Prometheus.Path = defaultPromPath
		}
	}

	return nil
}

// validate checks config consistency and required fields.
// Params: receiver config pointer.
// Returns: validation error for invalid or incomplete config.
func (c *Config) validate() error {
	if strings.TrimSpace(c.Global.Host) == "" {
		return fmt.Errorf("global.host resolved to empty value")
	}

	if err := validateSink("log.console", c.Log.Console, false); err != nil {
		return err
	}
	if err := validateSink("log.file", c.Log.File, true); err != nil {
		return err
	}
	if err := validateListen("pprof", c.Pprof.Enabled, c.Pprof.Listen); err != nil {
		return err
	}

	if c.CPUFreq.Interval.Duration < 0 {
		return fmt.Errorf("cpufreq.interval cannot be negative")
	}
	if !filepath.IsAbs(c.CPUFreq.SysfsRoot) {
		return fmt.Errorf("cpufreq.sysfs_root must be an absolute path")
	}

	if len(c.Collector) == 0 && !c.Prometheus.Enabled {
		return fmt.Errorf("at least one [[collector]] section or enabled [prometheus] is required")
	}

	for idx, collector := range c.Collector {
		if err := validateCollector(fmt.Sprintf("collector[%d]", idx), collector); err != nil {
			return err
		}
	}

	if err := validateListen("prometheus", c.Prometheus.Enabled, c.Prometheus.Listen); err != nil {
		return err
	}
	if c.Prometheus.Enabled && !strings.HasPrefix(c.Prometheus.Path, "/") {
		return fmt.Errorf("prometheus.path must start with /")
	}

	return nil
}

// validateCollector validates one collector target section.
// Params: path config path for errors; collector section.
// Returns: validation error or nil.
func validateCollector(path string, collector CollectorConfig) error {
	if len(collector.Addr) == 0 {
		return fmt.Errorf("%s.addr must contain at least one host:port", path)
	}
	for addrIdx, addr := range collector.Addr {
		if strings.TrimSpace(addr) == "" {
			return fmt.Errorf("%s.addr[%d] cannot be empty", path, addrIdx)
		}
	}

	if collector.Queue.Enabled {
		if strings.TrimSpace(collector.Queue.Dir) == "" {
			return fmt.Errorf("%s.queue.dir is required when queue is enabled", path)
		}
		if collector.Queue.MaxEvents == 0 && collector.Queue.MaxAge.Duration <= 0 {
			return fmt.Errorf("%s.queue requires max_events > 0 or max_age > 0", path)
		}
	}
	return nil
}

// validateSink validates one logging sink configuration.
// Params: name is sink path for errors; sink is sink config; requirePath means path required when enabled.
// Returns: validation error or nil.
func validateSink(name string, sink LogSinkConfig, requirePath bool) error {
	if sink.Enabled && requirePath && strings.TrimSpace(sink.Path) == "" {
		return fmt.Errorf("%s.path is required when sink is enabled", name)
	}

	switch sink.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%s.level: unsupported value %q", name, sink.Level)
	}
	switch sink.Format {
	case "line", "json":
	default:
		return fmt.Errorf("%s.format: unsupported value %q", name, sink.Format)
	}

	return nil
}

// validateListen validates optional host:port listener settings.
// Params: path config path prefix; enabled section flag; listen address.
// Returns: validation error for invalid listen endpoint.
func validateListen(path string, enabled bool, listen string) error {
	if !enabled {
		return nil
	}
	if strings.TrimSpace(listen) == "" {
		return fmt.Errorf("%s.listen cannot be empty when enabled", path)
	}
	if _, _, err := net.SplitHostPort(listen); err != nil {
		return fmt.Errorf("%s.listen must be host:port: %w", path, err)
	}
	return nil
}

// lowerOrDefault returns a trimmed lower-case value or default fallback.
// Params: value to normalize; fallback value when empty.
// Returns: normalized value.
func lowerOrDefault(value, fallback string) string {
	normalized := strings.ToLower(strings.TrimSpace(value))
	if normalized == "" {
		return fallback
	}
	return normalized
}
