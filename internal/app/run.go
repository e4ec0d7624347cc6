package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cpufreqd/internal/config"
	"cpufreqd/internal/logging"
	"cpufreqd/internal/pipeline"
)

var errRunnerExited = errors.New("runner exited without context cancellation")

// Runtime defines runtime inputs required to start the daemon.
// Params: ConfigPath points to a TOML file or directory; EnvFile is an optional dotenv file; Reload triggers config re-read.
// Returns: Runtime value used by Run.
type Runtime struct {
	ConfigPath string
	EnvFile    string
	Reload     <-chan struct{}
}

type engineRunner interface {
	Run(context.Context) error
}

type runDeps struct {
	loadEnv    func(string) error
	loadConfig func(string) (*config.Config, error)
	newLogger  func(config.LogConfig) (*slog.Logger, func(), error)
	startPprof func(context.Context, config.PprofConfig, *slog.Logger) (func(), error)
	newEngine  func(context.Context, *config.Config, *slog.Logger) (engineRunner, error)
}

// generation is one running config snapshot: logger, pprof and engine.
type generation struct {
	cfg         *config.Config
	logger      *slog.Logger
	closeLogger func()
	cancel      context.CancelFunc
	done        chan error
	stopPprof   func()
}

// Run loads configuration, starts the sampler, and rebuilds it on Runtime.Reload.
// Params: ctx controls lifecycle; rt provides runtime inputs and optional reload trigger channel.
// Returns: error on startup failure or unrecoverable reload, nil on graceful stop.
func Run(ctx context.Context, rt Runtime) error {
	return runWithDeps(ctx, rt, defaultRunDeps())
}

// runWithDeps executes runtime lifecycle using injectable dependencies.
// Params: ctx controls lifecycle; rt runtime inputs; deps start/reload dependencies.
// Returns: runtime error or nil on graceful stop.
func runWithDeps(ctx context.Context, rt Runtime, deps runDeps) error {
	if strings.TrimSpace(rt.ConfigPath) == "" {
		return fmt.Errorf("config path is required")
	}
	if deps.loadEnv != nil {
		if err := deps.loadEnv(rt.EnvFile); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	}

	cfg, err := deps.loadConfig(rt.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	current, err := startGeneration(ctx, cfg, deps, nil, nil)
	if err != nil {
		return err
	}

	reloadCh := rt.Reload
	for {
		select {
		case runErr := <-current.done:
			current.done = nil
			current.stop()
			return current.finish(ctx, runErr)
		case <-ctx.Done():
			current.stop()
			return current.finish(ctx, nil)
		case _, ok := <-reloadCh:
			if !ok {
				reloadCh = nil
				continue
			}
			if ctx.Err() != nil {
				continue
			}

			next, reloadErr := reloadGeneration(ctx, rt.ConfigPath, current, deps)
			if next == nil {
				return reloadErr
			}
			current = next
		}
	}
}

// defaultRunDeps provides production runtime dependencies.
// Params: none.
// Returns: dependency set used by Run.
func defaultRunDeps() runDeps {
	return runDeps{
		loadEnv:    config.LoadEnvFile,
		loadConfig: config.Load,
		newLogger:  logging.New,
		startPprof: startPprofServer,
		newEngine: func(ctx context.Context, cfg *config.Config, logger *slog.Logger) (engineRunner, error) {
			return pipeline.NewFromConfig(ctx, cfg, logger)
		},
	}
}

// startGeneration starts logger (unless provided), pprof and engine for one config.
// Params: ctx root lifecycle context; cfg validated config; deps runtime dependency set; logger/closeFn optional logger override.
// Returns: running generation or startup error; a logger created here is closed on failure.
func startGeneration(
	ctx context.Context,
	cfg *config.Config,
	deps runDeps,
	logger *slog.Logger,
	closeFn func(),
) (*generation, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if ctx.Err() != nil {
		return nil, fmt.Errorf("runtime context canceled: %w", ctx.Err())
	}

	ownsLogger := logger == nil
	if ownsLogger {
		created, createdClose, err := deps.newLogger(cfg.Log)
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
		logger, closeFn = created, createdClose
	}
	fail := func(cancel context.CancelFunc, err error) (*generation, error) {
		cancel()
		if ownsLogger && closeFn != nil {
			closeFn()
		}
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	stopPprof, err := deps.startPprof(runCtx, cfg.Pprof, logger)
	if err != nil {
		return fail(cancel, fmt.Errorf("start pprof: %w", err))
	}

	engine, err := deps.newEngine(runCtx, cfg, logger)
	if err != nil {
		stopPprof()
		return fail(cancel, fmt.Errorf("build pipeline: %w", err))
	}

	done := make(chan error, 1)
	go func() {
		done <- engine.Run(runCtx)
	}()

	logStartup(logger, cfg)
	return &generation{
		cfg:         cfg,
		logger:      logger,
		closeLogger: closeFn,
		cancel:      cancel,
		done:        done,
		stopPprof:   stopPprof,
	}, nil
}

// reloadGeneration swaps current generation for one built from a fresh config.
// On apply failure the previous config is started again with the previous logger.
// Params: ctx root lifecycle context; path config path; current running generation; deps runtime dependency set.
// Returns: generation to keep running and optional non-fatal reload error; nil generation means rollback failed.
func reloadGeneration(
	ctx context.Context,
	path string,
	current *generation,
	deps runDeps,
) (*generation, error) {
	current.logger.Info("config reload requested")

	nextCfg, err := deps.loadConfig(path)
	if err != nil {
		current.logger.Error("config reload validation failed", slog.String("error", err.Error()))
		return current, fmt.Errorf("reload config: %w", err)
	}

	nextLogger, nextClose, err := deps.newLogger(nextCfg.Log)
	if err != nil {
		current.logger.Error("config reload logger init failed", slog.String("error", err.Error()))
		return current, fmt.Errorf("init reload logger: %w", err)
	}

	current.stop()
	next, startErr := startGeneration(ctx, nextCfg, deps, nextLogger, nextClose)
	if startErr == nil {
		current.closeLoggerSink()
		next.logger.Info("config reload applied")
		return next, nil
	}
	nextClose()

	if ctx.Err() != nil {
		current.logger.Info("config reload interrupted by shutdown")
		return current, nil
	}

	current.logger.Error("config reload apply failed, restoring previous runtime", slog.String("error", startErr.Error()))
	restored, rollbackErr := startGeneration(ctx, current.cfg, deps, current.logger, current.closeLogger)
	if rollbackErr != nil {
		current.closeLoggerSink()
		return nil, fmt.Errorf("apply reload: %w; rollback failed: %w", startErr, rollbackErr)
	}

	restored.logger.Warn("config reload rejected, previous runtime restored", slog.String("error", startErr.Error()))
	return restored, fmt.Errorf("apply reload: %w", startErr)
}

// finish logs the stop reason, closes logger and maps engine exit to Run's result.
// Params: ctx root context; runErr engine result (nil when stopping by cancellation).
// Returns: nil on graceful stop, wrapped error when engine exited on its own.
func (g *generation) finish(ctx context.Context, runErr error) error {
	defer g.closeLoggerSink()

	if ctx.Err() != nil {
		g.logger.Info("daemon stopped", slog.String("reason", ctx.Err().Error()))
		return nil
	}
	if runErr == nil {
		runErr = errRunnerExited
	}
	g.logger.Error("pipeline stopped unexpectedly", slog.String("error", runErr.Error()))
	return fmt.Errorf("run pipeline: %w", runErr)
}

// stop cancels the engine, waits for it and stops pprof; the logger stays open.
// Params: none.
// Returns: none.
func (g *generation) stop() {
	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
	if g.done != nil {
		<-g.done
		g.done = nil
	}
	if g.stopPprof != nil {
		g.stopPprof()
		g.stopPprof = nil
	}
}

func (g *generation) closeLoggerSink() {
	if g.closeLogger != nil {
		g.closeLogger()
		g.closeLogger = nil
	}
}

// logStartup emits initial startup metadata.
// Params: logger is initialized slog logger; cfg is validated runtime config.
// Returns: none.
func logStartup(logger *slog.Logger, cfg *config.Config) {
	logger.Info(
		"cpufreqd started",
		slog.String("dc", cfg.Global.DC),
		slog.String("project", cfg.Global.Project),
		slog.String("role", cfg.Global.Role),
		slog.String("host", cfg.Global.Host),
		slog.String("run_id", cfg.Global.RunID),
		slog.String("sysfs_root", cfg.CPUFreq.SysfsRoot),
		slog.Duration("interval", cfg.CPUFreq.Interval.Duration),
		slog.Int("collectors", len(cfg.Collector)),
		slog.Bool("prometheus", cfg.Prometheus.Enabled),
	)
}
