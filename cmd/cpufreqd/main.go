package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"cpufreqd/internal/app"
)

const exitCodeFailure = 1

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// forwardReloads turns SIGHUP into non-blocking reload requests until ctx ends.
// Params: ctx lifecycle; signals SIGHUP source; reload buffered request channel.
// Returns: none.
func forwardReloads(ctx context.Context, signals <-chan os.Signal, reload chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signals:
			select {
			case reload <- struct{}{}:
			default:
			}
		}
	}
}

// run parses flags and starts the sampler daemon.
// Params: none.
// Returns: process exit code.
func run() int {
	var (
		configPath string
		envFile    string
		showInfo   bool
	)

	flag.StringVar(&configPath, "config", "config.toml", "path to TOML config file or directory")
	flag.StringVar(&envFile, "env-file", "", "optional dotenv file loaded before config expansion")
	flag.BoolVar(&showInfo, "v", false, "show build information")
	flag.BoolVar(&showInfo, "version", false, "show build information")
	flag.Parse()

	if showInfo {
		fmt.Printf("cpufreqd version=%s commit=%s date=%s\n", version, commit, date)
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	reload := make(chan struct{}, 1)
	go forwardReloads(ctx, hup, reload)

	err := app.Run(ctx, app.Runtime{ConfigPath: configPath, EnvFile: envFile, Reload: reload})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}
	return 0
}

func main() {
	os.Exit(run())
}
