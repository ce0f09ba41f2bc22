// Command voxlane runs the voice agent server: the Twilio media-stream
// transport, the per-call agents and the campaign scheduler.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/voxlane/voxlane/pkg/config"
	"github.com/voxlane/voxlane/pkg/ledger"
	"github.com/voxlane/voxlane/pkg/runner"
	"github.com/voxlane/voxlane/pkg/voxlane"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the configuration file")
	drainTimeout := flag.Duration("drain-timeout", 35*time.Second, "how long to wait for live calls on shutdown")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	engine, err := voxlane.New(cfg, ledger.NewMemoryStore())
	if err != nil {
		fmt.Fprintln(os.Stderr, "init:", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	life := runner.NewLifecycleRunner(engine, runner.Hooks{
		OnStart: func() {
			if err := engine.Start(ctx); err != nil {
				fmt.Fprintln(os.Stderr, "start:", err)
				stop()
			}
		},
	}, *drainTimeout)

	if err := life.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "shutdown:", err)
		os.Exit(1)
	}
}
