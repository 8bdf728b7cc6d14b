package main

import (
	"context"
	"fmt"
	"os"

	"github.com/gabapcia/commitstream/internal/config"
	"github.com/gabapcia/commitstream/internal/handlers/cli"
	"github.com/gabapcia/commitstream/internal/pkg/logger"
	"github.com/gabapcia/commitstream/internal/pkg/telemetry"
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if cfg.TelemetryEnabled {
		shutdown, err := telemetry.Init(ctx, cfg.ServiceName)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(ctx) }()
	}

	if err := logger.Init(logger.WithLevel(cfg.LogLevel)); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := cli.Run(ctx, cfg); err != nil {
		logger.Fatal(ctx, "commitstream exited with error", "error", err)
	}
}
