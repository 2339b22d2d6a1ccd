// The mcp binary serves the knowledge retrieval tools over stdio for
// agent hosts that spawn the service as a subprocess. Logs go to stderr;
// stdout carries only response lines.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"opskb-backend/interfaces/mcpio"
	"opskb-backend/internal/app"
	"opskb-backend/pkg/config"
	"opskb-backend/pkg/observability"
)

func main() {
	configPath := config.GetEnv("OPSKB_CONFIG", "config.yaml")
	if len(os.Args) > 1 {
		configPath = os.Args[1]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	service, err := app.New(cfg, logger)
	if err != nil {
		logger.Error("assemble service", zap.Error(err))
		os.Exit(1)
	}
	defer service.Close()

	if err := service.Start(ctx); err != nil {
		logger.Error("initialize sources", zap.Error(err))
		os.Exit(1)
	}

	if err := mcpio.NewServer(service.Dispatcher, logger).Run(ctx, os.Stdin, os.Stdout); err != nil && ctx.Err() == nil {
		logger.Error("stdio session failed", zap.Error(err))
		os.Exit(1)
	}
}
