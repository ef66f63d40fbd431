package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ledgerpay/internal/config"
	"ledgerpay/internal/infrastructure"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.New()
	if err != nil {
		slog.Error("config error", "error", err)
		os.Exit(1)
	}

	app, cleanup, err := infrastructure.Bootstrap(ctx, cfg)
	if err != nil {
		slog.Error("bootstrap failed", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	slog.Info("ledgerpay is running")
	if err := app.Run(ctx); err != nil {
		slog.Error("app stopped with error", "error", err)
		cleanup()
		os.Exit(1)
	}
	slog.Info("ledgerpay stopped")
}
