package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/a-essam23/chatrelay/internal/server"
	"github.com/a-essam23/chatrelay/pkg/config"
	"github.com/a-essam23/chatrelay/pkg/logging"
	"github.com/joho/godotenv"
)

func main() {
	bootLogger := logging.New(logging.LevelInfo, logging.FormatText)

	// a .env file is optional; real environment variables win over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		bootLogger.Error("Failed to load .env file", slog.Any("error", err))
		os.Exit(1)
	}

	cfg, err := config.Load(bootLogger, "config")
	if err != nil {
		bootLogger.Error("Failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		bootLogger.Error("Invalid log level", slog.Any("error", err))
		os.Exit(1)
	}
	logger := logging.New(level, logging.Format(cfg.Log.Format))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := server.NewApp(logger, ctx, cfg)
	if err := app.Run(); err != nil {
		logger.Error("Application run failed", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("Application shut down successfully.")
}
