package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"ringlink/internal/app"
	"ringlink/internal/config"
	"ringlink/internal/log"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to config.yaml")
		overrides  config.Config
	)
	flag.StringVar(&overrides.Addr, "addr", "", "HTTP listen address")
	flag.StringVar(&overrides.DatabasePath, "db", "", "path to the SQLite call store")
	flag.DurationVar(&overrides.HeartbeatInterval, "heartbeat-interval", 0, "relay ping interval")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "debug, info, warn or error")
	flag.Parse()

	bootLogger := log.New("info")

	cfg, path, err := config.Load(bootLogger, *configPath)
	if err != nil {
		bootLogger.Fatal().Err(err).Str("path", path).Msg("failed to load config")
	}
	cfg.UpdateFrom(overrides)

	logger := log.New(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize relay")
	}

	logger.Info().Str("addr", cfg.Addr).Msg("starting signaling relay")
	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("relay exited with error")
	}
	logger.Info().Msg("relay stopped")
}
