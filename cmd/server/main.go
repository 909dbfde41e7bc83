// Package main is the entry point for the paper-trading core: it loads
// configuration, wires the dependency graph, starts the background feed and
// matching loops, serves the HTTP API, and runs the cooperative shutdown
// sequence on SIGINT/SIGTERM.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/papertrader/core/internal/config"
	"github.com/papertrader/core/internal/di"
	"github.com/papertrader/core/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	logger.SetGlobalLogger(log)
	log.Info().Str("data_dir", cfg.DataDir).Int("port", cfg.Port).Msg("starting paper trading core")

	app, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire application graph")
	}

	app.Start()
	log.Info().Msg("background loops started")

	go func() {
		if err := app.Server.Start(); err != nil {
			log.Error().Err(err).Msg("http server stopped unexpectedly")
		}
	}()
	log.Info().Int("port", cfg.Port).Msg("http server listening")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	app.Shutdown()
	log.Info().Msg("shutdown complete")
}
