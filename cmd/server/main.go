// Package main is the entry point for the Warden rules-first portfolio
// operation engine. Startup wires the service graph, brings components up
// through the orchestrator, then serves the HTTP surface until a shutdown
// signal arrives.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/warden/internal/config"
	"github.com/aristath/warden/internal/di"
	"github.com/aristath/warden/pkg/logger"
)

// shutdownTimeout bounds the HTTP drain on exit.
const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fallback := logger.New(logger.Config{Level: "info", Pretty: true})
		fallback.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.DevMode})
	log.Info().Bool("dev_mode", cfg.DevMode).Str("data_dir", cfg.DataDir).Msg("Warden starting")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire services")
	}
	defer container.Close()

	if err := container.Orchestrator.Start(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("Failed to start components")
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.Port).Msg("HTTP server listening")
		if err := container.Server.Start(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := container.Server.Shutdown(drainCtx); err != nil {
		log.Error().Err(err).Msg("HTTP drain incomplete")
	}
	container.Orchestrator.Stop()
	log.Info().Msg("Warden stopped")
}
