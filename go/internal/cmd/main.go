package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	configPath := getEnv("CONFIG_PATH", "stations.yaml")
	config, err := loadConfig(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := setupDatabase(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, falling back to in-memory state")
		pool = nil
	} else {
		defer pool.Close()
	}

	natsURL := getEnv("NATS_URL", "")
	services, err := setupServices(config, pool, natsURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to wire services")
	}
	defer services.Broadcaster.Close()

	go services.Hub.Start(ctx)

	server := setupServer(services)
	go func() {
		log.Info().Str("addr", server.Addr).Int("stations", len(config.Stations)).Msg("station server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	sig := <-sigChan
	log.Info().Str("signal", sig.String()).Msg("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	cancel()
	log.Info().Msg("station server shutdown complete")
}
