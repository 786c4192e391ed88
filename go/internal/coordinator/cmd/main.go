// Listener binary: joins a station over websocket with a simulated player
// and keeps it in sync with the canonical head. Useful for demos and for
// soaking a station server with real protocol traffic.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/coordinator"
	"github.com/tunedin/stationsync/go/internal/kvstore"
	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/player"
	"github.com/tunedin/stationsync/go/internal/station"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	serverURL := getEnv("STATION_SERVER_URL", "ws://localhost:8080")
	stationIDStr := os.Getenv("STATION_ID")
	deviceID := getEnv("DEVICE_ID", "listener-"+uuid.New().String()[:8])
	settingsPath := getEnv("SETTINGS_PATH", "listener-settings.db")

	stationID, err := uuid.Parse(stationIDStr)
	if err != nil {
		log.Fatal().Str("station_id", stationIDStr).Msg("STATION_ID must be a station UUID")
	}

	role := models.RoleListener
	if getEnv("ROLE", "listener") == "dj" {
		role = models.RoleDJ
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()

	bridge, err := station.DialWebSocket(ctx, serverURL+"/api/stations/"+stationID.String()+"/stream")
	if err != nil {
		log.Fatal().Err(err).Str("url", serverURL).Msg("failed to dial station server")
	}
	defer bridge.Close()

	channel := station.NewChannel(bridge, clock, 5*time.Second)
	go func() {
		if err := channel.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("station channel closed")
			cancel()
		}
	}()

	stationName, err := channel.Join(ctx, stationID, deviceID)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to join station")
	}
	log.Info().
		Str("station", stationName).
		Str("device_id", deviceID).
		Bool("dj", role.IsDJ()).
		Msg("joined station")

	store, err := kvstore.Open(settingsPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", settingsPath).Msg("failed to open settings store")
	}
	defer store.Close()

	stationPlayer := player.NewStationPlayer(player.NewSimulatedDriver(clock), store, clock)
	sync := coordinator.New(coordinator.DefaultConfig(), role, stationPlayer, channel, clock)

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := sync.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("listener stopped")
	}
	log.Info().Msg("listener shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
