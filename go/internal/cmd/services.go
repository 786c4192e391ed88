package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/stationserver"
)

// Services bundles the wired station server components.
type Services struct {
	Station     *stationserver.Service
	Hub         *stationserver.Hub
	Broadcaster stationserver.Broadcaster
	State       *stationserver.StateHandler
	Stream      *stationserver.StreamHandler
}

// setupServices wires the dependency chain: repository and registry into
// the service, the service into the hub and handlers, and the broadcaster
// into the hub so accepted states on any instance fan out here too.
func setupServices(config *Config, pool *pgxpool.Pool, natsURL string) (*Services, error) {
	stations, listeners, err := config.enrollment()
	if err != nil {
		return nil, fmt.Errorf("invalid enrollment config: %w", err)
	}
	registry := stationserver.NewStaticRegistry(stations, listeners)

	var repo stationserver.StateRepository
	if pool != nil {
		repo = stationserver.NewPostgresRepository(pool)
	} else {
		log.Warn().Msg("no database configured, playback states are in memory only")
		repo = stationserver.NewMemoryRepository()
	}

	var broadcaster stationserver.Broadcaster
	if natsURL != "" {
		broadcaster, err = stationserver.NewNATSBroadcaster(natsURL)
		if err != nil {
			return nil, fmt.Errorf("setup broadcaster: %w", err)
		}
	} else {
		log.Warn().Msg("no NATS configured, state fan-out is local to this instance")
		broadcaster = stationserver.NewLocalBroadcaster()
	}

	service := stationserver.NewService(repo, registry, broadcaster, clockwork.NewRealClock())
	hub := stationserver.NewHub(service, stationserver.DefaultConnectionConfig())
	if err := broadcaster.Subscribe(hub.BroadcastPlaybackState); err != nil {
		broadcaster.Close()
		return nil, fmt.Errorf("subscribe hub to broadcasts: %w", err)
	}

	return &Services{
		Station:     service,
		Hub:         hub,
		Broadcaster: broadcaster,
		State:       stationserver.NewStateHandler(service),
		Stream:      stationserver.NewStreamHandler(hub),
	}, nil
}
