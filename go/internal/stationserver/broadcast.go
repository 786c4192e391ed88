package stationserver

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
)

// StateFanout receives every accepted canonical state for fan-out.
// excludeDeviceID names the device whose write produced the state; that
// device already received the state as its direct response and must not be
// notified again.
type StateFanout func(stationID uuid.UUID, state models.PlaybackState, excludeDeviceID string)

// Broadcaster fans accepted playback states out to every server instance
// holding connections for the station.
type Broadcaster interface {
	Publish(stationID uuid.UUID, state models.PlaybackState, excludeDeviceID string) error
	Subscribe(handler StateFanout) error
	Close()
}

// stateEnvelope is the wire form carried over NATS.
type stateEnvelope struct {
	StationID       uuid.UUID            `json:"station_id"`
	ExcludeDeviceID string               `json:"exclude_device_id,omitempty"`
	State           models.PlaybackState `json:"state"`
}

const stateSubjectPrefix = "stations.playback."

// NATSBroadcaster relays canonical states through NATS so that every
// gateway instance fans them out to its own connections.
type NATSBroadcaster struct {
	nc  *nats.Conn
	sub *nats.Subscription
}

func NewNATSBroadcaster(url string) (*NATSBroadcaster, error) {
	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSBroadcaster{nc: nc}, nil
}

func (b *NATSBroadcaster) Publish(stationID uuid.UUID, state models.PlaybackState, excludeDeviceID string) error {
	data, err := json.Marshal(stateEnvelope{
		StationID:       stationID,
		ExcludeDeviceID: excludeDeviceID,
		State:           state,
	})
	if err != nil {
		return fmt.Errorf("marshal state envelope: %w", err)
	}
	if err := b.nc.Publish(stateSubjectPrefix+stationID.String(), data); err != nil {
		return fmt.Errorf("publish state for station %s: %w", stationID, err)
	}
	return nil
}

func (b *NATSBroadcaster) Subscribe(handler StateFanout) error {
	sub, err := b.nc.Subscribe(stateSubjectPrefix+"*", func(msg *nats.Msg) {
		var envelope stateEnvelope
		if err := json.Unmarshal(msg.Data, &envelope); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal state envelope")
			return
		}
		handler(envelope.StationID, envelope.State, envelope.ExcludeDeviceID)
	})
	if err != nil {
		return fmt.Errorf("subscribe to playback states: %w", err)
	}
	b.sub = sub
	return nil
}

func (b *NATSBroadcaster) Close() {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			log.Warn().Err(err).Msg("failed to unsubscribe from playback states")
		}
	}
	b.nc.Close()
}

// LocalBroadcaster delivers states to subscribers in process. Used by a
// single-instance server and in tests.
type LocalBroadcaster struct {
	handlers []StateFanout
}

func NewLocalBroadcaster() *LocalBroadcaster { return &LocalBroadcaster{} }

func (b *LocalBroadcaster) Publish(stationID uuid.UUID, state models.PlaybackState, excludeDeviceID string) error {
	for _, handler := range b.handlers {
		handler(stationID, state, excludeDeviceID)
	}
	return nil
}

func (b *LocalBroadcaster) Subscribe(handler StateFanout) error {
	b.handlers = append(b.handlers, handler)
	return nil
}

func (b *LocalBroadcaster) Close() {}
