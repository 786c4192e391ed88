// Package stationserver is the authoritative side of playback
// synchronization: it owns the canonical playback state per station,
// validates listener writes with optimistic concurrency, and fans accepted
// states out to every listening connection.
package stationserver

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
)

// Service implements the station-side operations shared by the websocket
// sessions and the REST handlers.
type Service struct {
	repo        StateRepository
	registry    ListenerRegistry
	broadcaster Broadcaster
	clock       clockwork.Clock
}

func NewService(repo StateRepository, registry ListenerRegistry, broadcaster Broadcaster, clock clockwork.Clock) *Service {
	return &Service{
		repo:        repo,
		registry:    registry,
		broadcaster: broadcaster,
		clock:       clock,
	}
}

// Join validates a device against a station's enrollment.
func (s *Service) Join(stationID uuid.UUID, deviceID string) (models.Listener, models.Station, error) {
	st, ok := s.registry.Station(stationID)
	if !ok {
		return models.Listener{}, models.Station{}, ErrUnknownStation
	}
	listener, ok := s.registry.Listener(stationID, deviceID)
	if !ok {
		return models.Listener{}, models.Station{}, ErrUnknownListener
	}
	return listener, st, nil
}

// PlaybackState returns the station's canonical state, nil when nothing has
// been played yet.
func (s *Service) PlaybackState(ctx context.Context, stationID uuid.UUID) (*models.PlaybackState, error) {
	return s.repo.PlaybackState(ctx, stationID)
}

// UpdatePlaybackState accepts a state written by a listener driving
// playback. Writes are restricted to the station's DJ; admins may also
// write, so a moderator can stop or reposition a station whose DJ is gone.
// expectedEtag carries the writer's precondition; a mismatch against the
// stored etag surfaces as station.ErrStaleState. The accepted state gets a
// fresh server-assigned etag, is persisted, broadcast to every other
// listener, and returned so the writer adopts it directly.
func (s *Service) UpdatePlaybackState(ctx context.Context, stationID uuid.UUID, listener models.Listener, state models.PlaybackState, expectedEtag *time.Time) (models.PlaybackState, error) {
	if !listener.Role.IsDJ() && !listener.Role.IsAdmin() {
		return models.PlaybackState{}, ErrForbidden
	}

	canonical := state
	canonical.Etag = s.now()
	if err := s.repo.CompareAndSetPlaybackState(ctx, stationID, canonical, expectedEtag); err != nil {
		return models.PlaybackState{}, err
	}

	if err := s.broadcaster.Publish(stationID, canonical, listener.DeviceID); err != nil {
		// The write stands; listeners recover via their next resync.
		log.Error().Err(err).Str("station_id", stationID.String()).Msg("failed to broadcast playback state")
	}

	log.Debug().
		Str("station_id", stationID.String()).
		Str("device_id", listener.DeviceID).
		Str("track_id", canonical.TrackID).
		Bool("paused", canonical.Paused).
		Msg("playback state updated")
	return canonical, nil
}

// EnsurePaused freezes the station when the listener driving playback goes
// away: the head stops where that listener last left it. A station that is
// already paused, or has never played, is left alone. The write is
// unconditional; a disconnect outranks in-flight listener writes.
func (s *Service) EnsurePaused(ctx context.Context, stationID uuid.UUID) error {
	current, err := s.repo.PlaybackState(ctx, stationID)
	if err != nil {
		return err
	}
	if current == nil || current.Paused {
		return nil
	}

	now := s.now()
	paused := *current
	paused.RawPositionMs += now.Sub(current.SampleTime).Milliseconds()
	paused.Paused = true
	paused.SampleTime = now
	paused.Etag = now

	if err := s.repo.CompareAndSetPlaybackState(ctx, stationID, paused, nil); err != nil {
		return fmt.Errorf("failed to pause station %s: %w", stationID, err)
	}
	if err := s.broadcaster.Publish(stationID, paused, ""); err != nil {
		log.Error().Err(err).Str("station_id", stationID.String()).Msg("failed to broadcast pause")
	}

	log.Info().Str("station_id", stationID.String()).Msg("station paused")
	return nil
}

// Now is the server clock listeners synchronize against.
func (s *Service) Now() time.Time { return s.now() }

// now truncates to microseconds so etags survive a timestamptz round trip
// unchanged.
func (s *Service) now() time.Time {
	return s.clock.Now().UTC().Truncate(time.Microsecond)
}
