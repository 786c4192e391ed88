package stationserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/station"
)

// StateRepository persists the canonical playback state per station.
type StateRepository interface {
	// PlaybackState returns the stored state, nil when the station has
	// never played anything.
	PlaybackState(ctx context.Context, stationID uuid.UUID) (*models.PlaybackState, error)
	// CompareAndSetPlaybackState writes state. A non-nil expectedEtag makes
	// the write conditional; station.ErrStaleState is returned when the
	// stored etag differs. A nil expectedEtag overwrites unconditionally.
	CompareAndSetPlaybackState(ctx context.Context, stationID uuid.UUID, state models.PlaybackState, expectedEtag *time.Time) error
}

// PostgresRepository stores playback states in the station_playback_states
// table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) PlaybackState(ctx context.Context, stationID uuid.UUID) (*models.PlaybackState, error) {
	const query = `
		SELECT context_id, track_id, paused, raw_position_ms, sample_time, etag
		FROM station_playback_states
		WHERE station_id = $1`

	var state models.PlaybackState
	err := r.pool.QueryRow(ctx, query, stationID).Scan(
		&state.ContextID,
		&state.TrackID,
		&state.Paused,
		&state.RawPositionMs,
		&state.SampleTime,
		&state.Etag,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load playback state for station %s: %w", stationID, err)
	}
	return &state, nil
}

func (r *PostgresRepository) CompareAndSetPlaybackState(ctx context.Context, stationID uuid.UUID, state models.PlaybackState, expectedEtag *time.Time) error {
	if expectedEtag == nil {
		const upsert = `
			INSERT INTO station_playback_states
				(station_id, context_id, track_id, paused, raw_position_ms, sample_time, etag)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (station_id) DO UPDATE SET
				context_id = EXCLUDED.context_id,
				track_id = EXCLUDED.track_id,
				paused = EXCLUDED.paused,
				raw_position_ms = EXCLUDED.raw_position_ms,
				sample_time = EXCLUDED.sample_time,
				etag = EXCLUDED.etag`

		_, err := r.pool.Exec(ctx, upsert, stationID,
			state.ContextID, state.TrackID, state.Paused, state.RawPositionMs, state.SampleTime, state.Etag)
		if err != nil {
			return fmt.Errorf("failed to store playback state for station %s: %w", stationID, err)
		}
		return nil
	}

	const update = `
		UPDATE station_playback_states SET
			context_id = $2,
			track_id = $3,
			paused = $4,
			raw_position_ms = $5,
			sample_time = $6,
			etag = $7
		WHERE station_id = $1 AND etag = $8`

	tag, err := r.pool.Exec(ctx, update, stationID,
		state.ContextID, state.TrackID, state.Paused, state.RawPositionMs, state.SampleTime, state.Etag,
		*expectedEtag)
	if err != nil {
		return fmt.Errorf("failed to update playback state for station %s: %w", stationID, err)
	}
	if tag.RowsAffected() == 0 {
		return station.ErrStaleState
	}
	return nil
}

// MemoryRepository keeps playback states in memory. Used in tests and when
// the server runs without a database.
type MemoryRepository struct {
	mu     sync.Mutex
	states map[uuid.UUID]models.PlaybackState
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{states: make(map[uuid.UUID]models.PlaybackState)}
}

func (r *MemoryRepository) PlaybackState(_ context.Context, stationID uuid.UUID) (*models.PlaybackState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, ok := r.states[stationID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

func (r *MemoryRepository) CompareAndSetPlaybackState(_ context.Context, stationID uuid.UUID, state models.PlaybackState, expectedEtag *time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if expectedEtag != nil {
		stored, ok := r.states[stationID]
		if !ok || !stored.Etag.Equal(*expectedEtag) {
			return station.ErrStaleState
		}
	}
	r.states[stationID] = state
	return nil
}
