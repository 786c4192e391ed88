package player

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/kvstore"
	"github.com/tunedin/stationsync/go/internal/models"
)

const (
	volumeKey     = "music_volume"
	defaultVolume = 0.8
)

// StationPlayer wraps a Driver with the station-side conveniences: volume
// persistence through the injected key-value store, mute with restore, and
// the freeze maneuver used by seek overcorrection.
type StationPlayer struct {
	driver Driver
	store  kvstore.Store
	clock  clockwork.Clock

	mu               sync.Mutex
	volumeBeforeMute float64
}

// NewStationPlayer wraps driver. The store holds the device's persisted
// volume; pass a kvstore.Memory when persistence is not wanted.
func NewStationPlayer(driver Driver, store kvstore.Store, clock clockwork.Clock) *StationPlayer {
	return &StationPlayer{
		driver:           driver,
		store:            store,
		clock:            clock,
		volumeBeforeMute: defaultVolume,
	}
}

// InitialVolume returns the persisted volume, or the default when none has
// been stored yet.
func (p *StationPlayer) InitialVolume() float64 {
	value, ok, err := p.store.Get(volumeKey)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read cached volume")
		return defaultVolume
	}
	if !ok {
		return defaultVolume
	}
	volume, err := strconv.ParseFloat(value, 64)
	if err != nil {
		log.Warn().Str("value", value).Msg("ignoring malformed cached volume")
		return defaultVolume
	}
	return volume
}

// Connect connects the underlying driver and applies the persisted volume.
func (p *StationPlayer) Connect(ctx context.Context) (bool, error) {
	ok, err := p.driver.Connect(ctx)
	if err != nil || !ok {
		return ok, err
	}
	if err := p.driver.SetVolume(ctx, p.InitialVolume()); err != nil {
		log.Warn().Err(err).Msg("failed to apply cached volume")
	}
	return true, nil
}

// SetVolume changes the driver volume and persists it for the next start.
func (p *StationPlayer) SetVolume(ctx context.Context, volume float64) error {
	if err := p.store.Put(volumeKey, strconv.FormatFloat(volume, 'f', -1, 64)); err != nil {
		log.Warn().Err(err).Msg("failed to persist volume")
	}
	return p.driver.SetVolume(ctx, volume)
}

// Volume returns the driver's current volume.
func (p *StationPlayer) Volume(ctx context.Context) (float64, error) {
	return p.driver.Volume(ctx)
}

// MuteUnmute toggles between muted and the last non-zero volume, returning
// the volume that is now in effect.
func (p *StationPlayer) MuteUnmute(ctx context.Context) (float64, error) {
	volume, err := p.driver.Volume(ctx)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	var newVolume float64
	if volume == 0 {
		newVolume = p.volumeBeforeMute
	} else {
		p.volumeBeforeMute = volume
		newVolume = 0
	}
	p.mu.Unlock()

	if err := p.SetVolume(ctx, newVolume); err != nil {
		return 0, err
	}
	return newVolume, nil
}

// Freeze pauses playback for exactly d, then resumes. Used to convert a
// spatial seek overshoot into a precisely timed wait.
func (p *StationPlayer) Freeze(ctx context.Context, d time.Duration) error {
	if err := p.driver.Pause(ctx); err != nil {
		return err
	}
	select {
	case <-p.clock.After(d):
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.driver.Resume(ctx)
}

// CurrentState returns the driver's current snapshot, nil when the player
// has nothing loaded.
func (p *StationPlayer) CurrentState(ctx context.Context) (*models.PlaybackState, error) {
	return p.driver.CurrentState(ctx)
}

// OnReady registers fn for the driver's ready event.
func (p *StationPlayer) OnReady(fn func()) { p.driver.OnReady(fn) }

// OnPlayerStateChanged registers fn for local playback state samples.
func (p *StationPlayer) OnPlayerStateChanged(fn func(models.PlaybackState)) {
	p.driver.OnPlayerStateChanged(fn)
}

// OnInitializationError registers fn for driver startup failures.
func (p *StationPlayer) OnInitializationError(fn func(error)) { p.driver.OnInitializationError(fn) }

// OnAccountError registers fn for unrecoverable account failures.
func (p *StationPlayer) OnAccountError(fn func(error)) { p.driver.OnAccountError(fn) }

// Play starts playback of the given track within its context.
func (p *StationPlayer) Play(ctx context.Context, contextID, trackID string) error {
	return p.driver.Play(ctx, contextID, trackID)
}

// Pause pauses playback.
func (p *StationPlayer) Pause(ctx context.Context) error { return p.driver.Pause(ctx) }

// Resume resumes playback.
func (p *StationPlayer) Resume(ctx context.Context) error { return p.driver.Resume(ctx) }

// TogglePlay flips between playing and paused.
func (p *StationPlayer) TogglePlay(ctx context.Context) error { return p.driver.TogglePlay(ctx) }

// Seek moves the playback head to positionMs.
func (p *StationPlayer) Seek(ctx context.Context, positionMs int64) error {
	return p.driver.Seek(ctx, positionMs)
}

// PreviousTrack skips back one track.
func (p *StationPlayer) PreviousTrack(ctx context.Context) error { return p.driver.PreviousTrack(ctx) }

// NextTrack skips forward one track.
func (p *StationPlayer) NextTrack(ctx context.Context) error { return p.driver.NextTrack(ctx) }
