// Package player defines the boundary to the external media player the
// sync core drives, plus the station-aware wrapper around it.
package player

import (
	"context"
	"errors"

	"github.com/tunedin/stationsync/go/internal/models"
)

// ErrNotReady indicates the driver has no current state when one is
// required. During reconciliation this triggers the bounded-retry-then-
// resync fallback.
var ErrNotReady = errors.New("player: no current playback state")

// AccountError is an unrecoverable account/authorization failure reported
// by the underlying player. The coordinator treats it as fatal for the
// current session and reconnects after a backoff.
type AccountError struct {
	Message string
}

func (e *AccountError) Error() string {
	return "player: account error: " + e.Message
}

// Driver abstracts a concrete media player SDK. Implementations deliver
// events from their own goroutines; callbacks must be registered before
// Connect.
//
// CurrentState returns (nil, nil) while the player has nothing loaded;
// callers that require a state convert that into ErrNotReady.
type Driver interface {
	Connect(ctx context.Context) (bool, error)

	OnReady(fn func())
	OnPlayerStateChanged(fn func(models.PlaybackState))
	OnInitializationError(fn func(error))
	OnAccountError(fn func(error))

	CurrentState(ctx context.Context) (*models.PlaybackState, error)

	Volume(ctx context.Context) (float64, error)
	SetVolume(ctx context.Context, volume float64) error

	Play(ctx context.Context, contextID, trackID string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	TogglePlay(ctx context.Context) error

	Seek(ctx context.Context, positionMs int64) error

	PreviousTrack(ctx context.Context) error
	NextTrack(ctx context.Context) error
}
