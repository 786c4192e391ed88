package player

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunedin/stationsync/go/internal/models"
)

// SimulatedDriver is a headless player: the head advances on the injected
// clock and transport commands take effect immediately. It backs the demo
// listener binary and soak setups where no real player SDK is available.
type SimulatedDriver struct {
	clock clockwork.Clock

	mu        sync.Mutex
	connected bool
	state     *models.PlaybackState
	anchor    time.Time
	volume    float64

	ready     []func()
	stateSubs []func(models.PlaybackState)
	initSubs  []func(error)
	acctSubs  []func(error)
}

func NewSimulatedDriver(clock clockwork.Clock) *SimulatedDriver {
	return &SimulatedDriver{clock: clock, volume: 1.0}
}

func (d *SimulatedDriver) Connect(context.Context) (bool, error) {
	d.mu.Lock()
	d.connected = true
	ready := append([]func(){}, d.ready...)
	d.mu.Unlock()

	// Fire ready asynchronously the way a real SDK would.
	go func() {
		for _, fn := range ready {
			fn()
		}
	}()
	return true, nil
}

func (d *SimulatedDriver) OnReady(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = append(d.ready, fn)
}

func (d *SimulatedDriver) OnPlayerStateChanged(fn func(models.PlaybackState)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateSubs = append(d.stateSubs, fn)
}

func (d *SimulatedDriver) OnInitializationError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.initSubs = append(d.initSubs, fn)
}

func (d *SimulatedDriver) OnAccountError(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.acctSubs = append(d.acctSubs, fn)
}

func (d *SimulatedDriver) CurrentState(context.Context) (*models.PlaybackState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sampleLocked(), nil
}

// sampleLocked projects the stored head to now. Callers hold d.mu.
func (d *SimulatedDriver) sampleLocked() *models.PlaybackState {
	if d.state == nil {
		return nil
	}
	st := *d.state
	st.SampleTime = d.clock.Now()
	if !st.Paused {
		st.RawPositionMs += d.clock.Now().Sub(d.anchor).Milliseconds()
	}
	return &st
}

// snapshotLocked captures the projected state and subscriber list for
// emitting after the lock is released.
func (d *SimulatedDriver) snapshotLocked() (*models.PlaybackState, []func(models.PlaybackState)) {
	return d.sampleLocked(), append([]func(models.PlaybackState){}, d.stateSubs...)
}

func emit(st *models.PlaybackState, subs []func(models.PlaybackState)) {
	if st == nil {
		return
	}
	for _, fn := range subs {
		fn(*st)
	}
}

func (d *SimulatedDriver) Volume(context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.volume, nil
}

func (d *SimulatedDriver) SetVolume(_ context.Context, volume float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.volume = volume
	return nil
}

func (d *SimulatedDriver) Play(_ context.Context, contextID, trackID string) error {
	d.mu.Lock()
	d.state = &models.PlaybackState{ContextID: contextID, TrackID: trackID}
	d.anchor = d.clock.Now()
	st, subs := d.snapshotLocked()
	d.mu.Unlock()
	emit(st, subs)
	return nil
}

func (d *SimulatedDriver) Pause(context.Context) error {
	d.mu.Lock()
	if d.state != nil && !d.state.Paused {
		d.state.RawPositionMs += d.clock.Now().Sub(d.anchor).Milliseconds()
		d.state.Paused = true
	}
	st, subs := d.snapshotLocked()
	d.mu.Unlock()
	emit(st, subs)
	return nil
}

func (d *SimulatedDriver) Resume(context.Context) error {
	d.mu.Lock()
	if d.state != nil && d.state.Paused {
		d.state.Paused = false
		d.anchor = d.clock.Now()
	}
	st, subs := d.snapshotLocked()
	d.mu.Unlock()
	emit(st, subs)
	return nil
}

func (d *SimulatedDriver) TogglePlay(ctx context.Context) error {
	d.mu.Lock()
	paused := d.state != nil && d.state.Paused
	d.mu.Unlock()
	if paused {
		return d.Resume(ctx)
	}
	return d.Pause(ctx)
}

func (d *SimulatedDriver) Seek(_ context.Context, positionMs int64) error {
	d.mu.Lock()
	if d.state != nil {
		d.state.RawPositionMs = positionMs
		d.anchor = d.clock.Now()
	}
	st, subs := d.snapshotLocked()
	d.mu.Unlock()
	emit(st, subs)
	return nil
}

func (d *SimulatedDriver) PreviousTrack(ctx context.Context) error {
	return d.Seek(ctx, 0)
}

func (d *SimulatedDriver) NextTrack(ctx context.Context) error {
	// A simulated head has no queue; restart the current track.
	return d.Seek(ctx, 0)
}
