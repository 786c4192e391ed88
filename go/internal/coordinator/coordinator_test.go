package coordinator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/station"
)

// fakePlayer models a media driver whose playback head advances with the
// injected fake clock while playing. All transport effects are recorded for
// assertions.
type fakePlayer struct {
	clock clockwork.Clock
	// seekLatency, when set, is how far the fake clock jumps during a seek.
	seekLatency time.Duration
	fakeClock   *clockwork.FakeClock

	mu      sync.Mutex
	state   *models.PlaybackState
	anchor  time.Time
	plays   []string
	seeks   []int64
	pauses  int
	resumes int
	freezes []time.Duration
}

func newFakePlayer(fc *clockwork.FakeClock) *fakePlayer {
	return &fakePlayer{clock: fc, fakeClock: fc}
}

func (p *fakePlayer) Connect(context.Context) (bool, error)            { return true, nil }
func (p *fakePlayer) OnReady(func())                                   {}
func (p *fakePlayer) OnPlayerStateChanged(func(models.PlaybackState))  {}
func (p *fakePlayer) OnInitializationError(func(error))                {}
func (p *fakePlayer) OnAccountError(func(error))                       {}

func (p *fakePlayer) CurrentState(context.Context) (*models.PlaybackState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == nil {
		return nil, nil
	}
	st := *p.state
	st.SampleTime = p.clock.Now()
	if !st.Paused {
		st.RawPositionMs += p.clock.Now().Sub(p.anchor).Milliseconds()
	}
	return &st, nil
}

func (p *fakePlayer) load(contextID, trackID string, paused bool, positionMs int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.state = &models.PlaybackState{
		ContextID:     contextID,
		TrackID:       trackID,
		Paused:        paused,
		RawPositionMs: positionMs,
	}
	p.anchor = p.clock.Now()
}

func (p *fakePlayer) Play(_ context.Context, contextID, trackID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, contextID+"/"+trackID)
	p.state = &models.PlaybackState{ContextID: contextID, TrackID: trackID}
	p.anchor = p.clock.Now()
	return nil
}

func (p *fakePlayer) Pause(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pauses++
	if p.state != nil && !p.state.Paused {
		p.state.RawPositionMs += p.clock.Now().Sub(p.anchor).Milliseconds()
		p.state.Paused = true
	}
	return nil
}

func (p *fakePlayer) Resume(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumes++
	if p.state != nil {
		p.state.Paused = false
		p.anchor = p.clock.Now()
	}
	return nil
}

func (p *fakePlayer) Seek(_ context.Context, positionMs int64) error {
	if p.seekLatency > 0 {
		p.fakeClock.Advance(p.seekLatency)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seeks = append(p.seeks, positionMs)
	if p.state != nil {
		p.state.RawPositionMs = positionMs
		p.anchor = p.clock.Now()
	}
	return nil
}

func (p *fakePlayer) Freeze(_ context.Context, d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.freezes = append(p.freezes, d)
	if p.state != nil {
		p.state.Paused = false
		p.anchor = p.clock.Now()
	}
	return nil
}

type sentPush struct {
	state models.PlaybackState
	etag  *time.Time
}

// fakeChannel scripts the station side of the replication channel.
type fakeChannel struct {
	clock       clockwork.Clock
	clockOffset time.Duration

	getState *models.PlaybackState
	sendFn   func(state models.PlaybackState, etag *time.Time) (models.PlaybackState, error)

	mu    sync.Mutex
	sent  []sentPush
	pings int
}

func (f *fakeChannel) Ping(context.Context) (station.Pong, error) {
	f.mu.Lock()
	f.pings++
	f.mu.Unlock()
	now := f.clock.Now()
	return station.Pong{StartTime: now, ServerTime: now.Add(f.clockOffset)}, nil
}

func (f *fakeChannel) GetPlaybackState(context.Context) (*models.PlaybackState, error) {
	return f.getState, nil
}

func (f *fakeChannel) SendPlaybackState(_ context.Context, state models.PlaybackState, etag *time.Time) (models.PlaybackState, error) {
	f.mu.Lock()
	f.sent = append(f.sent, sentPush{state: state, etag: etag})
	f.mu.Unlock()
	if f.sendFn != nil {
		return f.sendFn(state, etag)
	}
	merged := state
	merged.Etag = state.SampleTime
	return merged, nil
}

func (f *fakeChannel) OnPlaybackStateChanged(func(models.PlaybackState)) {}
func (f *fakeChannel) OnError(func(kind, message string))                {}

// harness wires a coordinator over fakes that share one fake clock and
// primes one clock sample so playing projections are available.
func harness(t *testing.T, serverOffset time.Duration) (*Coordinator, *fakePlayer, *fakeChannel, *clockwork.FakeClock) {
	t.Helper()
	fc := clockwork.NewFakeClock()
	fp := newFakePlayer(fc)
	ch := &fakeChannel{clock: fc, clockOffset: serverOffset}
	c := New(DefaultConfig(), models.RoleDJ, fp, ch, fc)
	if err := c.CalculatePing(context.Background()); err != nil {
		t.Fatalf("CalculatePing: %v", err)
	}
	return c, fp, ch, fc
}

// serverState builds a canonical state stamped on the server's clock.
func serverState(fc *clockwork.FakeClock, offset time.Duration, track string, paused bool, positionMs int64, etag time.Time) models.PlaybackState {
	return models.PlaybackState{
		ContextID:     "station:main",
		TrackID:       track,
		Paused:        paused,
		RawPositionMs: positionMs,
		SampleTime:    fc.Now().Add(offset),
		Etag:          etag,
	}
}

func TestApplyServerState(t *testing.T) {
	ctx := context.Background()
	etag1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	etag2 := etag1.Add(time.Second)

	t.Run("PausedStateSwitchesTrackAndSeeks", func(t *testing.T) {
		c, fp, _, fc := harness(t, 0)
		fp.load("station:main", "track-a", false, 120000)

		srv := serverState(fc, 0, "track-b", true, 45000, etag1)
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("ApplyServerState: %v", err)
		}

		if len(fp.plays) != 1 || fp.plays[0] != "station:main/track-b" {
			t.Fatalf("plays = %v, want one start of track-b", fp.plays)
		}
		if fp.pauses != 1 {
			t.Fatalf("pauses = %d, want 1", fp.pauses)
		}
		if len(fp.seeks) != 1 || fp.seeks[0] != 45000 {
			t.Fatalf("seeks = %v, want [45000]", fp.seeks)
		}
		if _, serverEtag := c.Etags(); !serverEtag.Equal(etag1) {
			t.Fatalf("server etag = %v, want %v", serverEtag, etag1)
		}
	})

	t.Run("SmallDriftIsLeftAlone", func(t *testing.T) {
		c, fp, _, fc := harness(t, 250*time.Millisecond)
		fp.load("station:main", "track-a", false, 61000)

		// Projected server position at apply time is exactly 60000ms.
		srv := serverState(fc, 250*time.Millisecond, "track-a", false, 60000, etag1)
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("ApplyServerState: %v", err)
		}

		if len(fp.plays) != 0 || len(fp.seeks) != 0 || fp.pauses != 0 || fp.resumes != 0 || len(fp.freezes) != 0 {
			t.Fatalf("player was touched: plays=%v seeks=%v pauses=%d resumes=%d freezes=%v",
				fp.plays, fp.seeks, fp.pauses, fp.resumes, fp.freezes)
		}
	})

	t.Run("PausedLocalPlayerResumesOnPlayingState", func(t *testing.T) {
		c, fp, _, fc := harness(t, 0)
		fp.load("station:main", "track-a", true, 60500)

		srv := serverState(fc, 0, "track-a", false, 60000, etag1)
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("ApplyServerState: %v", err)
		}

		if fp.resumes != 1 {
			t.Fatalf("resumes = %d, want 1", fp.resumes)
		}
		if len(fp.seeks) != 0 {
			t.Fatalf("seeks = %v, want none within tolerance", fp.seeks)
		}
	})

	t.Run("LargeDriftOvercorrectsAndFreezes", func(t *testing.T) {
		c, fp, _, fc := harness(t, 0)
		fp.seekLatency = 400 * time.Millisecond
		fp.load("station:main", "track-a", false, 90000)

		srv := serverState(fc, 0, "track-a", false, 60000, etag1)
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("ApplyServerState: %v", err)
		}

		// Drift of 30000ms forces a seek 2000ms past the projection.
		if len(fp.seeks) != 1 || fp.seeks[0] != 62000 {
			t.Fatalf("seeks = %v, want [62000]", fp.seeks)
		}
		// The seek took 400ms, so the head advanced to 60400ms and the
		// overshoot of 1600ms is paid off with a freeze.
		if len(fp.freezes) != 1 || fp.freezes[0] != 1600*time.Millisecond {
			t.Fatalf("freezes = %v, want [1.6s]", fp.freezes)
		}
		if fp.resumes != 0 {
			t.Fatalf("resumes = %d, want 0 when freezing", fp.resumes)
		}
		_ = fc
	})

	t.Run("StaleEtagIsIgnored", func(t *testing.T) {
		c, fp, _, fc := harness(t, 0)
		fp.load("station:main", "track-a", true, 1000)

		if err := c.ApplyServerState(ctx, serverState(fc, 0, "track-a", true, 1000, etag2)); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		seeksBefore := len(fp.seeks)

		stale := serverState(fc, 0, "track-b", true, 9999, etag1)
		if err := c.ApplyServerState(ctx, stale); err != nil {
			t.Fatalf("stale apply: %v", err)
		}

		if len(fp.plays) != 0 || len(fp.seeks) != seeksBefore {
			t.Fatalf("stale state reached the player: plays=%v seeks=%v", fp.plays, fp.seeks)
		}
		if _, serverEtag := c.Etags(); !serverEtag.Equal(etag2) {
			t.Fatalf("server etag = %v, want %v untouched", serverEtag, etag2)
		}
	})

	t.Run("ReapplyingSameStateIsIdempotent", func(t *testing.T) {
		c, fp, _, fc := harness(t, 0)
		fp.load("station:main", "track-a", false, 60000)

		srv := serverState(fc, 0, "track-a", false, 60000, etag1)
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("first apply: %v", err)
		}
		if err := c.ApplyServerState(ctx, srv); err != nil {
			t.Fatalf("second apply: %v", err)
		}

		if len(fp.plays) != 0 || len(fp.seeks) != 0 || fp.pauses != 0 {
			t.Fatalf("idempotent reapply touched the player: plays=%v seeks=%v pauses=%d",
				fp.plays, fp.seeks, fp.pauses)
		}
	})
}

func TestUpdateServerPlaybackState(t *testing.T) {
	ctx := context.Background()
	etag1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("ProjectsSampleTimeAndSendsPrecondition", func(t *testing.T) {
		offset := 250 * time.Millisecond
		c, fp, ch, fc := harness(t, offset)
		fp.load("station:main", "track-a", true, 30000)

		// Adopt one canonical state so a precondition etag exists.
		if err := c.ApplyServerState(ctx, serverState(fc, offset, "track-a", true, 30000, etag1)); err != nil {
			t.Fatalf("ApplyServerState: %v", err)
		}

		fc.Advance(time.Second)
		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("UpdateServerPlaybackState: %v", err)
		}

		if len(ch.sent) != 1 {
			t.Fatalf("sent %d pushes, want 1", len(ch.sent))
		}
		push := ch.sent[0]
		if push.etag == nil || !push.etag.Equal(etag1) {
			t.Fatalf("precondition etag = %v, want %v", push.etag, etag1)
		}
		wantSample := fc.Now().Add(offset)
		if !push.state.SampleTime.Equal(wantSample) {
			t.Fatalf("pushed sample time = %v, want %v on the server clock", push.state.SampleTime, wantSample)
		}
	})

	t.Run("AdoptsMergedStateEtag", func(t *testing.T) {
		c, fp, ch, fc := harness(t, 0)
		fp.load("station:main", "track-a", true, 30000)
		mergedEtag := time.Date(2025, 6, 1, 13, 0, 0, 0, time.UTC)
		ch.sendFn = func(state models.PlaybackState, _ *time.Time) (models.PlaybackState, error) {
			merged := state
			merged.Etag = mergedEtag
			return merged, nil
		}

		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("UpdateServerPlaybackState: %v", err)
		}

		if _, serverEtag := c.Etags(); !serverEtag.Equal(mergedEtag) {
			t.Fatalf("server etag = %v, want merged %v", serverEtag, mergedEtag)
		}
		_ = fc
	})

	t.Run("SkipsSamplesNotNewerThanLastPush", func(t *testing.T) {
		c, fp, ch, fc := harness(t, 0)
		fp.load("station:main", "track-a", true, 30000)

		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("first push: %v", err)
		}
		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("repeat push: %v", err)
		}
		if len(ch.sent) != 1 {
			t.Fatalf("sent %d pushes, want the stale resample dropped", len(ch.sent))
		}

		fc.Advance(time.Second)
		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("fresh push: %v", err)
		}
		if len(ch.sent) != 2 {
			t.Fatalf("sent %d pushes, want a fresh sample to go through", len(ch.sent))
		}
	})

	t.Run("PropagatesStaleRejection", func(t *testing.T) {
		c, fp, ch, _ := harness(t, 0)
		fp.load("station:main", "track-a", true, 30000)
		ch.sendFn = func(models.PlaybackState, *time.Time) (models.PlaybackState, error) {
			return models.PlaybackState{}, station.ErrStaleState
		}

		err := c.UpdateServerPlaybackState(ctx, nil)
		if !errors.Is(err, station.ErrStaleState) {
			t.Fatalf("err = %v, want ErrStaleState", err)
		}
	})

	t.Run("NothingLoadedIsNoOp", func(t *testing.T) {
		c, _, ch, _ := harness(t, 0)
		if err := c.UpdateServerPlaybackState(ctx, nil); err != nil {
			t.Fatalf("UpdateServerPlaybackState: %v", err)
		}
		if len(ch.sent) != 0 {
			t.Fatalf("sent %d pushes, want none without a loaded track", len(ch.sent))
		}
	})
}

func TestSyncServerPlaybackState(t *testing.T) {
	ctx := context.Background()
	etag1 := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("AppliesFetchedState", func(t *testing.T) {
		c, fp, ch, fc := harness(t, 0)
		fp.load("station:main", "track-a", false, 1000)
		srv := serverState(fc, 0, "track-b", true, 5000, etag1)
		ch.getState = &srv

		if err := c.SyncServerPlaybackState(ctx); err != nil {
			t.Fatalf("SyncServerPlaybackState: %v", err)
		}
		if len(fp.plays) != 1 || fp.plays[0] != "station:main/track-b" {
			t.Fatalf("plays = %v, want track-b started", fp.plays)
		}
	})

	t.Run("NoCanonicalStateIsNoOp", func(t *testing.T) {
		c, fp, _, _ := harness(t, 0)
		fp.load("station:main", "track-a", false, 1000)

		if err := c.SyncServerPlaybackState(ctx); err != nil {
			t.Fatalf("SyncServerPlaybackState: %v", err)
		}
		if len(fp.plays) != 0 || len(fp.seeks) != 0 {
			t.Fatalf("player touched with no canonical state: plays=%v seeks=%v", fp.plays, fp.seeks)
		}
	})
}
