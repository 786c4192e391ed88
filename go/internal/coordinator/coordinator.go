// Package coordinator keeps a local media player in lockstep with a
// station's canonical playback head: it owns the heartbeat loop, applies
// server state to the player with drift correction, and pushes local state
// upstream for the listener driving playback.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/clocksync"
	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/player"
	"github.com/tunedin/stationsync/go/internal/station"
	"github.com/tunedin/stationsync/go/internal/taskqueue"
)

// State is the coordinator's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateSteadyState
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSteadyState:
		return "steady_state"
	default:
		return "unknown"
	}
}

// Config holds the reconciliation tuning knobs.
type Config struct {
	// HeartbeatInterval paces the ping and push-local-state tasks.
	HeartbeatInterval time.Duration
	// MaxSeekErrorMs is the drift tolerance before a corrective seek.
	MaxSeekErrorMs int64
	// SeekOvercorrectMs is added past the target on corrective seeks to
	// absorb unpredictable seek latency.
	SeekOvercorrectMs int64
	// ReadyRetryInterval and ReadyTimeout bound the wait for the player to
	// report an expected track or position.
	ReadyRetryInterval time.Duration
	ReadyTimeout       time.Duration
	// ReconnectBackoff is slept after a fatal player error before the next
	// connection attempt.
	ReconnectBackoff time.Duration
}

// DefaultConfig returns the reference tuning values.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:  3 * time.Second,
		MaxSeekErrorMs:     2000,
		SeekOvercorrectMs:  2000,
		ReadyRetryInterval: 250 * time.Millisecond,
		ReadyTimeout:       5 * time.Second,
		ReconnectBackoff:   5 * time.Second,
	}
}

// StationChannel defines what the coordinator needs from the replication
// channel.
type StationChannel interface {
	Ping(ctx context.Context) (station.Pong, error)
	GetPlaybackState(ctx context.Context) (*models.PlaybackState, error)
	SendPlaybackState(ctx context.Context, state models.PlaybackState, etag *time.Time) (models.PlaybackState, error)
	OnPlaybackStateChanged(fn func(models.PlaybackState))
	OnError(fn func(kind, message string))
}

// Player defines what the coordinator needs from the wrapped driver.
type Player interface {
	Connect(ctx context.Context) (bool, error)
	OnReady(fn func())
	OnPlayerStateChanged(fn func(models.PlaybackState))
	OnInitializationError(fn func(error))
	OnAccountError(fn func(error))
	CurrentState(ctx context.Context) (*models.PlaybackState, error)
	Play(ctx context.Context, contextID, trackID string) error
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	Seek(ctx context.Context, positionMs int64) error
	Freeze(ctx context.Context, d time.Duration) error
}

var errNoClockSamples = errors.New("coordinator: no clock offset samples yet")

// Coordinator reconciles the local player against the station's canonical
// state. clientEtag and serverEtag are only mutated inside queue-serialized
// task bodies; the serial queue is the sole mechanism preventing two
// reconciliation passes from racing.
type Coordinator struct {
	cfg     Config
	role    models.ListenerRole
	player  Player
	channel StationChannel
	clock   clockwork.Clock
	offsets *clocksync.Synchronizer
	queue   *taskqueue.Queue

	state atomic.Int32

	mu              sync.Mutex
	clientEtag      time.Time
	serverEtag      time.Time
	lastClientState *models.PlaybackState

	readyCh chan struct{}
	fatalCh chan error
}

// New wires a coordinator to its collaborators and registers the driver and
// channel listeners. Run starts the state machine.
func New(cfg Config, role models.ListenerRole, p Player, ch StationChannel, clock clockwork.Clock) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		role:    role,
		player:  p,
		channel: ch,
		clock:   clock,
		offsets: clocksync.New(),
		queue:   taskqueue.New(),
		readyCh: make(chan struct{}, 1),
		fatalCh: make(chan error, 1),
	}

	p.OnReady(func() {
		select {
		case c.readyCh <- struct{}{}:
		default:
		}
	})
	p.OnInitializationError(func(err error) { c.fatal(err) })
	p.OnAccountError(func(err error) { c.fatal(err) })
	p.OnPlayerStateChanged(c.observeLocalState)

	ch.OnPlaybackStateChanged(func(serverState models.PlaybackState) {
		c.queue.Push(c.applyTask(context.Background(), serverState))
	})
	ch.OnError(func(kind, message string) {
		log.Error().Str("kind", kind).Str("message", message).Msg("station server error")
	})

	return c
}

func (c *Coordinator) fatal(err error) {
	select {
	case c.fatalCh <- err:
	default:
	}
}

// State returns the current connection state.
func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) setState(s State) { c.state.Store(int32(s)) }

// Etags returns the highest adopted client and server version markers.
func (c *Coordinator) Etags() (clientEtag, serverEtag time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientEtag, c.serverEtag
}

// ClientPlaybackState returns the freshest locally sampled state seen so
// far, nil before the first sample.
func (c *Coordinator) ClientPlaybackState() *models.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastClientState
}

// Run drives the connection state machine until ctx is cancelled. A fatal
// player error drops the session and reconnects after the configured
// backoff; reconciliation failures never end the run.
func (c *Coordinator) Run(ctx context.Context) error {
	defer c.queue.Close()

	for {
		c.setState(StateConnecting)
		ok, err := c.player.Connect(ctx)
		if err != nil || !ok {
			log.Error().Err(err).Msg("player connect failed")
			c.setState(StateDisconnected)
			if !c.backoff(ctx) {
				return nil
			}
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case err := <-c.fatalCh:
			log.Error().Err(err).Msg("player failed before ready")
			c.setState(StateDisconnected)
			if !c.backoff(ctx) {
				return nil
			}
			continue
		case <-c.readyCh:
		}

		c.setState(StateSteadyState)
		log.Info().Str("state", c.State().String()).Msg("entering steady state")

		steadyCtx, stopSteady := context.WithCancel(ctx)
		c.startSteadyState(steadyCtx)

		select {
		case <-ctx.Done():
			stopSteady()
			return nil
		case err := <-c.fatalCh:
			log.Error().Err(err).Msg("player reported fatal error; reconnecting")
			stopSteady()
			c.queue.Clear()
			c.setState(StateDisconnected)
			if !c.backoff(ctx) {
				return nil
			}
		}
	}
}

// backoff sleeps the reconnect delay; false means the context ended first.
func (c *Coordinator) backoff(ctx context.Context) bool {
	select {
	case <-c.clock.After(c.cfg.ReconnectBackoff):
		return true
	case <-ctx.Done():
		return false
	}
}

// startSteadyState primes the queue with a ping and a full resync, then
// starts the heartbeat. The heartbeat only ever enqueues work; timer ticks
// can never reenter reconciliation logic.
func (c *Coordinator) startSteadyState(ctx context.Context) {
	c.queue.Push(c.pingTask(ctx))
	c.queue.Push(c.resyncTask(ctx))
	go c.heartbeat(ctx)
}

func (c *Coordinator) heartbeat(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.queue.Push(c.pingTask(ctx))
			if c.role.IsDJ() {
				c.queue.Push(c.pushLocalTask(ctx, nil))
			}
		}
	}
}

func (c *Coordinator) pingTask(ctx context.Context) taskqueue.Task {
	return func() {
		if err := c.CalculatePing(ctx); err != nil {
			log.Warn().Err(err).Msg("ping failed")
		}
	}
}

func (c *Coordinator) resyncTask(ctx context.Context) taskqueue.Task {
	return func() {
		if err := c.SyncServerPlaybackState(ctx); err != nil {
			log.Error().Err(err).Msg("full resync failed")
		}
	}
}

func (c *Coordinator) applyTask(ctx context.Context, serverState models.PlaybackState) taskqueue.Task {
	return func() {
		c.applyWithFallback(ctx, serverState)
	}
}

func (c *Coordinator) pushLocalTask(ctx context.Context, state *models.PlaybackState) taskqueue.Task {
	return func() {
		err := c.UpdateServerPlaybackState(ctx, state)
		if err == nil {
			return
		}
		if errors.Is(err, station.ErrStaleState) {
			// Not an error: the next canonical push resolves the conflict.
			log.Debug().Msg("playback state push rejected as stale; resyncing")
		} else {
			log.Error().Err(err).Msg("failed to push playback state")
		}
		c.queue.Clear()
		c.queue.Push(c.resyncTask(ctx))
	}
}

// CalculatePing runs one clock sample round trip and feeds the result into
// the offset estimate.
func (c *Coordinator) CalculatePing(ctx context.Context) error {
	pong, err := c.channel.Ping(ctx)
	if err != nil {
		return err
	}
	c.offsets.Observe(pong.StartTime, pong.ServerTime, c.clock.Now())
	return nil
}

// SyncServerPlaybackState fetches the canonical state unconditionally and
// applies it. Used on (re)connect and as the recovery path after any
// reconciliation failure.
func (c *Coordinator) SyncServerPlaybackState(ctx context.Context) error {
	serverState, err := c.channel.GetPlaybackState(ctx)
	if err != nil {
		return err
	}
	if serverState == nil {
		return nil
	}
	c.applyWithFallback(ctx, *serverState)
	return nil
}

func (c *Coordinator) applyWithFallback(ctx context.Context, serverState models.PlaybackState) {
	if err := c.ApplyServerState(ctx, serverState); err != nil {
		log.Error().Err(err).Str("track_id", serverState.TrackID).Msg("failed to apply server playback state")
		c.queue.Push(c.resyncTask(ctx))
	}
}

// UpdateServerPlaybackState pushes a locally sampled state upstream with
// the current server etag as precondition and applies the merged state the
// server returns. A nil state is sampled from the player; a sample no newer
// than the last pushed one is a no-op.
func (c *Coordinator) UpdateServerPlaybackState(ctx context.Context, state *models.PlaybackState) error {
	if state == nil {
		sampled, err := c.player.CurrentState(ctx)
		if err != nil {
			return err
		}
		state = sampled
	}
	if state == nil {
		return nil
	}

	c.mu.Lock()
	clientEtag := c.clientEtag
	serverEtag := c.serverEtag
	c.mu.Unlock()

	if !clientEtag.IsZero() && !state.SampleTime.After(clientEtag) {
		return nil
	}
	if !c.offsets.HasSample() {
		return errNoClockSamples
	}

	// The server compares sample times on its own clock.
	upstream := *state
	upstream.SampleTime = state.SampleTime.Add(c.offsets.MedianOffset())

	var precondition *time.Time
	if !serverEtag.IsZero() {
		etag := serverEtag
		precondition = &etag
	}

	merged, err := c.channel.SendPlaybackState(ctx, upstream, precondition)
	if err != nil {
		return err
	}
	c.applyWithFallback(ctx, merged)
	return nil
}

// ApplyServerState reconciles the local player against one canonical
// server state. Only states with an etag above the highest already adopted
// are applied; on success the etag bookkeeping advances to the final local
// sample time and the server state's etag.
func (c *Coordinator) ApplyServerState(ctx context.Context, serverState models.PlaybackState) error {
	c.mu.Lock()
	serverEtag := c.serverEtag
	c.mu.Unlock()
	if !serverEtag.IsZero() && !serverState.Etag.After(serverEtag) {
		return nil
	}

	clientState, err := c.player.CurrentState(ctx)
	if err != nil {
		return err
	}
	if clientState == nil || !clientState.SameTrack(serverState) {
		if err := c.player.Play(ctx, serverState.ContextID, serverState.TrackID); err != nil {
			return fmt.Errorf("failed to start track %s: %w", serverState.TrackID, err)
		}
	}

	if err := c.awaitCondition(ctx, func(ctx context.Context) (bool, error) {
		st, err := c.player.CurrentState(ctx)
		if err != nil {
			return false, err
		}
		return st != nil && st.SameTrack(serverState), nil
	}); err != nil {
		return fmt.Errorf("waiting for track %s: %w", serverState.TrackID, err)
	}

	clientState, err = c.currentStateRequired(ctx)
	if err != nil {
		return err
	}

	if serverState.Paused {
		if !clientState.Paused {
			if err := c.player.Pause(ctx); err != nil {
				return err
			}
		}
		// A paused position does not advance; seek to it exactly.
		if err := c.player.Seek(ctx, serverState.RawPositionMs); err != nil {
			return err
		}
	} else if err := c.reconcilePlaying(ctx, serverState, clientState); err != nil {
		return err
	}

	clientState, err = c.currentStateRequired(ctx)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.clientEtag = clientState.SampleTime
	c.serverEtag = serverState.Etag
	c.mu.Unlock()
	return nil
}

// reconcilePlaying corrects drift against a playing server state, seeking
// past the projected position and freezing off the overshoot when needed.
func (c *Coordinator) reconcilePlaying(ctx context.Context, serverState models.PlaybackState, clientState *models.PlaybackState) error {
	localPosition := clientState.RawPositionMs
	serverPosition, err := c.adjustedPosition(serverState)
	if err != nil {
		return err
	}

	drift := localPosition - serverPosition
	if drift < 0 {
		drift = -drift
	}

	if drift > c.cfg.MaxSeekErrorMs {
		// Aim past the target: seek latency is unpredictable and a seek
		// aimed exactly at the estimate systematically lands behind it.
		target := serverPosition + c.cfg.SeekOvercorrectMs
		log.Info().
			Int64("local_ms", localPosition).
			Int64("server_ms", serverPosition).
			Int64("target_ms", target).
			Msg("playback adjustment needed")

		if err := c.player.Seek(ctx, target); err != nil {
			return err
		}
		if err := c.awaitCondition(ctx, func(ctx context.Context) (bool, error) {
			st, err := c.player.CurrentState(ctx)
			if err != nil {
				return false, err
			}
			return st != nil && st.RawPositionMs >= target, nil
		}); err != nil {
			return fmt.Errorf("waiting for seek to %dms: %w", target, err)
		}

		// Time has passed; project again before deciding how to land.
		serverPositionAfterSeek, err := c.adjustedPosition(serverState)
		if err != nil {
			return err
		}
		if target > serverPositionAfterSeek && target < serverPositionAfterSeek+c.cfg.MaxSeekErrorMs {
			// Trade the spatial overshoot for an exactly timed pause so the
			// track resumes in sync instead of oscillating between seeks.
			wait := time.Duration(target-serverPositionAfterSeek) * time.Millisecond
			return c.player.Freeze(ctx, wait)
		}
		return c.player.Resume(ctx)
	}

	if clientState.Paused {
		return c.player.Resume(ctx)
	}
	return nil
}

// adjustedPosition projects a server sample's position to the local
// clock's now. serverState.SampleTime is a server clock timestamp;
// subtracting the median offset maps it onto the local clock.
func (c *Coordinator) adjustedPosition(serverState models.PlaybackState) (int64, error) {
	position := serverState.RawPositionMs
	if serverState.Paused {
		return position, nil
	}
	if !c.offsets.HasSample() {
		return 0, errNoClockSamples
	}
	localSampleTime := serverState.SampleTime.Add(-c.offsets.MedianOffset())
	return position + c.clock.Now().Sub(localSampleTime).Milliseconds(), nil
}

// awaitCondition polls cond at the retry interval until it reports true or
// the ready deadline passes.
func (c *Coordinator) awaitCondition(ctx context.Context, cond func(context.Context) (bool, error)) error {
	deadline := c.clock.Now().Add(c.cfg.ReadyTimeout)
	for {
		ok, err := cond(ctx)
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if c.clock.Now().After(deadline) {
			return station.ErrTimeout
		}
		select {
		case <-c.clock.After(c.cfg.ReadyRetryInterval):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Coordinator) currentStateRequired(ctx context.Context) (*models.PlaybackState, error) {
	st, err := c.player.CurrentState(ctx)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, player.ErrNotReady
	}
	return st, nil
}

// observeLocalState tracks the freshest local sample for introspection;
// stale samples (at or before the last adopted client etag) are dropped.
func (c *Coordinator) observeLocalState(state models.PlaybackState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.clientEtag.IsZero() && !state.SampleTime.After(c.clientEtag) {
		return
	}
	c.lastClientState = &state
}
