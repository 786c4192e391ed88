package station

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
)

// Channel is the client side of the station replication protocol: typed
// request/response calls correlated by request id, plus push notifications
// for canonical state changes and out-of-band errors.
type Channel struct {
	bridge  Bridge
	clock   clockwork.Clock
	timeout time.Duration

	mu            sync.Mutex
	nextRequestID uint64
	pending       map[uint64]chan *Message
	stateSubs     []func(models.PlaybackState)
	errorSubs     []func(kind, message string)
}

// NewChannel wraps a bridge. Every call races the given timeout on the
// injected clock; on expiry the pending reply is abandoned and the call
// fails with ErrTimeout. Run must be started before issuing calls.
func NewChannel(bridge Bridge, clock clockwork.Clock, timeout time.Duration) *Channel {
	return &Channel{
		bridge:  bridge,
		clock:   clock,
		timeout: timeout,
		pending: make(map[uint64]chan *Message),
	}
}

// Run dispatches inbound messages until the context is cancelled or the
// bridge shuts down.
func (c *Channel) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-c.bridge.Receive():
			if !ok {
				c.failPending()
				return ErrClosed
			}
			c.dispatch(msg)
		}
	}
}

func (c *Channel) dispatch(msg *Message) {
	if msg.RequestID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.RequestID]
		if ok {
			delete(c.pending, msg.RequestID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			// A reply that raced its timeout. The caller already gave up.
			log.Debug().Uint64("request_id", msg.RequestID).Str("type", string(msg.Type)).Msg("dropping late reply")
		}
		return
	}

	switch msg.Type {
	case TypeEnsurePlaybackState:
		if msg.State == nil {
			log.Warn().Msg("canonical state push without state")
			return
		}
		c.mu.Lock()
		subs := append([]func(models.PlaybackState){}, c.stateSubs...)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(*msg.State)
		}
	case TypeError:
		c.mu.Lock()
		subs := append([]func(string, string){}, c.errorSubs...)
		c.mu.Unlock()
		for _, fn := range subs {
			fn(msg.ErrorKind, msg.ErrorMessage)
		}
	default:
		log.Warn().Str("type", string(msg.Type)).Msg("unexpected push message")
	}
}

// failPending wakes every outstanding call with a closed reply channel.
func (c *Channel) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
}

// OnPlaybackStateChanged subscribes to canonical state change pushes.
func (c *Channel) OnPlaybackStateChanged(fn func(models.PlaybackState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateSubs = append(c.stateSubs, fn)
}

// OnError subscribes to out-of-band server errors.
func (c *Channel) OnError(fn func(kind, message string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorSubs = append(c.errorSubs, fn)
}

// call sends msg with a fresh request id and waits for the correlated
// reply, racing the channel timeout.
func (c *Channel) call(ctx context.Context, msg *Message) (*Message, error) {
	c.mu.Lock()
	c.nextRequestID++
	id := c.nextRequestID
	replyCh := make(chan *Message, 1)
	c.pending[id] = replyCh
	c.mu.Unlock()

	msg.RequestID = id
	if err := c.bridge.Send(ctx, msg); err != nil {
		c.abandon(id)
		return nil, err
	}

	select {
	case reply, ok := <-replyCh:
		if !ok {
			return nil, ErrClosed
		}
		if reply.Type == TypeError {
			return nil, replyError(reply)
		}
		return reply, nil
	case <-c.clock.After(c.timeout):
		c.abandon(id)
		return nil, ErrTimeout
	case <-ctx.Done():
		c.abandon(id)
		return nil, ctx.Err()
	}
}

func (c *Channel) abandon(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func replyError(msg *Message) error {
	switch msg.ErrorKind {
	case ErrorKindStaleState:
		return ErrStaleState
	default:
		return &ServerError{Kind: msg.ErrorKind, Message: msg.ErrorMessage}
	}
}

// ServerError is a request failure reported by the server.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return "station: server error " + e.Kind + ": " + e.Message
}

// Ping measures one clock sample round trip. StartTime is stamped from the
// injected clock and echoed back by the server.
func (c *Channel) Ping(ctx context.Context) (Pong, error) {
	reply, err := c.call(ctx, &Message{Type: TypePing, StartTime: c.clock.Now()})
	if err != nil {
		return Pong{}, err
	}
	if reply.Type != TypePong {
		return Pong{}, ErrProtocol
	}
	return Pong{StartTime: reply.StartTime, ServerTime: reply.ServerTime}, nil
}

// Join enters a station session and returns the station's display name.
func (c *Channel) Join(ctx context.Context, stationID uuid.UUID, deviceID string) (string, error) {
	reply, err := c.call(ctx, &Message{Type: TypeJoin, StationID: stationID, DeviceID: deviceID})
	if err != nil {
		return "", err
	}
	if reply.Type != TypeJoin {
		return "", ErrProtocol
	}
	return reply.StationName, nil
}

// GetPlaybackState fetches the canonical state unconditionally. A nil state
// means the station has never played anything.
func (c *Channel) GetPlaybackState(ctx context.Context) (*models.PlaybackState, error) {
	reply, err := c.call(ctx, &Message{Type: TypeGetPlaybackState})
	if err != nil {
		return nil, err
	}
	if reply.Type != TypeEnsurePlaybackState {
		return nil, ErrProtocol
	}
	return reply.State, nil
}

// SendPlaybackState pushes a locally sampled state upstream. etag is the
// optimistic-concurrency precondition: the server rejects the write with
// ErrStaleState when its canonical etag no longer matches. On success the
// merged canonical state is returned.
func (c *Channel) SendPlaybackState(ctx context.Context, state models.PlaybackState, etag *time.Time) (models.PlaybackState, error) {
	reply, err := c.call(ctx, &Message{Type: TypePlayerStateChange, State: &state, Etag: etag})
	if err != nil {
		return models.PlaybackState{}, err
	}
	if reply.Type != TypeEnsurePlaybackState || reply.State == nil {
		return models.PlaybackState{}, ErrProtocol
	}
	return *reply.State, nil
}
