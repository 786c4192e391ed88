package station

import (
	"time"

	"github.com/google/uuid"

	"github.com/tunedin/stationsync/go/internal/models"
)

// MessageType discriminates the commands, responses and push notifications
// exchanged over a station stream.
type MessageType string

const (
	TypePing                MessageType = "ping"
	TypePong                MessageType = "pong"
	TypeJoin                MessageType = "join"
	TypeGetPlaybackState    MessageType = "get_playback_state"
	TypePlayerStateChange   MessageType = "player_state_change"
	TypeEnsurePlaybackState MessageType = "ensure_playback_state"
	TypeError               MessageType = "error"
)

// Error kinds carried by TypeError messages.
const (
	ErrorKindBadRequest     = "bad_request"
	ErrorKindForbidden      = "forbidden"
	ErrorKindInvalidStation = "invalid_station"
	ErrorKindStaleState     = "stale_state"
)

// Message is the JSON wire envelope. RequestID correlates a response to an
// outstanding request; a message without a request id is a broadcast push
// (canonical state change, out-of-band error).
type Message struct {
	Type      MessageType `json:"type"`
	RequestID uint64      `json:"request_id,omitempty"`

	// ping / pong
	StartTime  time.Time `json:"start_time,omitzero"`
	ServerTime time.Time `json:"server_time,omitzero"`

	// join
	StationID   uuid.UUID `json:"station_id,omitzero"`
	DeviceID    string    `json:"device_id,omitempty"`
	StationName string    `json:"station_name,omitempty"`

	// player_state_change / get_playback_state / ensure_playback_state
	State *models.PlaybackState `json:"state,omitempty"`
	// Etag is the optimistic-concurrency precondition on a conditional
	// write. Nil means unconditional.
	Etag *time.Time `json:"etag,omitempty"`

	// error
	ErrorKind    string `json:"error,omitempty"`
	ErrorMessage string `json:"message,omitempty"`
}

// Pong is the reply to a ping, carrying the echoed start time and the
// server clock at the moment the pong was produced.
type Pong struct {
	StartTime  time.Time
	ServerTime time.Time
}
