package stationserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/station"
)

// Session implements the server side of the replication protocol for one
// connection. It is transport-agnostic: inbound frames arrive through
// HandleMessage and outbound messages leave through the reply callback, so
// the same logic runs over a websocket or an in-process bridge.
type Session struct {
	service   *Service
	stationID uuid.UUID
	reply     func(*station.Message)

	mu       sync.Mutex
	joined   bool
	listener models.Listener
}

func NewSession(service *Service, stationID uuid.UUID, reply func(*station.Message)) *Session {
	return &Session{service: service, stationID: stationID, reply: reply}
}

// Joined reports the listener bound by the join handshake.
func (s *Session) Joined() (models.Listener, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listener, s.joined
}

// HandleMessage decodes and serves one inbound frame. Before the join
// handshake only ping and join are allowed; ping is open so clients can
// start clock sampling immediately.
func (s *Session) HandleMessage(data []byte) {
	var msg station.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Msg("undecodable frame")
		s.replyError(0, station.ErrorKindBadRequest, "undecodable frame")
		return
	}

	switch msg.Type {
	case station.TypePing:
		s.handlePing(&msg)
	case station.TypeJoin:
		s.handleJoin(&msg)
	case station.TypeGetPlaybackState:
		s.handleGetPlaybackState(&msg)
	case station.TypePlayerStateChange:
		s.handlePlayerStateChange(&msg)
	default:
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "unsupported message type: "+string(msg.Type))
	}
}

func (s *Session) handlePing(msg *station.Message) {
	s.reply(&station.Message{
		Type:       station.TypePong,
		RequestID:  msg.RequestID,
		StartTime:  msg.StartTime,
		ServerTime: s.service.Now(),
	})
}

func (s *Session) handleJoin(msg *station.Message) {
	if msg.StationID != s.stationID {
		s.replyError(msg.RequestID, station.ErrorKindInvalidStation, "join does not match this stream's station")
		return
	}

	listener, st, err := s.service.Join(msg.StationID, msg.DeviceID)
	if err != nil {
		s.replyError(msg.RequestID, station.ErrorKindInvalidStation, err.Error())
		return
	}

	s.mu.Lock()
	s.joined = true
	s.listener = listener
	s.mu.Unlock()

	log.Info().
		Str("station_id", s.stationID.String()).
		Str("device_id", listener.DeviceID).
		Str("username", listener.Username).
		Bool("dj", listener.Role.IsDJ()).
		Msg("listener joined")

	s.reply(&station.Message{
		Type:        station.TypeJoin,
		RequestID:   msg.RequestID,
		StationName: st.Name,
	})
}

func (s *Session) handleGetPlaybackState(msg *station.Message) {
	if _, ok := s.Joined(); !ok {
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "join required")
		return
	}

	state, err := s.service.PlaybackState(context.Background(), s.stationID)
	if err != nil {
		log.Error().Err(err).Str("station_id", s.stationID.String()).Msg("failed to load playback state")
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "failed to load playback state")
		return
	}

	s.reply(&station.Message{
		Type:      station.TypeEnsurePlaybackState,
		RequestID: msg.RequestID,
		State:     state,
	})
}

func (s *Session) handlePlayerStateChange(msg *station.Message) {
	listener, ok := s.Joined()
	if !ok {
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "join required")
		return
	}
	if msg.State == nil {
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "player_state_change without state")
		return
	}

	merged, err := s.service.UpdatePlaybackState(context.Background(), s.stationID, listener, *msg.State, msg.Etag)
	switch {
	case errors.Is(err, ErrForbidden):
		s.replyError(msg.RequestID, station.ErrorKindForbidden, "only the station dj may drive playback")
		return
	case errors.Is(err, station.ErrStaleState):
		s.replyError(msg.RequestID, station.ErrorKindStaleState, "canonical state has moved on")
		return
	case err != nil:
		log.Error().Err(err).Str("station_id", s.stationID.String()).Msg("failed to update playback state")
		s.replyError(msg.RequestID, station.ErrorKindBadRequest, "failed to update playback state")
		return
	}

	s.reply(&station.Message{
		Type:      station.TypeEnsurePlaybackState,
		RequestID: msg.RequestID,
		State:     &merged,
	})
}

func (s *Session) replyError(requestID uint64, kind, message string) {
	s.reply(&station.Message{
		Type:         station.TypeError,
		RequestID:    requestID,
		ErrorKind:    kind,
		ErrorMessage: message,
	})
}
