package stationserver

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// StreamHandler upgrades /api/stations/{id}/stream requests to websocket
// replication streams.
type StreamHandler struct {
	hub *Hub
}

func NewStreamHandler(hub *Hub) *StreamHandler {
	return &StreamHandler{hub: hub}
}

func (h *StreamHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stationIDStr := extractStationID(r.URL.Path, streamPrefix, "/stream")
	if stationIDStr == "" {
		http.Error(w, "Station ID is required", http.StatusBadRequest)
		return
	}
	stationID, err := uuid.Parse(stationIDStr)
	if err != nil {
		http.Error(w, "Invalid station ID format", http.StatusBadRequest)
		return
	}

	if err := h.hub.UpgradeConnection(w, r, stationID); err != nil {
		log.Error().Err(err).Str("station_id", stationID.String()).Msg("failed to open station stream")
	}
}

// RegisterRoutes mounts the station endpoints: the replication stream and
// the REST playback state.
func RegisterRoutes(mux *http.ServeMux, state *StateHandler, stream *StreamHandler) {
	mux.HandleFunc(streamPrefix, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/stream") {
			stream.HandleStream(w, r)
			return
		}
		http.NotFound(w, r)
	})
	mux.HandleFunc(statePrefix, func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/playback") {
			state.HandlePlaybackState(w, r)
			return
		}
		http.NotFound(w, r)
	})
}
