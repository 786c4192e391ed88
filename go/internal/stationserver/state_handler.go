package stationserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/tunedin/stationsync/go/internal/models"
	"github.com/tunedin/stationsync/go/internal/station"
)

// StateHandler exposes the canonical playback state over plain HTTP for
// clients that cannot hold a websocket stream. Conditional writes use the
// If-Unmodified-Since header as the etag precondition.
type StateHandler struct {
	service *Service
}

func NewStateHandler(service *Service) *StateHandler {
	return &StateHandler{service: service}
}

// deviceHeader identifies the writing listener on REST updates.
const deviceHeader = "X-Device-Id"

// HandlePlaybackState handles GET and PATCH on
// /api/stations/{id}/playback.
func (h *StateHandler) HandlePlaybackState(w http.ResponseWriter, r *http.Request) {
	stationIDStr := extractStationID(r.URL.Path, statePrefix, "/playback")
	if stationIDStr == "" {
		http.Error(w, "Station ID is required", http.StatusBadRequest)
		return
	}
	stationID, err := uuid.Parse(stationIDStr)
	if err != nil {
		http.Error(w, "Invalid station ID format", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		h.handleGet(w, r, stationID)
	case http.MethodPatch:
		h.handlePatch(w, r, stationID)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *StateHandler) handleGet(w http.ResponseWriter, r *http.Request, stationID uuid.UUID) {
	state, err := h.service.PlaybackState(r.Context(), stationID)
	if err != nil {
		log.Error().Err(err).Str("station_id", stationID.String()).Msg("failed to get playback state")
		http.Error(w, "Failed to get playback state", http.StatusInternalServerError)
		return
	}
	if state == nil {
		http.Error(w, "No playback state", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Last-Modified", state.Etag.Format(time.RFC3339Nano))
	if err := json.NewEncoder(w).Encode(state); err != nil {
		log.Error().Err(err).Msg("failed to encode playback state response")
	}
}

func (h *StateHandler) handlePatch(w http.ResponseWriter, r *http.Request, stationID uuid.UUID) {
	deviceID := r.Header.Get(deviceHeader)
	if deviceID == "" {
		http.Error(w, deviceHeader+" header is required", http.StatusBadRequest)
		return
	}

	var expectedEtag *time.Time
	if raw := r.Header.Get("If-Unmodified-Since"); raw != "" {
		etag, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			http.Error(w, "Invalid If-Unmodified-Since value", http.StatusBadRequest)
			return
		}
		expectedEtag = &etag
	}

	var state models.PlaybackState
	if err := json.NewDecoder(r.Body).Decode(&state); err != nil {
		http.Error(w, "Invalid playback state body", http.StatusBadRequest)
		return
	}

	listener, _, err := h.service.Join(stationID, deviceID)
	if err != nil {
		if errors.Is(err, ErrUnknownStation) {
			http.Error(w, "Unknown station", http.StatusNotFound)
		} else {
			http.Error(w, "Unknown listener", http.StatusForbidden)
		}
		return
	}

	merged, err := h.service.UpdatePlaybackState(r.Context(), stationID, listener, state, expectedEtag)
	switch {
	case errors.Is(err, ErrForbidden):
		http.Error(w, "Only the station DJ may drive playback", http.StatusForbidden)
		return
	case errors.Is(err, station.ErrStaleState):
		http.Error(w, "Playback state has moved on", http.StatusPreconditionFailed)
		return
	case err != nil:
		log.Error().Err(err).Str("station_id", stationID.String()).Msg("failed to update playback state")
		http.Error(w, "Failed to update playback state", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Last-Modified", merged.Etag.Format(time.RFC3339Nano))
	if err := json.NewEncoder(w).Encode(merged); err != nil {
		log.Error().Err(err).Msg("failed to encode merged state response")
	}
}

// Route prefixes. The REST surface is versioned; the stream endpoint is
// not, matching the original protocol layout.
const (
	statePrefix  = "/api/v1/stations/"
	streamPrefix = "/api/stations/"
)

// extractStationID pulls the station ID out of a path like
// {prefix}{id}{suffix}.
func extractStationID(path, prefix, suffix string) string {
	if len(path) <= len(prefix)+len(suffix) {
		return ""
	}
	if path[:len(prefix)] != prefix || path[len(path)-len(suffix):] != suffix {
		return ""
	}
	return path[len(prefix) : len(path)-len(suffix)]
}
