package stationserver

import (
	"sync"

	"github.com/google/uuid"

	"github.com/tunedin/stationsync/go/internal/models"
)

// ListenerRegistry resolves stations and the listeners enrolled in them.
type ListenerRegistry interface {
	Station(id uuid.UUID) (models.Station, bool)
	Listener(stationID uuid.UUID, deviceID string) (models.Listener, bool)
}

type listenerKey struct {
	stationID uuid.UUID
	deviceID  string
}

// StaticRegistry serves stations and listeners loaded from configuration.
type StaticRegistry struct {
	mu        sync.RWMutex
	stations  map[uuid.UUID]models.Station
	listeners map[listenerKey]models.Listener
}

// NewStaticRegistry builds a registry from preconfigured stations and
// listeners. Listeners referencing unknown stations are kept; Station
// lookups for them simply fail.
func NewStaticRegistry(stations []models.Station, listeners []models.Listener) *StaticRegistry {
	r := &StaticRegistry{
		stations:  make(map[uuid.UUID]models.Station, len(stations)),
		listeners: make(map[listenerKey]models.Listener, len(listeners)),
	}
	for _, s := range stations {
		r.stations[s.ID] = s
	}
	for _, l := range listeners {
		r.listeners[listenerKey{stationID: l.StationID, deviceID: l.DeviceID}] = l
	}
	return r
}

func (r *StaticRegistry) Station(id uuid.UUID) (models.Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stations[id]
	return s, ok
}

func (r *StaticRegistry) Listener(stationID uuid.UUID, deviceID string) (models.Listener, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.listeners[listenerKey{stationID: stationID, deviceID: deviceID}]
	return l, ok
}

// AddListener enrolls a listener at runtime.
func (r *StaticRegistry) AddListener(l models.Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners[listenerKey{stationID: l.StationID, deviceID: l.DeviceID}] = l
}
