package models

import "github.com/google/uuid"

// ListenerRole is a bitmask of the capabilities a listener has in a station.
type ListenerRole uint8

const (
	RoleListener ListenerRole = 0
	RoleDJ       ListenerRole = 1 << 0
	RoleAdmin    ListenerRole = 1 << 1
)

// IsDJ reports whether the listener is authorized to drive playback.
func (r ListenerRole) IsDJ() bool { return r&RoleDJ != 0 }

// IsAdmin reports whether the listener can manage the station.
func (r ListenerRole) IsAdmin() bool { return r&RoleAdmin != 0 }

// Listener grants a device access to a station.
type Listener struct {
	StationID uuid.UUID    `json:"station_id"`
	DeviceID  string       `json:"device_id"`
	Username  string       `json:"username"`
	Role      ListenerRole `json:"role"`
}
