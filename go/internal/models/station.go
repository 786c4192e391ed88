package models

import "github.com/google/uuid"

// Station is a shared listening room with a single canonical playback head.
type Station struct {
	ID   uuid.UUID `json:"id"`
	Name string    `json:"name"`
}
