package models

import "time"

// PlaybackState is a snapshot of the playback head at SampleTime.
// RawPositionMs is only valid as of that instant; a playing state must be
// projected forward through elapsed time and clock offset before use.
type PlaybackState struct {
	ContextID     string    `json:"context_id"`
	TrackID       string    `json:"track_id"`
	Paused        bool      `json:"paused"`
	RawPositionMs int64     `json:"raw_position_ms"`
	SampleTime    time.Time `json:"sample_time"`
	// Etag is the version token the server assigned when it accepted this
	// state. Zero for client-sampled snapshots the server has not seen.
	Etag time.Time `json:"etag,omitzero"`
}

// SameTrack reports whether both states point at the same track in the
// same playback context.
func (s PlaybackState) SameTrack(other PlaybackState) bool {
	return s.ContextID == other.ContextID && s.TrackID == other.TrackID
}
