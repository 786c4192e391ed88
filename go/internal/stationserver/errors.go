package stationserver

import "errors"

var (
	// ErrUnknownStation means the station ID is not registered.
	ErrUnknownStation = errors.New("unknown station")
	// ErrUnknownListener means the device is not enrolled in the station.
	ErrUnknownListener = errors.New("unknown listener")
	// ErrForbidden means the listener lacks the role for the operation.
	ErrForbidden = errors.New("forbidden")
)
