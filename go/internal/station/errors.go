package station

import "errors"

var (
	// ErrTimeout indicates a round trip exceeded its fixed deadline. The
	// pending reply is abandoned, not cancelled; the caller falls back to a
	// full resync.
	ErrTimeout = errors.New("station: round trip timed out")

	// ErrStaleState indicates the server rejected a conditional playback
	// state write because the etag precondition failed. Not a user-visible
	// error: the next canonical push resolves it.
	ErrStaleState = errors.New("station: playback state etag is stale")

	// ErrProtocol indicates a malformed or unexpected message.
	ErrProtocol = errors.New("station: protocol error")

	// ErrClosed indicates the underlying transport has shut down.
	ErrClosed = errors.New("station: channel closed")
)
