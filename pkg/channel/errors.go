package channel

import "errors"

var (
	// ErrNotStarted is returned when a channel operation precedes Start.
	ErrNotStarted = errors.New("channel: bridge not started")

	// ErrClosed is returned after the bridge has been closed.
	ErrClosed = errors.New("channel: bridge closed")
)
