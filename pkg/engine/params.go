package engine

import "time"

const (
	// DefaultDisconnectedGrace is how long the selected pair may be lost
	// before the session leaves Connected.
	DefaultDisconnectedGrace = 5 * time.Second

	// DefaultSessionTimeout closes a Disconnected session that never
	// recovers.
	DefaultSessionTimeout = 30 * time.Second
)
