package handshake

// Endpoint is the boundary to the external datagram-TLS engine. The session
// engine feeds it inbound DTLS datagrams, drains produced datagrams, and
// watches State for completion. Implementations may contain internal
// concurrency but their surface is non-blocking feed/drain.
type Endpoint interface {
	// Start begins the handshake in the given role. Calling it twice is an
	// error.
	Start(role Role) error

	// HandleInbound relays one received DTLS datagram to the engine.
	// Duplicate flights are expected and tolerated; the engine's own
	// retry and ordering logic is authoritative.
	HandleInbound(datagram []byte) error

	// PollTransmit returns the next datagram the engine wants sent, or nil.
	PollTransmit() []byte

	// PollApplicationData returns the next decrypted application datagram,
	// or nil. Application data flows once the handshake completes.
	PollApplicationData() []byte

	// WriteApplicationData submits one application datagram for
	// encryption; the ciphertext appears via PollTransmit.
	WriteApplicationData(p []byte) error

	// State returns the current handshake state.
	State() State

	// Err returns the terminal error once State is Failed.
	Err() error

	// ExportKeyingMaterial exports keying material from the completed
	// handshake (RFC 5705).
	ExportKeyingMaterial(label string, length int) ([]byte, error)

	// Close tears the endpoint down, emitting a closing alert through
	// PollTransmit when the engine produces one.
	Close() error
}
