// Package handshake adapts an external datagram-TLS engine to the sans-IO
// session loop.
//
// The engine itself (byte-level protocol, retransmission of flights, cipher
// primitives) is delegated; this package only relays datagrams in and out
// and exposes handshake progress as discrete states. The bundled provider
// runs github.com/pion/dtls/v3 over an in-memory packet adapter; the
// asynchrony of that engine is contained entirely inside the endpoint, whose
// host-facing surface stays feed/drain.
package handshake

// State is the coarse progress of the handshake.
type State int

const (
	// StateIdle means Start has not been called.
	StateIdle State = iota

	// StateHandshaking means flights are being exchanged.
	StateHandshaking

	// StateComplete means the handshake finished and keying material is
	// available. Immutable thereafter; renegotiation replaces the
	// endpoint rather than mutating it.
	StateComplete

	// StateFailed means the engine gave up after exhausting its retries.
	StateFailed

	// StateClosed means Close was called.
	StateClosed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshaking:
		return "Handshaking"
	case StateComplete:
		return "Complete"
	case StateFailed:
		return "Failed"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Role is the DTLS role decided during negotiation (the a=setup attribute;
// RFC 5763 Section 5).
type Role int

const (
	// RoleClient actively opens the handshake (setup:active).
	RoleClient Role = iota

	// RoleServer awaits the ClientHello (setup:passive).
	RoleServer
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleClient:
		return "Client"
	case RoleServer:
		return "Server"
	default:
		return "Unknown"
	}
}

// IsDTLS reports whether the datagram's first byte falls in the DTLS range
// of the RFC 7983 demultiplexing scheme (20..63).
func IsDTLS(b []byte) bool {
	return len(b) > 0 && b[0] >= 20 && b[0] <= 63
}
