package engine

// State is the session lifecycle state.
type State int

const (
	// StateNew is the state before any description is applied.
	StateNew State = iota

	// StateNegotiating means at least one description is set but the
	// offer/answer exchange is incomplete.
	StateNegotiating

	// StateIceChecking means connectivity checks are running.
	StateIceChecking

	// StateDtlsHandshaking means a pair validated and the key exchange is
	// in flight.
	StateDtlsHandshaking

	// StateConnected means media and data can flow.
	StateConnected

	// StateDisconnected means the selected pair was lost; the session
	// recovers if another pair validates before the session timeout.
	StateDisconnected

	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateNew:
		return "New"
	case StateNegotiating:
		return "Negotiating"
	case StateIceChecking:
		return "IceChecking"
	case StateDtlsHandshaking:
		return "DtlsHandshaking"
	case StateConnected:
		return "Connected"
	case StateDisconnected:
		return "Disconnected"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}
