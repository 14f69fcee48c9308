// Package ice implements a sans-IO ICE agent for establishing peer-to-peer
// connectivity (RFC 8445).
//
// The agent performs no socket I/O and owns no timers. The host feeds it
// inbound STUN datagrams via HandleStun and drives time via Drive; the agent
// queues outbound datagrams and events which the host drains with
// PollTransmit and PollEvent. The next point in time at which Drive must be
// called again is reported by NextTimeout.
package ice

// Role indicates whether this agent is the controlling or controlled agent
// for the session (RFC 8445 Section 6.1.1). The controlling agent drives
// nomination; the controlled agent adopts the controlling side's choice.
type Role int

const (
	// RoleControlling is the agent driving checks and nomination.
	RoleControlling Role = iota

	// RoleControlled is the agent responding to checks and adopting the
	// peer's nomination.
	RoleControlled
)

// String returns a human-readable name for the role.
func (r Role) String() string {
	switch r {
	case RoleControlling:
		return "Controlling"
	case RoleControlled:
		return "Controlled"
	default:
		return "Unknown"
	}
}

// CandidateType classifies how a candidate address was obtained
// (RFC 8445 Section 5.1.1).
type CandidateType int

const (
	// CandidateHost is an address taken directly from a local interface.
	CandidateHost CandidateType = iota

	// CandidateServerReflexive is an address learned from a STUN server.
	CandidateServerReflexive

	// CandidatePeerReflexive is an address learned from an incoming check.
	CandidatePeerReflexive

	// CandidateRelay is an address allocated on a TURN relay.
	CandidateRelay
)

// String returns the SDP candidate type token.
func (t CandidateType) String() string {
	switch t {
	case CandidateHost:
		return "host"
	case CandidateServerReflexive:
		return "srflx"
	case CandidatePeerReflexive:
		return "prflx"
	case CandidateRelay:
		return "relay"
	default:
		return "unknown"
	}
}

// preference returns the type preference used in the candidate priority
// formula (RFC 8445 Section 5.1.2.1, recommended values).
func (t CandidateType) preference() uint32 {
	switch t {
	case CandidateHost:
		return 126
	case CandidatePeerReflexive:
		return 110
	case CandidateServerReflexive:
		return 100
	case CandidateRelay:
		return 0
	default:
		return 0
	}
}

// PairState is the check-list state of a candidate pair
// (RFC 8445 Section 6.1.2.6).
type PairState int

const (
	// PairFrozen means the pair is not yet eligible for checking.
	PairFrozen PairState = iota

	// PairWaiting means the pair is eligible and awaiting its turn.
	PairWaiting

	// PairInProgress means a binding request is in flight for the pair.
	PairInProgress

	// PairSucceeded means a binding response validated the pair.
	PairSucceeded

	// PairFailed means checks for the pair were exhausted without success.
	PairFailed
)

// String returns a human-readable name for the pair state.
func (s PairState) String() string {
	switch s {
	case PairFrozen:
		return "Frozen"
	case PairWaiting:
		return "Waiting"
	case PairInProgress:
		return "InProgress"
	case PairSucceeded:
		return "Succeeded"
	case PairFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// ConnectionState is the aggregate connectivity state of the agent.
type ConnectionState int

const (
	// ConnectionNew means no checks have started yet.
	ConnectionNew ConnectionState = iota

	// ConnectionChecking means checks are running with no validated pair.
	ConnectionChecking

	// ConnectionConnected means at least one pair validated; checks may
	// still be running for better pairs.
	ConnectionConnected

	// ConnectionCompleted means a pair validated and the check list is
	// exhausted.
	ConnectionCompleted

	// ConnectionDisconnected means the selected pair stopped responding and
	// no alternate has validated yet.
	ConnectionDisconnected

	// ConnectionFailed means every pair failed with no validated pair left.
	ConnectionFailed

	// ConnectionClosed means the agent was shut down.
	ConnectionClosed
)

// String returns a human-readable name for the connection state.
func (s ConnectionState) String() string {
	switch s {
	case ConnectionNew:
		return "New"
	case ConnectionChecking:
		return "Checking"
	case ConnectionConnected:
		return "Connected"
	case ConnectionCompleted:
		return "Completed"
	case ConnectionDisconnected:
		return "Disconnected"
	case ConnectionFailed:
		return "Failed"
	case ConnectionClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// shouldCheck reports whether the agent keeps scheduling new checks in this
// state.
func (s ConnectionState) shouldCheck() bool {
	switch s {
	case ConnectionNew, ConnectionChecking, ConnectionConnected, ConnectionDisconnected:
		return true
	default:
		return false
	}
}
