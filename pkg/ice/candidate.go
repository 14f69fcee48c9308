package ice

import (
	"fmt"
	"net/netip"
)

// Candidate is a transport address usable for connectivity checks. The host
// discovers candidates (local interfaces, STUN/TURN allocations) and hands
// them to the agent; the agent never gathers on its own.
type Candidate struct {
	// Type classifies how the address was obtained.
	Type CandidateType

	// Addr is the candidate transport address.
	Addr netip.AddrPort

	// Component is the ICE component ID. With RTCP multiplexed onto the
	// same flow this is always 1.
	Component uint16

	// Foundation groups candidates obtained the same way; used for the
	// frozen algorithm and SDP serialization.
	Foundation string

	// LocalPreference orders candidates of the same type (RFC 8445
	// Section 5.1.2.2). Zero means "use the default of 65535".
	LocalPreference uint16

	// prio caches an explicitly assigned priority (from remote SDP).
	prio uint32
}

// Priority returns the candidate priority per the RFC 8445 Section 5.1.2.1
// formula:
//
//	priority = (2^24)*(type preference) + (2^8)*(local preference) + (256 - component ID)
//
// An explicitly assigned priority (from the peer's SDP) takes precedence.
func (c Candidate) Priority() uint32 {
	if c.prio != 0 {
		return c.prio
	}
	localPref := uint32(c.LocalPreference)
	if localPref == 0 {
		localPref = 65535
	}
	component := uint32(c.Component)
	if component == 0 {
		component = 1
	}
	return (1<<24)*c.Type.preference() + (1<<8)*localPref + (256 - component)
}

// WithPriority returns a copy of the candidate carrying an explicitly
// assigned priority, as signaled in SDP.
func (c Candidate) WithPriority(p uint32) Candidate {
	c.prio = p
	return c
}

// IsHost reports whether the candidate is a host candidate.
func (c Candidate) IsHost() bool {
	return c.Type == CandidateHost
}

// String formats the candidate for logging.
func (c Candidate) String() string {
	return fmt.Sprintf("%s %s prio=%d", c.Type, c.Addr, c.Priority())
}

// equal reports whether two candidates denote the same transport address.
// Priority differences do not make candidates distinct.
func (c Candidate) equal(o Candidate) bool {
	return c.Type == o.Type && c.Addr == o.Addr && c.Component == o.Component
}
