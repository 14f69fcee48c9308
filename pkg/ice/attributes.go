package ice

import (
	"encoding/binary"

	"github.com/pion/stun/v3"
)

// STUN attribute setters for the ICE extension attributes (RFC 8445
// Section 7.1). Each implements stun.Setter so it can be passed straight to
// stun.Build.

// priorityAttr carries the PRIORITY attribute: the priority a peer-reflexive
// candidate discovered by this check would have.
type priorityAttr uint32

func (p priorityAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 4)
	binary.BigEndian.PutUint32(v, uint32(p))
	m.Add(stun.AttrPriority, v)
	return nil
}

// getPriority extracts the PRIORITY attribute, returning 0 when absent.
func getPriority(m *stun.Message) uint32 {
	v, err := m.Get(stun.AttrPriority)
	if err != nil || len(v) != 4 {
		return 0
	}
	return binary.BigEndian.Uint32(v)
}

// useCandidateAttr is the flag attribute signalling nomination.
type useCandidateAttr struct{}

func (useCandidateAttr) AddTo(m *stun.Message) error {
	m.Add(stun.AttrUseCandidate, nil)
	return nil
}

// hasUseCandidate reports whether the USE-CANDIDATE flag is present.
func hasUseCandidate(m *stun.Message) bool {
	_, err := m.Get(stun.AttrUseCandidate)
	return err == nil
}

// controlAttr carries ICE-CONTROLLING or ICE-CONTROLLED together with the
// role-conflict tiebreaker value.
type controlAttr struct {
	role       Role
	tiebreaker uint64
}

func (c controlAttr) AddTo(m *stun.Message) error {
	v := make([]byte, 8)
	binary.BigEndian.PutUint64(v, c.tiebreaker)
	t := stun.AttrICEControlled
	if c.role == RoleControlling {
		t = stun.AttrICEControlling
	}
	m.Add(t, v)
	return nil
}
