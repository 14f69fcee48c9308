package engine

import (
	"time"

	"github.com/strobe-rtc/strobe/pkg/media"
)

// Stats is a point-in-time snapshot of the session.
type Stats struct {
	State    State
	ICEState string

	// RTT statistics from STUN keepalives on the selected path. Zero
	// until the first sample.
	RTT          time.Duration
	RTTDeviation time.Duration

	// Media holds per-stream counters and the current rate estimate.
	Media media.Stats
}

// Stats snapshots the session. Valid in every state, including Closed.
func (s *Session) Stats() Stats {
	st := Stats{
		State:    s.state,
		ICEState: s.agent.State().String(),
	}
	if rtt := s.agent.RTT(); rtt.HasSample() {
		st.RTT = rtt.Mean()
		st.RTTDeviation = rtt.Deviation()
	}
	if s.media != nil {
		st.Media = s.media.Stats()
	}
	return st
}
