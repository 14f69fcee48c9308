package ice

import (
	"fmt"
	"time"
)

// Pair combines one local and one remote candidate and tracks the state of
// checking it (RFC 8445 Section 6.1.2).
type Pair struct {
	// Local and Remote index into the agent's candidate lists.
	localIdx  int
	remoteIdx int

	// Priority is the pair priority computed when the pair was formed. It
	// is the sort key for the check list.
	Priority uint64

	// State is the current check-list state.
	State PairState

	// Nominated is set once this pair has been nominated (sent or received
	// USE-CANDIDATE on a successful check).
	Nominated bool

	// seq orders pairs of equal priority by formation time; the earlier
	// pair wins ties.
	seq int

	// In-flight check bookkeeping.
	transactionID [transactionIDSize]byte
	inFlight      bool
	attempts      int
	sentAt        time.Time
	nextRetry     time.Time

	// Keepalive bookkeeping, only meaningful on the selected pair.
	keepaliveSentAt time.Time
	keepaliveMisses int
}

const transactionIDSize = 12

// PairPriority computes the pair priority from the controlling-side priority
// G and the controlled-side priority D (RFC 8445 Section 6.1.2.3):
//
//	pair priority = 2^32*MIN(G,D) + 2*MAX(G,D) + (G>D?1:0)
func PairPriority(g, d uint32) uint64 {
	gg, dd := uint64(g), uint64(d)
	lo, hi := gg, dd
	if lo > hi {
		lo, hi = hi, lo
	}
	var tie uint64
	if gg > dd {
		tie = 1
	}
	return (1<<32)*lo + 2*hi + tie
}

// better reports whether p sorts ahead of o in the check list: higher
// priority first, earlier formation on ties.
func (p *Pair) better(o *Pair) bool {
	if p.Priority != o.Priority {
		return p.Priority > o.Priority
	}
	return p.seq < o.seq
}

// clearCheck resets in-flight transaction state.
func (p *Pair) clearCheck() {
	p.inFlight = false
	p.transactionID = [transactionIDSize]byte{}
}

func (p *Pair) String() string {
	return fmt.Sprintf("pair(local=%d remote=%d prio=%d state=%s nominated=%t)",
		p.localIdx, p.remoteIdx, p.Priority, p.State, p.Nominated)
}
