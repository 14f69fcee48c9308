package media

import (
	"time"

	"github.com/pion/rtp"
)

// seqLess reports whether a precedes b in RFC 1982 serial order.
func seqLess(a, b uint16) bool {
	diff := b - a
	return diff != 0 && diff < 0x8000
}

type bufferedPacket struct {
	pkt     *rtp.Packet
	arrived time.Time
}

// reorderBuffer holds out-of-order packets until the gap before them fills
// or the wait horizon expires. Packets are released in sequence order;
// after the horizon the buffer skips over missing numbers rather than
// stalling the stream.
type reorderBuffer struct {
	horizon time.Duration
	next    uint16
	started bool

	// released is set on the first release. Until then the cursor is
	// provisional: an earlier in-horizon packet pulls it back.
	released bool

	waiting map[uint16]bufferedPacket
}

func newReorderBuffer(horizon time.Duration) *reorderBuffer {
	if horizon <= 0 {
		horizon = DefaultReorderHorizon
	}
	return &reorderBuffer{
		horizon: horizon,
		waiting: make(map[uint16]bufferedPacket),
	}
}

// push stores a packet. Duplicates and packets older than the release
// cursor are dropped; push reports whether the packet was accepted.
func (b *reorderBuffer) push(pkt *rtp.Packet, now time.Time) bool {
	seq := pkt.SequenceNumber
	if !b.started {
		b.started = true
		b.next = seq
	} else if seqLess(seq, b.next) {
		if b.released {
			return false
		}
		b.next = seq
	}
	if _, dup := b.waiting[seq]; dup {
		return false
	}
	b.waiting[seq] = bufferedPacket{pkt: pkt, arrived: now}
	return true
}

// drain releases every packet that is in order, skipping gaps whose oldest
// waiter has exceeded the horizon. The stream head is held for one horizon
// so packets sent just before the first one seen still come out in order.
func (b *reorderBuffer) drain(now time.Time) []*rtp.Packet {
	var out []*rtp.Packet
	for len(b.waiting) > 0 {
		if !b.released {
			if now.Sub(b.oldestArrival()) < b.horizon {
				break
			}
			b.released = true
		}
		if bp, ok := b.waiting[b.next]; ok {
			out = append(out, bp.pkt)
			delete(b.waiting, b.next)
			b.next++
			continue
		}
		if now.Sub(b.oldestArrival()) < b.horizon {
			break
		}
		b.next = b.nearestPending()
	}
	return out
}

// nextTimeout returns when a stalled gap will be skipped, or the zero time
// when nothing is waiting.
func (b *reorderBuffer) nextTimeout() time.Time {
	if len(b.waiting) == 0 {
		return time.Time{}
	}
	if b.released {
		if _, ok := b.waiting[b.next]; ok {
			return time.Time{}
		}
	}
	return b.oldestArrival().Add(b.horizon)
}

func (b *reorderBuffer) oldestArrival() time.Time {
	var oldest time.Time
	for _, bp := range b.waiting {
		if oldest.IsZero() || bp.arrived.Before(oldest) {
			oldest = bp.arrived
		}
	}
	return oldest
}

// nearestPending returns the buffered sequence number closest after the
// release cursor.
func (b *reorderBuffer) nearestPending() uint16 {
	var (
		best     uint16
		bestDist uint16 = 0xFFFF
		found    bool
	)
	for seq := range b.waiting {
		dist := seq - b.next
		if !found || dist < bestDist {
			best, bestDist, found = seq, dist, true
		}
	}
	return best
}
