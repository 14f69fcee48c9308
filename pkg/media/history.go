package media

import "time"

type historyEntry struct {
	seq    uint16
	data   []byte
	stored time.Time
	valid  bool
}

// sendHistory retains recently sent packets for NACK-driven retransmission.
// It is a fixed-capacity ring keyed by sequence number modulo capacity, so
// insertion and lookup are O(1) and an entry is implicitly evicted when a
// later packet maps to the same slot.
type sendHistory struct {
	entries   []historyEntry
	retention time.Duration
}

func newSendHistory(capacity int, retention time.Duration) *sendHistory {
	if capacity <= 0 {
		capacity = DefaultHistoryCapacity
	}
	if retention <= 0 {
		retention = DefaultHistoryRetention
	}
	return &sendHistory{
		entries:   make([]historyEntry, capacity),
		retention: retention,
	}
}

// put stores the marshaled packet. The slice is retained; callers must not
// reuse it.
func (h *sendHistory) put(seq uint16, data []byte, now time.Time) {
	h.entries[int(seq)%len(h.entries)] = historyEntry{
		seq:    seq,
		data:   data,
		stored: now,
		valid:  true,
	}
}

// get returns the stored packet bytes for seq, or nil when the packet was
// never stored, has been overwritten, or is older than the retention age.
func (h *sendHistory) get(seq uint16, now time.Time) []byte {
	e := h.entries[int(seq)%len(h.entries)]
	if !e.valid || e.seq != seq {
		return nil
	}
	if now.Sub(e.stored) > h.retention {
		return nil
	}
	return e.data
}
