package media

import "time"

const (
	// DefaultHistoryCapacity is the number of sent packets retained for
	// retransmission per stream.
	DefaultHistoryCapacity = 512

	// DefaultHistoryRetention is the maximum age of a retransmittable
	// packet. Older entries are never retransmitted even if still stored.
	DefaultHistoryRetention = time.Second

	// DefaultReorderHorizon is how long a receive stream waits for a gap
	// to fill before releasing buffered packets out of order.
	DefaultReorderHorizon = 100 * time.Millisecond

	// DefaultPacingQueueCap bounds the pacing queue. Beyond it the oldest
	// queued packet is dropped.
	DefaultPacingQueueCap = 512

	// DefaultReportInterval is the spacing between compound RTCP reports.
	DefaultReportInterval = time.Second

	// DefaultNackInterval is the spacing between NACK passes. A missing
	// sequence number is reported at most once per pass.
	DefaultNackInterval = 50 * time.Millisecond

	// DefaultMaxNackRetries caps how many NACK passes may name the same
	// missing sequence number before it is abandoned.
	DefaultMaxNackRetries = 3
)
