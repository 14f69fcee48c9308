package media

import (
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/rtp"
)

type missEntry struct {
	retries  int
	lastNack time.Time
}

// RecvStream tracks one inbound SSRC: reception statistics per RFC 3550
// appendix A, a reorder buffer, and the set of missing sequence numbers
// eligible for NACK. Streams are created implicitly on first media.
type RecvStream struct {
	ssrc        uint32
	payloadType uint8
	clockRate   uint32
	horizon     time.Duration

	started bool
	baseSeq uint16
	maxSeq  uint16
	cycles  uint32

	received       uint32
	expectedPrior  uint32
	receivedPrior  uint32
	jitter         float64
	transit        int64
	hasTransit     bool

	lastSR     uint32
	lastSRTime time.Time

	prevTs      uint32
	prevArrival time.Time
	hasPrev     bool

	reorder *reorderBuffer
	missing map[uint16]*missEntry
}

func newRecvStream(ssrc uint32, clockRate uint32, horizon time.Duration) *RecvStream {
	return &RecvStream{
		ssrc:      ssrc,
		clockRate: clockRate,
		horizon:   horizon,
		reorder:   newReorderBuffer(horizon),
		missing:   make(map[uint16]*missEntry),
	}
}

// SSRC returns the stream's synchronization source.
func (s *RecvStream) SSRC() uint32 { return s.ssrc }

// handlePacket records statistics and buffers the packet for ordered
// release. It returns the packets releasable right now.
func (s *RecvStream) handlePacket(pkt *rtp.Packet, now time.Time) []*rtp.Packet {
	seq := pkt.SequenceNumber
	s.payloadType = pkt.PayloadType

	if !s.started {
		s.started = true
		s.baseSeq = seq
		s.maxSeq = seq
		s.received++
	} else if seqLess(s.maxSeq, seq) {
		// Every number between the previous maximum and this one is
		// now known missing.
		for missing := s.maxSeq + 1; missing != seq; missing++ {
			s.missing[missing] = &missEntry{}
		}
		if seq < s.maxSeq {
			s.cycles += 1 << 16
		}
		s.maxSeq = seq
		s.received++
	} else if _, ok := s.missing[seq]; ok {
		// Late arrival fills a gap.
		delete(s.missing, seq)
		s.received++
	} else if seqLess(seq, s.baseSeq) && !s.reorder.released {
		// Start-of-stream reordering: a first-seen sequence below the
		// base extends the stream backwards.
		for m := seq + 1; m != s.baseSeq; m++ {
			if _, known := s.missing[m]; !known {
				s.missing[m] = &missEntry{}
			}
		}
		s.baseSeq = seq
		s.received++
	}

	s.updateJitter(pkt.Timestamp, now)

	if !s.reorder.push(pkt, now) {
		return nil
	}
	return s.reorder.drain(now)
}

// updateJitter implements the interarrival jitter estimate of RFC 3550
// appendix A.8, with the running value kept in floating point.
func (s *RecvStream) updateJitter(rtpTime uint32, now time.Time) {
	if s.clockRate == 0 {
		return
	}
	arrival := int64(uint32(now.UnixNano() / int64(time.Second/time.Duration(s.clockRate))))
	transit := arrival - int64(rtpTime)
	if !s.hasTransit {
		s.hasTransit = true
		s.transit = transit
		return
	}
	d := transit - s.transit
	s.transit = transit
	if d < 0 {
		d = -d
	}
	s.jitter += (float64(d) - s.jitter) / 16
}

// timing returns the spacing between this packet and the previous one,
// both as the sender paced them (from RTP timestamps) and as they arrived.
func (s *RecvStream) timing(rtpTime uint32, now time.Time) (sendDelta, recvDelta time.Duration, ok bool) {
	defer func() {
		s.prevTs = rtpTime
		s.prevArrival = now
		s.hasPrev = true
	}()
	if !s.hasPrev || s.clockRate == 0 {
		return 0, 0, false
	}
	tsDelta := int32(rtpTime - s.prevTs)
	if tsDelta < 0 {
		return 0, 0, false
	}
	sendDelta = time.Duration(tsDelta) * time.Second / time.Duration(s.clockRate)
	recvDelta = now.Sub(s.prevArrival)
	return sendDelta, recvDelta, true
}

// handleSenderReport stores the reference needed for the LSR/DLSR fields
// of the next reception report.
func (s *RecvStream) handleSenderReport(sr *rtcp.SenderReport, now time.Time) {
	s.lastSR = uint32(sr.NTPTime >> 16)
	s.lastSRTime = now
}

func (s *RecvStream) extendedHighest() uint32 {
	return s.cycles | uint32(s.maxSeq)
}

// receptionReport builds one report block and rolls the interval counters.
func (s *RecvStream) receptionReport(now time.Time) rtcp.ReceptionReport {
	extended := s.extendedHighest()
	expected := extended - uint32(s.baseSeq) + 1

	expectedInterval := expected - s.expectedPrior
	receivedInterval := s.received - s.receivedPrior
	s.expectedPrior = expected
	s.receivedPrior = s.received

	var fraction uint8
	if expectedInterval > 0 && expectedInterval > receivedInterval {
		fraction = uint8((expectedInterval - receivedInterval) * 256 / expectedInterval)
	}

	var cumulative uint32
	if expected > s.received {
		cumulative = expected - s.received
		if cumulative > 0xFFFFFF {
			cumulative = 0xFFFFFF
		}
	}

	var delay uint32
	if !s.lastSRTime.IsZero() {
		delay = uint32(now.Sub(s.lastSRTime).Seconds() * 65536)
	}

	return rtcp.ReceptionReport{
		SSRC:               s.ssrc,
		FractionLost:       fraction,
		TotalLost:          cumulative,
		LastSequenceNumber: extended,
		Jitter:             uint32(s.jitter),
		LastSenderReport:   s.lastSR,
		Delay:              delay,
	}
}

// nackPass returns the missing sequence numbers due for a NACK, at most
// once per interval each, abandoning numbers after maxRetries passes.
func (s *RecvStream) nackPass(now time.Time, interval time.Duration, maxRetries int) []uint16 {
	var due []uint16
	for seq, e := range s.missing {
		if e.retries >= maxRetries {
			delete(s.missing, seq)
			continue
		}
		if !e.lastNack.IsZero() && now.Sub(e.lastNack) < interval {
			continue
		}
		e.retries++
		e.lastNack = now
		due = append(due, seq)
	}
	return due
}
