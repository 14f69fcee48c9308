// Package media implements the RTP/RTCP transport: outbound packetization
// with a retransmission history, inbound reordering with a bounded wait
// horizon, sender and receiver reports, NACK generation and handling, and
// bandwidth-gated pacing.
//
// The engine performs no I/O. The session layer feeds it parsed-off-the-wire
// datagrams and time, and drains plaintext RTP/RTCP packets to protect and
// transmit.
package media

import (
	"fmt"
	"time"

	"github.com/pion/logging"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"

	"github.com/strobe-rtc/strobe/pkg/bwe"
)

// EventKind discriminates engine events.
type EventKind int

const (
	// EventMediaReceived carries one in-order media payload.
	EventMediaReceived EventKind = iota
)

// Event is delivered to the host via PollEvent.
type Event struct {
	Kind           EventKind
	SSRC           uint32
	PayloadType    uint8
	SequenceNumber uint16
	Timestamp      uint32
	Marker         bool
	Payload        []byte
}

// Config configures the media engine.
type Config struct {
	// ClockRates maps payload types to their RTP clock rates, normally
	// filled from negotiation. Unknown payload types fall back to 90000.
	ClockRates map[uint8]uint32

	// ReorderHorizon bounds how long receive streams wait for gaps.
	ReorderHorizon time.Duration

	// ReportInterval is the compound RTCP report spacing.
	ReportInterval time.Duration

	// NackInterval and MaxNackRetries control NACK generation.
	NackInterval   time.Duration
	MaxNackRetries int

	// PacingQueueCap bounds the pacing queue; the oldest packet is
	// dropped beyond it.
	PacingQueueCap int

	// Bandwidth configures the send-side estimator that gates pacing.
	Bandwidth bwe.Config

	// LoggerFactory provides the engine logger.
	LoggerFactory logging.LoggerFactory
}

func (c *Config) applyDefaults() {
	if c.ReorderHorizon == 0 {
		c.ReorderHorizon = DefaultReorderHorizon
	}
	if c.ReportInterval == 0 {
		c.ReportInterval = DefaultReportInterval
	}
	if c.NackInterval == 0 {
		c.NackInterval = DefaultNackInterval
	}
	if c.MaxNackRetries == 0 {
		c.MaxNackRetries = DefaultMaxNackRetries
	}
	if c.PacingQueueCap == 0 {
		c.PacingQueueCap = DefaultPacingQueueCap
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Engine is the sans-IO RTP/RTCP transport. Not safe for concurrent use.
type Engine struct {
	cfg Config
	log logging.LeveledLogger

	sendStreams map[uint32]*SendStream
	recvStreams map[uint32]*RecvStream

	sendEst *bwe.Estimator
	recvEst *bwe.Estimator

	// remoteEstimate is the peer's REMB cap in bits per second, zero
	// until one arrives.
	remoteEstimate int

	paceQueue [][]byte
	budget    float64
	lastPace  time.Time

	outRTP  [][]byte
	outRTCP [][]byte
	events  []Event

	nextReport time.Time
	nextNack   time.Time

	packetsDropped uint64
}

// NewEngine creates an engine with no streams.
func NewEngine(cfg Config) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:         cfg,
		log:         cfg.LoggerFactory.NewLogger("media"),
		sendStreams: make(map[uint32]*SendStream),
		recvStreams: make(map[uint32]*RecvStream),
		sendEst:     bwe.NewEstimator(cfg.Bandwidth),
		recvEst:     bwe.NewEstimator(cfg.Bandwidth),
	}
}

// AddSendStream registers an outbound stream.
func (e *Engine) AddSendStream(cfg SendStreamConfig) (*SendStream, error) {
	if _, ok := e.sendStreams[cfg.SSRC]; ok {
		return nil, fmt.Errorf("%w: %d", ErrDuplicateStream, cfg.SSRC)
	}
	s := newSendStream(cfg)
	e.sendStreams[cfg.SSRC] = s
	e.log.Debugf("send stream added ssrc=%d pt=%d", cfg.SSRC, cfg.PayloadType)
	return s, nil
}

// RemoveSendStream deregisters an outbound stream. Queued packets already
// paced stay queued; retransmission history is discarded with the stream.
func (e *Engine) RemoveSendStream(ssrc uint32) error {
	if _, ok := e.sendStreams[ssrc]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, ssrc)
	}
	delete(e.sendStreams, ssrc)
	e.log.Debugf("send stream removed ssrc=%d", ssrc)
	return nil
}

// Send packetizes one media payload onto the named stream. samples is the
// payload duration in clock-rate units. The packet enters the pacing queue
// and leaves through PollPacket once the bandwidth budget allows.
func (e *Engine) Send(ssrc uint32, payload []byte, samples uint32, marker bool, now time.Time) error {
	s, ok := e.sendStreams[ssrc]
	if !ok {
		return fmt.Errorf("%w: %d", ErrUnknownStream, ssrc)
	}
	data, err := s.packetize(payload, samples, marker, now)
	if err != nil {
		return err
	}
	if len(e.paceQueue) >= e.cfg.PacingQueueCap {
		e.paceQueue = e.paceQueue[1:]
		e.packetsDropped++
		e.log.Warnf("pacing queue full, dropped oldest packet")
	}
	e.paceQueue = append(e.paceQueue, data)
	e.pace(now)
	return nil
}

// HandleRTP processes one plaintext inbound RTP datagram.
func (e *Engine) HandleRTP(data []byte, now time.Time) error {
	pkt := &rtp.Packet{}
	if err := pkt.Unmarshal(data); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	s, ok := e.recvStreams[pkt.SSRC]
	if !ok {
		s = newRecvStream(pkt.SSRC, e.clockRate(pkt.PayloadType), e.cfg.ReorderHorizon)
		e.recvStreams[pkt.SSRC] = s
		e.log.Debugf("recv stream discovered ssrc=%d pt=%d", pkt.SSRC, pkt.PayloadType)
	}
	if sendDelta, recvDelta, ok := s.timing(pkt.Timestamp, now); ok {
		e.recvEst.OnPacketTiming(sendDelta, recvDelta)
	}
	for _, released := range s.handlePacket(pkt, now) {
		e.emitMedia(released)
	}
	return nil
}

// HandleRTCP processes one plaintext inbound compound RTCP datagram.
func (e *Engine) HandleRTCP(data []byte, now time.Time) error {
	pkts, err := rtcp.Unmarshal(data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPacket, err)
	}
	for _, pkt := range pkts {
		switch p := pkt.(type) {
		case *rtcp.SenderReport:
			if s, ok := e.recvStreams[p.SSRC]; ok {
				s.handleSenderReport(p, now)
			}
			e.applyReceptionReports(p.Reports)
		case *rtcp.ReceiverReport:
			e.applyReceptionReports(p.Reports)
		case *rtcp.TransportLayerNack:
			e.handleNack(p, now)
		case *rtcp.ReceiverEstimatedMaximumBitrate:
			e.remoteEstimate = int(p.Bitrate)
		}
	}
	return nil
}

// applyReceptionReports feeds peer feedback about our send streams into
// the bandwidth estimator.
func (e *Engine) applyReceptionReports(reports []rtcp.ReceptionReport) {
	for _, r := range reports {
		if _, ours := e.sendStreams[r.SSRC]; ours {
			e.sendEst.OnReceiverReport(r.FractionLost)
		}
	}
}

// handleNack retransmits every named packet still held in the history,
// bypassing the pacing queue.
func (e *Engine) handleNack(nack *rtcp.TransportLayerNack, now time.Time) {
	s, ok := e.sendStreams[nack.MediaSSRC]
	if !ok {
		return
	}
	for _, pair := range nack.Nacks {
		pair.Range(func(seq uint16) bool {
			if data := s.retransmit(seq, now); data != nil {
				e.outRTP = append(e.outRTP, data)
			}
			return true
		})
	}
}

// Drive advances time-based work: pacing, reorder horizon expiry, NACK
// passes, and periodic reports.
func (e *Engine) Drive(now time.Time) {
	e.pace(now)

	for _, s := range e.recvStreams {
		for _, released := range s.reorder.drain(now) {
			e.emitMedia(released)
		}
	}

	if e.nextNack.IsZero() {
		e.nextNack = now.Add(e.cfg.NackInterval)
	} else if !now.Before(e.nextNack) {
		e.nextNack = now.Add(e.cfg.NackInterval)
		e.generateNacks(now)
	}

	if e.nextReport.IsZero() {
		e.nextReport = now.Add(e.cfg.ReportInterval)
	} else if !now.Before(e.nextReport) {
		e.nextReport = now.Add(e.cfg.ReportInterval)
		e.generateReport(now)
	}
}

// pace releases queued packets while the rate budget allows. The budget
// accrues at the estimator rate, capped at a small burst.
func (e *Engine) pace(now time.Time) {
	rate := e.sendEst.Rate()
	if e.remoteEstimate > 0 && e.remoteEstimate < rate {
		rate = e.remoteEstimate
	}
	if !e.lastPace.IsZero() {
		e.budget += float64(rate) / 8 * now.Sub(e.lastPace).Seconds()
	} else {
		// First call starts with one burst so the session is not
		// stalled waiting for budget to accrue.
		e.budget = e.maxBurst(rate)
	}
	e.lastPace = now
	if max := e.maxBurst(rate); e.budget > max {
		e.budget = max
	}
	for len(e.paceQueue) > 0 && e.budget >= float64(len(e.paceQueue[0])) {
		data := e.paceQueue[0]
		e.paceQueue = e.paceQueue[1:]
		e.budget -= float64(len(data))
		e.outRTP = append(e.outRTP, data)
	}
}

// maxBurst is 50ms of budget at the given rate, at least one full packet.
func (e *Engine) maxBurst(rate int) float64 {
	burst := float64(rate) / 8 * 0.05
	if burst < 1500 {
		burst = 1500
	}
	return burst
}

// generateNacks emits one TransportLayerNack per receive stream with
// missing packets due for a report.
func (e *Engine) generateNacks(now time.Time) {
	sender := e.feedbackSSRC()
	var pkts []rtcp.Packet
	for _, s := range e.recvStreams {
		due := s.nackPass(now, e.cfg.NackInterval, e.cfg.MaxNackRetries)
		if len(due) == 0 {
			continue
		}
		pkts = append(pkts, &rtcp.TransportLayerNack{
			SenderSSRC: sender,
			MediaSSRC:  s.ssrc,
			Nacks:      rtcp.NackPairsFromSequenceNumbers(due),
		})
	}
	if len(pkts) == 0 {
		return
	}
	e.marshalReport(pkts)
}

// generateReport emits the periodic compound report: an SR per send
// stream, an RR carrying reception reports when there are none, and a
// REMB with the local receive-side estimate.
func (e *Engine) generateReport(now time.Time) {
	reports := make([]rtcp.ReceptionReport, 0, len(e.recvStreams))
	ssrcs := make([]uint32, 0, len(e.recvStreams))
	for _, s := range e.recvStreams {
		reports = append(reports, s.receptionReport(now))
		ssrcs = append(ssrcs, s.ssrc)
	}

	var pkts []rtcp.Packet
	first := true
	for _, s := range e.sendStreams {
		sr := &rtcp.SenderReport{
			SSRC:        s.cfg.SSRC,
			NTPTime:     ntpTime(now),
			RTPTime:     s.timestamp,
			PacketCount: s.packetCount,
			OctetCount:  s.octetCount,
		}
		if first {
			sr.Reports = reports
			first = false
		}
		pkts = append(pkts, sr)
	}
	if first && len(reports) > 0 {
		pkts = append(pkts, &rtcp.ReceiverReport{
			SSRC:    e.feedbackSSRC(),
			Reports: reports,
		})
	}
	if len(ssrcs) > 0 {
		pkts = append(pkts, &rtcp.ReceiverEstimatedMaximumBitrate{
			SenderSSRC: e.feedbackSSRC(),
			Bitrate:    float32(e.recvEst.Rate()),
			SSRCs:      ssrcs,
		})
	}
	if len(pkts) == 0 {
		return
	}
	e.marshalReport(pkts)
}

func (e *Engine) marshalReport(pkts []rtcp.Packet) {
	data, err := rtcp.Marshal(pkts)
	if err != nil {
		e.log.Errorf("marshal rtcp: %v", err)
		return
	}
	e.outRTCP = append(e.outRTCP, data)
}

func (e *Engine) emitMedia(pkt *rtp.Packet) {
	e.events = append(e.events, Event{
		Kind:           EventMediaReceived,
		SSRC:           pkt.SSRC,
		PayloadType:    pkt.PayloadType,
		SequenceNumber: pkt.SequenceNumber,
		Timestamp:      pkt.Timestamp,
		Marker:         pkt.Marker,
		Payload:        pkt.Payload,
	})
}

func (e *Engine) feedbackSSRC() uint32 {
	for ssrc := range e.sendStreams {
		return ssrc
	}
	return 1
}

func (e *Engine) clockRate(payloadType uint8) uint32 {
	if rate, ok := e.cfg.ClockRates[payloadType]; ok {
		return rate
	}
	return 90000
}

// PollPacket returns the next plaintext RTP packet to protect and send,
// or nil.
func (e *Engine) PollPacket() []byte {
	if len(e.outRTP) == 0 {
		return nil
	}
	data := e.outRTP[0]
	e.outRTP = e.outRTP[1:]
	return data
}

// PollReport returns the next plaintext compound RTCP datagram, or nil.
func (e *Engine) PollReport() []byte {
	if len(e.outRTCP) == 0 {
		return nil
	}
	data := e.outRTCP[0]
	e.outRTCP = e.outRTCP[1:]
	return data
}

// PollEvent returns the next pending event, or nil.
func (e *Engine) PollEvent() *Event {
	if len(e.events) == 0 {
		return nil
	}
	ev := e.events[0]
	e.events = e.events[1:]
	return &ev
}

// NextTimeout returns the earliest instant Drive should next run, or the
// zero time when no timer is pending.
func (e *Engine) NextTimeout(now time.Time) time.Time {
	next := e.nextReport
	if earlier(e.nextNack, next) {
		next = e.nextNack
	}
	for _, s := range e.recvStreams {
		if t := s.reorder.nextTimeout(); earlier(t, next) {
			next = t
		}
	}
	if len(e.paceQueue) > 0 {
		if t := now.Add(5 * time.Millisecond); earlier(t, next) {
			next = t
		}
	}
	return next
}

func earlier(t, than time.Time) bool {
	return !t.IsZero() && (than.IsZero() || t.Before(than))
}

// ntpTime converts a wall-clock instant to the 64-bit NTP fixed-point
// format used by sender reports.
func ntpTime(t time.Time) uint64 {
	secs := uint64(t.Unix() + 2208988800)
	frac := uint64(t.Nanosecond()) << 32 / uint64(time.Second)
	return secs<<32 | frac
}
