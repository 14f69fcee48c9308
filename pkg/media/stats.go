package media

// SendStats describes one outbound stream.
type SendStats struct {
	SSRC        uint32
	PacketsSent uint32
	OctetsSent  uint32
}

// RecvStats describes one inbound stream.
type RecvStats struct {
	SSRC            uint32
	PacketsReceived uint32
	PacketsLost     uint32
	Jitter          float64
}

// Stats is a point-in-time snapshot of the engine.
type Stats struct {
	// SendRate is the current pacing budget in bits per second.
	SendRate int

	// PacketsDropped counts packets discarded by the full pacing queue.
	PacketsDropped uint64

	Send []SendStats
	Recv []RecvStats
}

// Stats snapshots the engine counters.
func (e *Engine) Stats() Stats {
	st := Stats{
		SendRate:       e.sendEst.Rate(),
		PacketsDropped: e.packetsDropped,
	}
	for _, s := range e.sendStreams {
		st.Send = append(st.Send, SendStats{
			SSRC:        s.cfg.SSRC,
			PacketsSent: s.packetCount,
			OctetsSent:  s.octetCount,
		})
	}
	for _, s := range e.recvStreams {
		extended := s.extendedHighest()
		expected := extended - uint32(s.baseSeq) + 1
		var lost uint32
		if s.started && expected > s.received {
			lost = expected - s.received
		}
		st.Recv = append(st.Recv, RecvStats{
			SSRC:            s.ssrc,
			PacketsReceived: s.received,
			PacketsLost:     lost,
			Jitter:          s.jitter,
		})
	}
	return st
}
