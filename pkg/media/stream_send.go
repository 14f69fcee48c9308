package media

import (
	"crypto/rand"
	"encoding/binary"
	"time"

	"github.com/pion/rtp"
)

// SendStreamConfig describes one outbound media stream.
type SendStreamConfig struct {
	// SSRC identifies the stream on the wire. Required, must be unique
	// within the engine.
	SSRC uint32

	// PayloadType is the negotiated RTP payload type.
	PayloadType uint8

	// ClockRate is the RTP clock rate in Hz, e.g. 8000 for PCMU or 90000
	// for video.
	ClockRate uint32

	// HistoryCapacity / HistoryRetention bound the retransmission buffer.
	// Zero values use the package defaults.
	HistoryCapacity  int
	HistoryRetention time.Duration
}

// SendStream packetizes outbound media. Sequence numbers and timestamps
// are monotonically increasing from random starting points.
type SendStream struct {
	cfg SendStreamConfig

	seq       uint16
	timestamp uint32

	packetCount uint32
	octetCount  uint32

	history *sendHistory
}

func newSendStream(cfg SendStreamConfig) *SendStream {
	var seed [6]byte
	_, _ = rand.Read(seed[:])
	return &SendStream{
		cfg:       cfg,
		seq:       binary.BigEndian.Uint16(seed[0:2]),
		timestamp: binary.BigEndian.Uint32(seed[2:6]),
		history:   newSendHistory(cfg.HistoryCapacity, cfg.HistoryRetention),
	}
}

// SSRC returns the stream's synchronization source.
func (s *SendStream) SSRC() uint32 { return s.cfg.SSRC }

// packetize builds and marshals the next packet. samples is the media
// duration of the payload in clock-rate units; the timestamp advances by
// it after the packet is built.
func (s *SendStream) packetize(payload []byte, samples uint32, marker bool, now time.Time) ([]byte, error) {
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			Marker:         marker,
			PayloadType:    s.cfg.PayloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.cfg.SSRC,
		},
		Payload: payload,
	}
	data, err := pkt.Marshal()
	if err != nil {
		return nil, err
	}
	s.history.put(s.seq, data, now)
	s.seq++
	s.timestamp += samples
	s.packetCount++
	s.octetCount += uint32(len(payload))
	return data, nil
}

// retransmit returns the stored bytes for seq if still retained, nil
// otherwise. The packet is resent verbatim.
func (s *SendStream) retransmit(seq uint16, now time.Time) []byte {
	return s.history.get(seq, now)
}
