package srtp

import (
	"fmt"

	"github.com/pion/rtp"
)

// ProtectRTP encrypts the payload of a marshaled RTP packet and appends the
// authentication tag. The send-side rollover counter advances automatically
// when the sequence number wraps.
func (c *Context) ProtectRTP(packet []byte) ([]byte, error) {
	var header rtp.Header
	headerLen, err := header.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTooShort, err)
	}

	s := c.stream(header.SSRC)
	c.advanceSendROC(s, header.SequenceNumber)

	out := make([]byte, len(packet), len(packet)+authTagLen)
	copy(out, packet)

	iv := rtpIV(c.rtpKeys.salt, header.SSRC, s.roc, header.SequenceNumber)
	xorKeyStream(c.rtpBlock, iv, out[headerLen:])

	tag := rtpAuthTag(c.rtpKeys.auth, out, s.roc)
	return append(out, tag...), nil
}

// UnprotectRTP authenticates and decrypts a protected RTP packet. It
// returns ErrReplayed for indices already inside the replay window or below
// its floor, and ErrAuthenticationFailed on tag mismatch; both are
// per-packet drops.
func (c *Context) UnprotectRTP(packet []byte) ([]byte, error) {
	if len(packet) < minRTPSize+authTagLen {
		return nil, ErrTooShort
	}

	var header rtp.Header
	headerLen, err := header.Unmarshal(packet)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrTooShort, err)
	}

	s := c.stream(header.SSRC)
	roc := s.estimateROC(header.SequenceNumber)
	index := uint64(roc)<<16 | uint64(header.SequenceNumber)

	markAccepted, ok := s.rtpReplay.Check(index)
	if !ok {
		return nil, ErrReplayed
	}

	body := packet[:len(packet)-authTagLen]
	tag := packet[len(packet)-authTagLen:]
	expected := rtpAuthTag(c.rtpKeys.auth, body, roc)
	if !constantTimeEqual(tag, expected) {
		return nil, ErrAuthenticationFailed
	}

	out := make([]byte, len(body))
	copy(out, body)
	iv := rtpIV(c.rtpKeys.salt, header.SSRC, roc, header.SequenceNumber)
	xorKeyStream(c.rtpBlock, iv, out[headerLen:])

	markAccepted()
	s.advance(header.SequenceNumber, roc)
	return out, nil
}

// advanceSendROC tracks sequence wrap on the send side.
func (c *Context) advanceSendROC(s *streamState, seq uint16) {
	if !s.started {
		s.lastSeq = seq
		s.started = true
		return
	}
	// A large backwards jump means the 16-bit sequence wrapped.
	if seq < s.lastSeq && s.lastSeq-seq > 32768 {
		s.roc++
	}
	if seq > s.lastSeq || s.lastSeq-seq > 32768 {
		s.lastSeq = seq
	}
}
