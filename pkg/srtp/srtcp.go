package srtp

import (
	"crypto/subtle"
	"encoding/binary"
)

// ProtectRTCP encrypts a marshaled compound RTCP packet and appends the
// E-flagged SRTCP index and authentication tag (RFC 3711 Section 3.4).
func (c *Context) ProtectRTCP(packet []byte) ([]byte, error) {
	if len(packet) < minRTCPSize {
		return nil, ErrTooShort
	}
	ssrc := binary.BigEndian.Uint32(packet[4:8])

	c.srtcpIndex = (c.srtcpIndex + 1) & maxSRTCPIndex
	index := c.srtcpIndex

	out := make([]byte, len(packet), len(packet)+srtcpIndexSize+authTagLen)
	copy(out, packet)

	// Everything after the first 8 bytes (header + sender SSRC) is
	// encrypted.
	iv := rtcpIV(c.rtcpKeys.salt, ssrc, index)
	xorKeyStream(c.rtcpBlock, iv, out[minRTCPSize:])

	var trailer [srtcpIndexSize]byte
	binary.BigEndian.PutUint32(trailer[:], index|(1<<31)) // E bit set
	out = append(out, trailer[:]...)

	tag := rtcpAuthTag(c.rtcpKeys.auth, out)
	return append(out, tag...), nil
}

// UnprotectRTCP authenticates and decrypts a protected RTCP packet,
// stripping the index trailer and tag.
func (c *Context) UnprotectRTCP(packet []byte) ([]byte, error) {
	if len(packet) < minRTCPSize+srtcpIndexSize+authTagLen {
		return nil, ErrTooShort
	}

	tagStart := len(packet) - authTagLen
	trailerStart := tagStart - srtcpIndexSize

	trailer := binary.BigEndian.Uint32(packet[trailerStart:tagStart])
	encrypted := trailer&(1<<31) != 0
	index := trailer & maxSRTCPIndex

	ssrc := binary.BigEndian.Uint32(packet[4:8])
	s := c.stream(ssrc)

	markAccepted, ok := s.rtcpReplay.Check(uint64(index))
	if !ok {
		return nil, ErrReplayed
	}

	expected := rtcpAuthTag(c.rtcpKeys.auth, packet[:tagStart])
	if !constantTimeEqual(packet[tagStart:], expected) {
		return nil, ErrAuthenticationFailed
	}

	out := make([]byte, trailerStart)
	copy(out, packet[:trailerStart])
	if encrypted {
		iv := rtcpIV(c.rtcpKeys.salt, ssrc, index)
		xorKeyStream(c.rtcpBlock, iv, out[minRTCPSize:])
	}

	markAccepted()
	return out, nil
}

func constantTimeEqual(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
