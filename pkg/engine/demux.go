package engine

// datagramClass is the RFC 7983 first-byte classification of an inbound
// datagram.
type datagramClass int

const (
	classUnknown datagramClass = iota
	classSTUN
	classDTLS
	classRTP
	classRTCP
)

// classify inspects the leading bytes: STUN in [0,3], DTLS in [20,63],
// RTP/RTCP in [128,191]. RTCP is told apart from RTP by the payload type
// byte carrying 200-207.
func classify(b []byte) datagramClass {
	if len(b) < 2 {
		return classUnknown
	}
	switch {
	case b[0] <= 3:
		return classSTUN
	case b[0] >= 20 && b[0] <= 63:
		return classDTLS
	case b[0] >= 128 && b[0] <= 191:
		if b[1] >= 200 && b[1] <= 207 {
			return classRTCP
		}
		return classRTP
	default:
		return classUnknown
	}
}
