// Package sdp implements the negotiation layer: structured session
// descriptions, the offer/answer reconciliation that produces an immutable
// Agreement, and adapters to and from textual SDP for hosts that carry it.
//
// The structured Description is the engine's contract; the textual grammar
// is delegated to pion/sdp.
package sdp

// MediaKind classifies a media line.
type MediaKind int

const (
	KindAudio MediaKind = iota
	KindVideo
	KindApplication
)

// String returns the m= line media token.
func (k MediaKind) String() string {
	switch k {
	case KindAudio:
		return "audio"
	case KindVideo:
		return "video"
	case KindApplication:
		return "application"
	default:
		return "unknown"
	}
}

// Direction is a media line's transmission direction from the describing
// side's point of view.
type Direction int

const (
	DirectionSendRecv Direction = iota
	DirectionSendOnly
	DirectionRecvOnly
	DirectionInactive
)

// String returns the direction attribute name.
func (d Direction) String() string {
	switch d {
	case DirectionSendRecv:
		return "sendrecv"
	case DirectionSendOnly:
		return "sendonly"
	case DirectionRecvOnly:
		return "recvonly"
	case DirectionInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

func (d Direction) send() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

func (d Direction) recv() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Setup is the RFC 4145 connection setup attribute.
type Setup int

const (
	SetupActPass Setup = iota
	SetupActive
	SetupPassive
)

// String returns the setup attribute value.
func (s Setup) String() string {
	switch s {
	case SetupActPass:
		return "actpass"
	case SetupActive:
		return "active"
	case SetupPassive:
		return "passive"
	default:
		return "unknown"
	}
}

// DTLSRole is the resolved handshake role after negotiation.
type DTLSRole int

const (
	// DTLSRoleClient initiates the handshake (setup:active).
	DTLSRoleClient DTLSRole = iota

	// DTLSRoleServer awaits the ClientHello (setup:passive).
	DTLSRoleServer
)

// Codec describes one payload-type mapping.
type Codec struct {
	PayloadType uint8
	Name        string
	ClockRate   uint32
	Channels    uint16

	// Parameters is the fmtp line, empty when absent.
	Parameters string
}

// Credentials are the ICE username fragment and password.
type Credentials struct {
	Ufrag string
	Pwd   string
}

// Media is one media line of a description.
type Media struct {
	Kind      MediaKind
	MID       string
	Direction Direction
	Codecs    []Codec
	SSRCs     []uint32
}

// Description is the structured form of one side's session description.
type Description struct {
	ICE Credentials

	// Fingerprint is the SHA-256 certificate fingerprint in colon-hex.
	Fingerprint string

	Setup Setup
	Media []Media
}

// AgreedMedia is one reconciled media line.
type AgreedMedia struct {
	Kind MediaKind
	MID  string

	// Direction is from the local side's point of view.
	Direction Direction

	// Codecs is the common subset, payload types taken from the offer.
	Codecs []Codec

	// RemoteSSRCs are the peer's announced synchronization sources.
	RemoteSSRCs []uint32

	// Rejected marks a line with no common codec. The session survives
	// while at least one line is not rejected.
	Rejected bool
}

// Agreement is the immutable result of one offer/answer exchange.
// Renegotiation produces a new Agreement; existing ones are never mutated.
type Agreement struct {
	Offerer bool

	LocalICE  Credentials
	RemoteICE Credentials

	RemoteFingerprint string
	DTLSRole          DTLSRole

	Media []AgreedMedia
}

// ClockRates maps the agreed payload types to their clock rates, in the
// form the media engine consumes.
func (a *Agreement) ClockRates() map[uint8]uint32 {
	rates := make(map[uint8]uint32)
	for _, m := range a.Media {
		if m.Rejected {
			continue
		}
		for _, c := range m.Codecs {
			rates[c.PayloadType] = c.ClockRate
		}
	}
	return rates
}
