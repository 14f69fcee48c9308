package sdp

import (
	"fmt"
	"strings"
)

// Negotiate reconciles a local and a remote description into an Agreement.
// offerer states whether the local side made the offer; payload types in
// the agreed codec lists are taken from the offering side.
//
// A media line with no common codec is marked Rejected but does not fail
// the exchange; ErrIncompatible is returned only when no line remains
// viable. Malformed ICE credentials on either side fail the exchange with
// ErrMalformedCredentials.
func Negotiate(local, remote *Description, offerer bool) (*Agreement, error) {
	if err := validateCredentials(local.ICE); err != nil {
		return nil, fmt.Errorf("local: %w", err)
	}
	if err := validateCredentials(remote.ICE); err != nil {
		return nil, fmt.Errorf("remote: %w", err)
	}

	agreement := &Agreement{
		Offerer:           offerer,
		LocalICE:          local.ICE,
		RemoteICE:         remote.ICE,
		RemoteFingerprint: remote.Fingerprint,
		DTLSRole:          resolveDTLSRole(local.Setup, remote.Setup, offerer),
	}

	viable := 0
	lines := len(local.Media)
	if len(remote.Media) < lines {
		lines = len(remote.Media)
	}
	for i := 0; i < lines; i++ {
		lm, rm := local.Media[i], remote.Media[i]
		am := AgreedMedia{
			Kind:        lm.Kind,
			MID:         lm.MID,
			RemoteSSRCs: append([]uint32(nil), rm.SSRCs...),
		}
		switch {
		case lm.Kind != rm.Kind:
			am.Rejected = true
		case lm.Kind == KindApplication:
			am.Direction = DirectionSendRecv
		default:
			offer, answer := lm, rm
			if !offerer {
				offer, answer = rm, lm
			}
			am.Codecs = commonCodecs(offer.Codecs, answer.Codecs)
			if len(am.Codecs) == 0 {
				am.Rejected = true
				break
			}
			am.Direction = localDirection(lm.Direction, rm.Direction)
		}
		if !am.Rejected {
			viable++
		}
		agreement.Media = append(agreement.Media, am)
	}

	if len(agreement.Media) > 0 && viable == 0 {
		return nil, ErrIncompatible
	}
	return agreement, nil
}

// resolveDTLSRole applies RFC 5763: a side declaring active or passive
// gets it; when both declare actpass the answerer takes the active role.
func resolveDTLSRole(local, remote Setup, offerer bool) DTLSRole {
	switch {
	case local == SetupActive:
		return DTLSRoleClient
	case local == SetupPassive:
		return DTLSRoleServer
	case remote == SetupActive:
		return DTLSRoleServer
	case remote == SetupPassive:
		return DTLSRoleClient
	case offerer:
		return DTLSRoleServer
	default:
		return DTLSRoleClient
	}
}

// localDirection intersects what we are willing to do with what the peer
// offers, from the local point of view.
func localDirection(local, remote Direction) Direction {
	send := local.send() && remote.recv()
	recv := local.recv() && remote.send()
	switch {
	case send && recv:
		return DirectionSendRecv
	case send:
		return DirectionSendOnly
	case recv:
		return DirectionRecvOnly
	default:
		return DirectionInactive
	}
}

// commonCodecs returns the offer's codecs that the answer also supports,
// in offer order and with the offer's payload types.
func commonCodecs(offer, answer []Codec) []Codec {
	var out []Codec
	for _, oc := range offer {
		for _, ac := range answer {
			if codecsMatch(oc, ac) {
				out = append(out, oc)
				break
			}
		}
	}
	return out
}

func codecsMatch(a, b Codec) bool {
	if !strings.EqualFold(a.Name, b.Name) || a.ClockRate != b.ClockRate {
		return false
	}
	ach, bch := a.Channels, b.Channels
	if ach == 0 {
		ach = 1
	}
	if bch == 0 {
		bch = 1
	}
	return ach == bch
}

// iceChar reports whether c is in the RFC 8445 ice-char alphabet.
func iceChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z':
		return true
	case c >= 'A' && c <= 'Z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/':
		return true
	default:
		return false
	}
}

func validateCredentials(ice Credentials) error {
	if len(ice.Ufrag) < 4 || len(ice.Ufrag) > 256 {
		return fmt.Errorf("%w: ufrag length %d", ErrMalformedCredentials, len(ice.Ufrag))
	}
	if len(ice.Pwd) < 22 || len(ice.Pwd) > 256 {
		return fmt.Errorf("%w: pwd length %d", ErrMalformedCredentials, len(ice.Pwd))
	}
	for i := 0; i < len(ice.Ufrag); i++ {
		if !iceChar(ice.Ufrag[i]) {
			return fmt.Errorf("%w: ufrag byte %q", ErrMalformedCredentials, ice.Ufrag[i])
		}
	}
	for i := 0; i < len(ice.Pwd); i++ {
		if !iceChar(ice.Pwd[i]) {
			return fmt.Errorf("%w: pwd byte %q", ErrMalformedCredentials, ice.Pwd[i])
		}
	}
	return nil
}
