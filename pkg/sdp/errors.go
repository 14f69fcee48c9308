package sdp

import "errors"

var (
	// ErrMalformedCredentials is returned when a description carries ICE
	// credentials outside the length or alphabet RFC 8445 allows.
	ErrMalformedCredentials = errors.New("sdp: malformed ice credentials")

	// ErrIncompatible is returned when negotiation produces zero viable
	// media lines.
	ErrIncompatible = errors.New("sdp: no compatible media line")

	// ErrMalformedDescription is returned when a textual description
	// cannot be parsed into the structured form.
	ErrMalformedDescription = errors.New("sdp: malformed description")
)
