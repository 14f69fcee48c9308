package ice

import "errors"

// Package ice errors.
var (
	// ErrClosed is returned when calling into an agent after Close.
	ErrClosed = errors.New("ice: agent closed")

	// ErrNoRemoteCredentials is returned when checks are driven before the
	// remote ufrag/password are known.
	ErrNoRemoteCredentials = errors.New("ice: remote credentials not set")

	// ErrUnknownRemoteUsername means the STUN username did not reference any
	// known remote credential set. The packet may be for another session and
	// is dropped, not treated as a fault.
	ErrUnknownRemoteUsername = errors.New("ice: unknown remote username")

	// ErrUsernameMismatch means the STUN username referenced this agent but
	// carried the wrong local fragment.
	ErrUsernameMismatch = errors.New("ice: local username fragment mismatch")

	// ErrIntegrityCheckFailed means the MESSAGE-INTEGRITY attribute did not
	// verify against the expected password.
	ErrIntegrityCheckFailed = errors.New("ice: message integrity check failed")

	// ErrUnmatchedResponse means a binding response did not match any
	// in-flight transaction.
	ErrUnmatchedResponse = errors.New("ice: binding response matches no transaction")

	// ErrMalformedMessage is returned for datagrams that fail STUN decoding.
	ErrMalformedMessage = errors.New("ice: malformed STUN message")
)
