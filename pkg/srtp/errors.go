package srtp

import "errors"

// Package srtp errors.
var (
	// ErrNotReady is returned when protecting before keying material is
	// available (the DTLS handshake has not completed).
	ErrNotReady = errors.New("srtp: context not keyed")

	// ErrInvalidMasterKey is returned for master key material of the wrong
	// length.
	ErrInvalidMasterKey = errors.New("srtp: invalid master key length")

	// ErrInvalidMasterSalt is returned for master salt of the wrong length.
	ErrInvalidMasterSalt = errors.New("srtp: invalid master salt length")

	// ErrAuthenticationFailed is returned when the packet authentication
	// tag does not verify. Per-packet drop, never fatal.
	ErrAuthenticationFailed = errors.New("srtp: authentication failed")

	// ErrReplayed is returned when the packet index falls inside the
	// already-seen replay window or below its floor. Per-packet drop.
	ErrReplayed = errors.New("srtp: replayed packet")

	// ErrTooShort is returned for packets shorter than the minimum
	// header plus authentication tag.
	ErrTooShort = errors.New("srtp: packet too short")
)
