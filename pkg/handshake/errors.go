package handshake

import "errors"

// Package handshake errors.
var (
	// ErrNotStarted is returned when querying keying material or writing
	// application data before Start.
	ErrNotStarted = errors.New("handshake: not started")

	// ErrNotComplete is returned when keying material is requested before
	// the handshake finished.
	ErrNotComplete = errors.New("handshake: not complete")

	// ErrFailed is returned once the engine reported terminal failure.
	ErrFailed = errors.New("handshake: failed")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("handshake: closed")

	// ErrFingerprintMismatch means the peer certificate does not match the
	// fingerprint pinned from negotiation. Terminal.
	ErrFingerprintMismatch = errors.New("handshake: certificate fingerprint mismatch")
)
