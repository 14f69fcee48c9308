package engine

import "errors"

var (
	// ErrClosed is returned by any operation after the session reached
	// Closed.
	ErrClosed = errors.New("engine: session closed")

	// ErrNotNegotiated is returned when an operation needs a completed
	// offer/answer exchange.
	ErrNotNegotiated = errors.New("engine: not negotiated")

	// ErrNotConnected is returned when an operation needs the Connected
	// state.
	ErrNotConnected = errors.New("engine: not connected")

	// ErrIceFailed is the terminal error when no candidate pair ever
	// validates or every validated pair is lost for good.
	ErrIceFailed = errors.New("engine: ice failed")

	// ErrHandshakeFailed is the terminal error when the DTLS handshake
	// exhausts its retries.
	ErrHandshakeFailed = errors.New("engine: handshake failed")

	// ErrDescriptionSet is returned when a description side is applied
	// twice without renegotiation.
	ErrDescriptionSet = errors.New("engine: description already set")
)
