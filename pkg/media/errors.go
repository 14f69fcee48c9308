package media

import "errors"

var (
	// ErrUnknownStream is returned when an operation names an SSRC with no
	// configured send stream.
	ErrUnknownStream = errors.New("media: unknown stream")

	// ErrDuplicateStream is returned when a send stream is added with an
	// SSRC that is already in use.
	ErrDuplicateStream = errors.New("media: duplicate stream SSRC")

	// ErrMalformedPacket is returned when an inbound RTP or RTCP datagram
	// cannot be parsed.
	ErrMalformedPacket = errors.New("media: malformed packet")
)
