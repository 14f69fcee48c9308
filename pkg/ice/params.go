package ice

import "time"

// Timing and sizing defaults. The retransmission curve is implementation
// policy rather than protocol-mandated; interoperability depends on
// tolerating peer timing variance, so every value here is overridable via
// Config.
const (
	// DefaultCheckRTO is the initial retransmission timeout for a
	// connectivity check. Doubles on every unanswered attempt.
	DefaultCheckRTO = 250 * time.Millisecond

	// DefaultMaxCheckAttempts caps the number of binding requests sent for
	// one pair before it transitions to Failed. Matches the widely deployed
	// default of 7 attempts.
	DefaultMaxCheckAttempts = 7

	// DefaultMaxCheckRTO bounds the exponential backoff.
	DefaultMaxCheckRTO = 8 * time.Second

	// DefaultKeepaliveInterval is how often a binding request is sent on
	// the selected pair to keep NAT bindings open and sample RTT.
	DefaultKeepaliveInterval = 2 * time.Second

	// DefaultKeepaliveMissLimit is the number of consecutive unanswered
	// keepalives after which the selected pair is demoted to Failed.
	DefaultKeepaliveMissLimit = 3

	// DefaultMaxPairs caps the check list. Further candidates are ignored
	// once this many pairs exist.
	DefaultMaxPairs = 100

	// DefaultMaxInFlight caps concurrently outstanding checks.
	DefaultMaxInFlight = 10
)

// ufragRunes and pwdRunes are the alphabets for generated credentials.
const credentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

const (
	// ufragLen and pwdLen follow RFC 8445 Section 5.3: at least 4 and 22
	// characters respectively.
	ufragLen = 8
	pwdLen   = 24
)
