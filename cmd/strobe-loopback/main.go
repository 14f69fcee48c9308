// strobe-loopback runs two session engines back to back in one process.
//
// The binary exchanges an offer and answer directly, shuttles datagrams
// between the two engines in memory, streams a short audio burst through
// the DTLS-SRTP path, and sends one data-channel message. It exits zero
// when the full round trip succeeds.
//
// Usage:
//
//	strobe-loopback
package main

import (
	"log"

	"github.com/strobe-rtc/strobe/examples/loopback"
)

func main() {
	if err := loopback.Run(); err != nil {
		log.Fatalf("loopback failed: %v", err)
	}
}
