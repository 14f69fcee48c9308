// Package srtp implements the Secure Real-time Transport Protocol packet
// transforms (RFC 3711) for the AES_128_CM_HMAC_SHA1_80 protection profile.
//
// A Context is unidirectional: a session derives one from the DTLS-SRTP
// client write keys and one from the server write keys (RFC 5764). The
// package holds no sockets and no clocks; callers pass fully marshaled
// RTP/RTCP packets through Protect/Unprotect.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1" //nolint:gosec // mandated by the protection profile
	"encoding/binary"
	"fmt"
	"hash"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/replaydetector"
)

const (
	// DefaultReplayWindow is the replay protection window size in packets,
	// applied independently per SSRC (RTP) and per sender (RTCP).
	DefaultReplayWindow = 64

	maxSRTPIndex  = (1 << 48) - 1
	maxSRTCPIndex = (1 << 31) - 1

	srtcpIndexSize = 4
	minRTPSize     = 12
	minRTCPSize    = 8
)

// Config tunes a Context. The zero value is usable.
type Config struct {
	// ReplayWindow is the replay protection window size. Defaults to
	// DefaultReplayWindow.
	ReplayWindow uint

	// LoggerFactory provides the context logger.
	LoggerFactory logging.LoggerFactory
}

// Context is a unidirectional SRTP/SRTCP crypto context: session keys
// derived from one master key/salt, per-SSRC rollover counters and replay
// windows, and the SRTCP index counter.
type Context struct {
	rtpKeys  sessionKeys
	rtcpKeys sessionKeys

	rtpBlock  cipher.Block
	rtcpBlock cipher.Block

	window uint
	log    logging.LeveledLogger

	// Per-SSRC stream state, created lazily.
	streams map[uint32]*streamState

	// SRTCP sender index, incremented per protected compound packet.
	srtcpIndex uint32
}

// streamState tracks one SSRC within a context.
type streamState struct {
	// Send and receive share the ROC tracking; a context is only ever used
	// in one direction.
	roc     uint32
	lastSeq uint16
	started bool

	rtpReplay  replaydetector.ReplayDetector
	rtcpReplay replaydetector.ReplayDetector
}

// NewContext derives session keys from the given master key and salt and
// returns a ready context.
func NewContext(masterKey, masterSalt []byte, cfg Config) (*Context, error) {
	if len(masterKey) != MasterKeyLen {
		return nil, ErrInvalidMasterKey
	}
	if len(masterSalt) != MasterSaltLen {
		return nil, ErrInvalidMasterSalt
	}
	if cfg.ReplayWindow == 0 {
		cfg.ReplayWindow = DefaultReplayWindow
	}
	if cfg.LoggerFactory == nil {
		cfg.LoggerFactory = logging.NewDefaultLoggerFactory()
	}

	rtpKeys, err := deriveSessionKeys(masterKey, masterSalt, false)
	if err != nil {
		return nil, err
	}
	rtcpKeys, err := deriveSessionKeys(masterKey, masterSalt, true)
	if err != nil {
		return nil, err
	}

	rtpBlock, err := aes.NewCipher(rtpKeys.key)
	if err != nil {
		return nil, fmt.Errorf("srtp: session cipher: %w", err)
	}
	rtcpBlock, err := aes.NewCipher(rtcpKeys.key)
	if err != nil {
		return nil, fmt.Errorf("srtp: session cipher: %w", err)
	}

	return &Context{
		rtpKeys:   rtpKeys,
		rtcpKeys:  rtcpKeys,
		rtpBlock:  rtpBlock,
		rtcpBlock: rtcpBlock,
		window:    cfg.ReplayWindow,
		log:       cfg.LoggerFactory.NewLogger("srtp"),
		streams:   make(map[uint32]*streamState),
	}, nil
}

func (c *Context) stream(ssrc uint32) *streamState {
	s, ok := c.streams[ssrc]
	if !ok {
		s = &streamState{
			rtpReplay:  replaydetector.New(c.window, maxSRTPIndex),
			rtcpReplay: replaydetector.New(c.window, maxSRTCPIndex),
		}
		c.streams[ssrc] = s
	}
	return s
}

// rtpIV builds the AES-CM initialization vector of RFC 3711 Section 4.1.1:
// (salt << 16) XOR (ssrc << 64) XOR (index << 16), where index is the
// 48-bit packet index ROC||SEQ.
func rtpIV(salt []byte, ssrc, roc uint32, seq uint16) [16]byte {
	var iv [16]byte
	copy(iv[:], salt)
	binXor32(iv[4:8], ssrc)
	binXor32(iv[8:12], roc)
	iv[12] ^= byte(seq >> 8)
	iv[13] ^= byte(seq)
	return iv
}

// rtcpIV is the SRTCP variant with the 31-bit index in place of the packet
// index (RFC 3711 Section 4.1.1 as applied in Section 3.4).
func rtcpIV(salt []byte, ssrc, index uint32) [16]byte {
	var iv [16]byte
	copy(iv[:], salt)
	binXor32(iv[4:8], ssrc)
	binXor32(iv[10:14], index)
	return iv
}

func binXor32(dst []byte, v uint32) {
	dst[0] ^= byte(v >> 24)
	dst[1] ^= byte(v >> 16)
	dst[2] ^= byte(v >> 8)
	dst[3] ^= byte(v)
}

// xorKeyStream applies AES counter mode in place.
func xorKeyStream(block cipher.Block, iv [16]byte, buf []byte) {
	stream := cipher.NewCTR(block, iv[:])
	stream.XORKeyStream(buf, buf)
}

func authHMAC(key []byte) hash.Hash {
	return hmac.New(sha1.New, key)
}

// rtpAuthTag computes the truncated HMAC-SHA1 tag over the packet and the
// rollover counter (RFC 3711 Section 4.2).
func rtpAuthTag(key []byte, packet []byte, roc uint32) []byte {
	mac := authHMAC(key)
	mac.Write(packet)
	var rocBuf [4]byte
	binary.BigEndian.PutUint32(rocBuf[:], roc)
	mac.Write(rocBuf[:])
	return mac.Sum(nil)[:authTagLen]
}

// rtcpAuthTag computes the tag over the packet including the E-flagged
// index trailer.
func rtcpAuthTag(key []byte, packet []byte) []byte {
	mac := authHMAC(key)
	mac.Write(packet)
	return mac.Sum(nil)[:authTagLen]
}

// estimateROC implements the index estimation of RFC 3711 Section 3.3.1:
// pick the rollover value v in {roc-1, roc, roc+1} that places seq closest
// to the highest sequence number seen.
func (s *streamState) estimateROC(seq uint16) uint32 {
	if !s.started {
		return 0
	}
	v := s.roc
	if s.lastSeq < 32768 {
		if int32(seq)-int32(s.lastSeq) > 32768 {
			v = s.roc - 1
		}
	} else {
		if int32(s.lastSeq)-32768 > int32(seq) {
			v = s.roc + 1
		}
	}
	return v
}

// advance updates the highest-seen index after a packet authenticated.
func (s *streamState) advance(seq uint16, v uint32) {
	switch {
	case !s.started:
		s.lastSeq = seq
		s.started = true
	case v == s.roc:
		if seq > s.lastSeq {
			s.lastSeq = seq
		}
	case v == s.roc+1:
		s.lastSeq = seq
		s.roc = v
	}
}
