package handshake

import (
	"crypto/sha256"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"strings"
)

// srtpExtractorLabel is the RFC 5764 Section 4.2 exporter label for
// DTLS-SRTP key derivation.
const srtpExtractorLabel = "EXTRACTOR-dtls_srtp"

// SRTPKeyingMaterial is the DTLS-SRTP key block split per RFC 5764
// Section 4.2: client write key, server write key, client write salt,
// server write salt, in that order.
type SRTPKeyingMaterial struct {
	ClientKey  []byte
	ServerKey  []byte
	ClientSalt []byte
	ServerSalt []byte
}

// SRTPKeys exports and splits the DTLS-SRTP keying material for the
// AES_128_CM_HMAC_SHA1_80 profile (16-byte keys, 14-byte salts).
func SRTPKeys(e Endpoint) (*SRTPKeyingMaterial, error) {
	const keyLen, saltLen = 16, 14

	material, err := e.ExportKeyingMaterial(srtpExtractorLabel, 2*(keyLen+saltLen))
	if err != nil {
		return nil, err
	}

	off := 0
	next := func(n int) []byte {
		b := material[off : off+n]
		off += n
		return b
	}
	return &SRTPKeyingMaterial{
		ClientKey:  next(keyLen),
		ServerKey:  next(keyLen),
		ClientSalt: next(saltLen),
		ServerSalt: next(saltLen),
	}, nil
}

// Fingerprint computes the lowercase colon-separated SHA-256 fingerprint of
// a certificate, the form carried in the SDP a=fingerprint attribute
// (RFC 8122).
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = hex.EncodeToString([]byte{b})
	}
	return strings.Join(parts, ":")
}

// CertificateFingerprint returns the fingerprint of the leaf certificate.
func CertificateFingerprint(cert tls.Certificate) (string, error) {
	if len(cert.Certificate) == 0 {
		return "", fmt.Errorf("handshake: certificate has no leaf")
	}
	return Fingerprint(cert.Certificate[0]), nil
}

// verifyFingerprint checks the peer's leaf certificate against the pinned
// fingerprint. An empty expectation skips the check (the host accepted an
// unverified description).
func verifyFingerprint(rawCerts [][]byte, expected string) error {
	if expected == "" {
		return nil
	}
	if len(rawCerts) == 0 {
		return ErrFingerprintMismatch
	}
	// Parse to make sure we fingerprint the canonical DER bytes.
	cert, err := x509.ParseCertificate(rawCerts[0])
	if err != nil {
		return fmt.Errorf("%w: %s", ErrFingerprintMismatch, err)
	}
	if !strings.EqualFold(Fingerprint(cert.Raw), expected) {
		return ErrFingerprintMismatch
	}
	return nil
}
