package srtp

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"
)

// Key material sizes for the AES_128_CM_HMAC_SHA1_80 protection profile
// (RFC 3711 Section 8.2 and RFC 5764 Section 4.1.2).
const (
	// MasterKeyLen is the SRTP master key length.
	MasterKeyLen = 16

	// MasterSaltLen is the SRTP master salt length.
	MasterSaltLen = 14

	sessionKeyLen  = 16
	sessionSaltLen = 14
	authKeyLen     = 20
	authTagLen     = 10
)

// KDF labels from RFC 3711 Section 4.3.1 and 4.3.2.
const (
	labelSRTPEncryption  = 0x00
	labelSRTPAuth        = 0x01
	labelSRTPSalt        = 0x02
	labelSRTCPEncryption = 0x03
	labelSRTCPAuth       = 0x04
	labelSRTCPSalt       = 0x05
)

// sessionKeys is the derived per-direction key set for one of SRTP or
// SRTCP.
type sessionKeys struct {
	key  []byte
	salt []byte
	auth []byte
}

// deriveSessionKeys runs the AES-CM key derivation function of RFC 3711
// Section 4.3 with a key derivation rate of zero (single derivation).
func deriveSessionKeys(masterKey, masterSalt []byte, rtcp bool) (sessionKeys, error) {
	encLabel, authLabel, saltLabel := byte(labelSRTPEncryption), byte(labelSRTPAuth), byte(labelSRTPSalt)
	if rtcp {
		encLabel, authLabel, saltLabel = labelSRTCPEncryption, labelSRTCPAuth, labelSRTCPSalt
	}

	key, err := aesCmKeyDerivation(encLabel, masterKey, masterSalt, sessionKeyLen)
	if err != nil {
		return sessionKeys{}, err
	}
	auth, err := aesCmKeyDerivation(authLabel, masterKey, masterSalt, authKeyLen)
	if err != nil {
		return sessionKeys{}, err
	}
	salt, err := aesCmKeyDerivation(saltLabel, masterKey, masterSalt, sessionSaltLen)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{key: key, salt: salt, auth: auth}, nil
}

// aesCmKeyDerivation generates outLen bytes of keystream for one KDF label:
// AES-ECB over successive counter blocks of (master_salt XOR label) with a
// 16-bit block counter in the last two bytes.
func aesCmKeyDerivation(label byte, masterKey, masterSalt []byte, outLen int) ([]byte, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("srtp: kdf cipher: %w", err)
	}

	blockSize := block.BlockSize()
	prfIn := make([]byte, blockSize)
	copy(prfIn, masterSalt)
	prfIn[7] ^= label

	nBlocks := (outLen + blockSize - 1) / blockSize
	out := make([]byte, nBlocks*blockSize)
	for i := 0; i < nBlocks; i++ {
		binary.BigEndian.PutUint16(prfIn[blockSize-2:], uint16(i))
		block.Encrypt(out[i*blockSize:(i+1)*blockSize], prfIn)
	}
	return out[:outLen], nil
}
