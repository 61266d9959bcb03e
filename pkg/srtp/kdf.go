// Package srtp implements per-SSRC SRTP and SRTCP protect/unprotect
// contexts: AES-128-CTR (the "AES-CM" construction of RFC 3711 §4.1.1)
// keyed via the RFC 3711 §4.3 key derivation function, authenticated
// with HMAC-SHA1 truncated to 80 bits, and a 64-bit sliding replay
// window per direction. Master keys themselves are produced elsewhere
// (pkg/dtlssrtp, via the DTLS exporter of RFC 5764 §4.2); this package
// only consumes the resulting master key/salt pairs.
package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
)

// Label bytes for the RFC 3711 §4.3.1 key derivation function.
const (
	labelRTPEncryption  = 0x00
	labelRTPAuth        = 0x01
	labelRTPSalt        = 0x02
	labelRTCPEncryption = 0x03
	labelRTCPAuth       = 0x04
	labelRTCPSalt       = 0x05

	cipherKeyLen = 16 // AES-128
	saltLen      = 14
	authKeyLen   = 20 // HMAC-SHA1 key size
	authTagLen   = 10 // 80-bit truncated tag
)

// sessionKeys holds the three session keys derived from one master
// key/salt pair for one direction (RTP or RTCP share the derivation
// function, differing only by label).
type sessionKeys struct {
	cipherKey []byte
	saltKey   []byte
	authKey   []byte
}

// deriveKeys runs the RFC 3711 §4.3.1 KDF: for each label, build
// x = (salt XOR (label << 48)), then AES-CM-encrypt a zero block
// stream keyed by masterKey with that IV, taking as many bytes as the
// target key needs. key_derivation_rate is treated as zero throughout
// (spec.md does not model periodic rekeying), matching the common
// "derive once per DTLS handshake" deployment.
func deriveKeys(masterKey, masterSalt []byte, encLabel, authLabel, saltLabel byte) (sessionKeys, error) {
	cipherKey, err := kdfDeriveBytes(masterKey, masterSalt, encLabel, cipherKeyLen)
	if err != nil {
		return sessionKeys{}, err
	}
	authKey, err := kdfDeriveBytes(masterKey, masterSalt, authLabel, authKeyLen)
	if err != nil {
		return sessionKeys{}, err
	}
	saltKey, err := kdfDeriveBytes(masterKey, masterSalt, saltLabel, saltLen)
	if err != nil {
		return sessionKeys{}, err
	}
	return sessionKeys{cipherKey: cipherKey, saltKey: saltKey, authKey: authKey}, nil
}

func kdfDeriveBytes(masterKey, masterSalt []byte, label byte, n int) ([]byte, error) {
	if len(masterSalt) != saltLen {
		return nil, fmt.Errorf("srtp: master salt must be %d bytes, got %d", saltLen, len(masterSalt))
	}

	// x = master_salt padded to 16 bytes, XORed with (label << 48) in
	// the 7th-from-last byte position (RFC 3711 §4.3.1).
	var x [16]byte
	copy(x[:], masterSalt)
	x[7] ^= label

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("srtp: derive keys: %w", err)
	}

	out := make([]byte, n)
	stream := cipher.NewCTR(block, x[:])
	stream.XORKeyStream(out, out)
	return out, nil
}

// deriveIV computes the AES-CM IV for SRTP/SRTCP packet index idx
// (RFC 3711 §4.1.1): iv = (salt*2^16) XOR (ssrc*2^64) XOR (idx*2^16),
// expressed here directly as a 16-byte big-endian value.
func deriveIV(saltKey []byte, ssrc uint32, idx uint64) [16]byte {
	var iv [16]byte
	copy(iv[:], saltKey) // salt occupies the top 14 bytes, left-aligned
	var ssrcBuf [16]byte
	binary.BigEndian.PutUint32(ssrcBuf[4:8], ssrc)
	var idxBuf [16]byte
	// idx is a 48-bit SRTP packet index (ROC<<16 | seq) for RTP, or a
	// 31-bit SRTCP index for RTCP; both fit left-aligned ending at
	// byte 14, matching the salt's own alignment.
	binary.BigEndian.PutUint64(idxBuf[6:14], idx)
	for i := range iv {
		iv[i] ^= ssrcBuf[i] ^ idxBuf[i]
	}
	return iv
}

func hmacSHA1Tag(key, data []byte) []byte {
	mac := hmac.New(sha1.New, key)
	mac.Write(data)
	full := mac.Sum(nil)
	return full[:authTagLen]
}
