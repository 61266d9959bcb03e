package srtp

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
)

// MasterKeys is one DTLS-SRTP exported key/salt pair (RFC 5764 §4.2).
// A completed DTLS handshake yields two of these — one per direction —
// handed to NewContext with the correct client/server assignment.
type MasterKeys struct {
	Key  []byte // 16 bytes, AES-128
	Salt []byte // 14 bytes
}

// Context is one SSRC's SRTP+SRTCP protect/unprotect state: the session
// keys derived from one master key/salt pair, the outbound packet-index
// counters (if this context protects) and the inbound replay windows (if
// it unprotects). spec.md §4.6 keeps these per-SSRC and per-direction;
// a PeerConnection holds two Contexts (local keys to protect outbound,
// remote keys to unprotect inbound).
type Context struct {
	mu sync.Mutex

	rtpKeys  sessionKeys
	rtcpKeys sessionKeys

	rtpROC     rocTracker
	rtpReplay  replayWindow
	rtcpIndex  uint32 // outbound 31-bit counter, pre-increment value
	rtcpReplay replayWindow
}

// NewContext derives RTP and RTCP session keys from one master key/salt
// pair (RFC 3711 §4.3.1 KDF labels 0x00/0x01/0x02 for RTP, 0x03/0x04/0x05
// for RTCP).
func NewContext(mk MasterKeys) (*Context, error) {
	if len(mk.Key) != cipherKeyLen {
		return nil, fmt.Errorf("srtp: master key must be %d bytes, got %d", cipherKeyLen, len(mk.Key))
	}
	rtpKeys, err := deriveKeys(mk.Key, mk.Salt, labelRTPEncryption, labelRTPAuth, labelRTPSalt)
	if err != nil {
		return nil, err
	}
	rtcpKeys, err := deriveKeys(mk.Key, mk.Salt, labelRTCPEncryption, labelRTCPAuth, labelRTCPSalt)
	if err != nil {
		return nil, err
	}
	return &Context{rtpKeys: rtpKeys, rtcpKeys: rtcpKeys}, nil
}

// ProtectRTP encrypts and authenticates one plaintext RTP packet (header
// plus payload, as serialized by rtpcodec.Header.Write + payload bytes).
// The returned slice is header || ciphertext-payload || 10-byte auth tag,
// at most 10 bytes larger than header+payload (spec.md §4.6: "at most
// 148 bytes larger" bounds a much larger implementation's worst case;
// this fixed-overhead construction needs only the tag).
func (c *Context) ProtectRTP(header rtpcodec.Header, payload []byte) ([]byte, error) {
	headerBytes := make([]byte, header.Len())
	if _, err := rtpcodec.Write(header, headerBytes); err != nil {
		return nil, fmt.Errorf("srtp: serialize RTP header: %w", err)
	}

	c.mu.Lock()
	idx := c.rtpROC.index(header.SequenceNumber)
	keys := c.rtpKeys
	c.mu.Unlock()

	cipherText, err := ctrCrypt(keys.cipherKey, deriveIV(keys.saltKey, header.SSRC, idx), payload)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(headerBytes)+len(cipherText)+authTagLen)
	out = append(out, headerBytes...)
	out = append(out, cipherText...)
	tag := hmacSHA1Tag(keys.authKey, out)
	out = append(out, tag...)
	return out, nil
}

// UnprotectRTP verifies and decrypts one SRTP packet, returning the
// parsed header and plaintext payload. The replay window is advanced
// only on success; a rejected packet leaves state unchanged.
func (c *Context) UnprotectRTP(buf []byte) (rtpcodec.Header, []byte, error) {
	if len(buf) < authTagLen {
		return rtpcodec.Header{}, nil, fmt.Errorf("srtp: packet shorter than auth tag")
	}
	body, tag := buf[:len(buf)-authTagLen], buf[len(buf)-authTagLen:]

	header, headerLen, err := rtpcodec.Parse(body)
	if err != nil {
		return rtpcodec.Header{}, nil, fmt.Errorf("srtp: parse RTP header: %w", err)
	}

	c.mu.Lock()
	keys := c.rtpKeys
	c.mu.Unlock()

	wantTag := hmacSHA1Tag(keys.authKey, body)
	if !hmacEqual(wantTag, tag) {
		return rtpcodec.Header{}, nil, ErrAuthFailed
	}

	c.mu.Lock()
	idx := c.rtpROC.index(header.SequenceNumber)
	if !c.rtpReplay.accept(idx) {
		c.mu.Unlock()
		return rtpcodec.Header{}, nil, ErrReplay
	}
	c.mu.Unlock()

	plain, err := ctrCrypt(keys.cipherKey, deriveIV(keys.saltKey, header.SSRC, idx), body[headerLen:])
	if err != nil {
		return rtpcodec.Header{}, nil, err
	}
	plain = rtpcodec.TrimPadding(header, plain)
	return header, plain, nil
}

// ProtectRTCP encrypts and authenticates one compound RTCP packet.
// Per RFC 3711 §3.4, only the payload following the first packet's
// 8-byte SSRC/length prefix is encrypted; a 4-byte SRTCP index trailer
// (31 bits of index, top bit the encrypted flag "E") precedes the
// 10-byte auth tag, which covers the whole output including that
// trailer.
func (c *Context) ProtectRTCP(plain []byte) ([]byte, error) {
	if len(plain) < rtcpPrefixLen {
		return nil, fmt.Errorf("srtp: RTCP packet shorter than SSRC prefix")
	}
	ssrc := binary.BigEndian.Uint32(plain[4:8])

	c.mu.Lock()
	idx := c.rtcpIndex
	c.rtcpIndex = (c.rtcpIndex + 1) & srtcpIndexMask
	keys := c.rtcpKeys
	c.mu.Unlock()

	cipherText, err := ctrCrypt(keys.cipherKey, deriveIV(keys.saltKey, ssrc, uint64(idx)), plain[rtcpPrefixLen:])
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, rtcpPrefixLen+len(cipherText)+4+authTagLen)
	out = append(out, plain[:rtcpPrefixLen]...)
	out = append(out, cipherText...)

	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], idx|srtcpEncryptedFlag)
	out = append(out, trailer[:]...)

	tag := hmacSHA1Tag(keys.authKey, out)
	out = append(out, tag...)
	return out, nil
}

// UnprotectRTCP verifies, decrypts and anti-replays one SRTCP packet.
func (c *Context) UnprotectRTCP(buf []byte) ([]byte, error) {
	if len(buf) < rtcpPrefixLen+4+authTagLen {
		return nil, fmt.Errorf("srtp: SRTCP packet too short")
	}
	body, tag := buf[:len(buf)-authTagLen], buf[len(buf)-authTagLen:]
	trailer := binary.BigEndian.Uint32(body[len(body)-4:])
	idx := trailer & srtcpIndexMask
	encrypted := trailer&srtcpEncryptedFlag != 0

	ssrc, err := peekSSRC(body)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	keys := c.rtcpKeys
	c.mu.Unlock()

	wantTag := hmacSHA1Tag(keys.authKey, body)
	if !hmacEqual(wantTag, tag) {
		return nil, ErrAuthFailed
	}

	c.mu.Lock()
	accepted := c.rtcpReplay.accept(uint64(idx))
	c.mu.Unlock()
	if !accepted {
		return nil, ErrReplay
	}

	payload := body[rtcpPrefixLen : len(body)-4]
	if !encrypted {
		out := append([]byte(nil), body[:rtcpPrefixLen]...)
		return append(out, payload...), nil
	}

	plain, err := ctrCrypt(keys.cipherKey, deriveIV(keys.saltKey, ssrc, uint64(idx)), payload)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), body[:rtcpPrefixLen]...)
	return append(out, plain...), nil
}

const (
	rtcpPrefixLen      = 8
	srtcpIndexMask     = 0x7fffffff
	srtcpEncryptedFlag = 0x80000000
)

func peekSSRC(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, fmt.Errorf("srtp: RTCP buffer too short for SSRC")
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

func ctrCrypt(key []byte, iv [16]byte, in []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("srtp: aes cipher: %w", err)
	}
	out := make([]byte, len(in))
	cipher.NewCTR(block, iv[:]).XORKeyStream(out, in)
	return out, nil
}

func hmacEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}
