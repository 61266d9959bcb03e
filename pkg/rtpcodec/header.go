// Package rtpcodec parses and serializes RTP headers per RFC 3550 §5.1.
//
// The wire format is hand-rolled against the spec's exact bit layout
// (padding anti-attack guard, CSRC list, header extension) because the
// testable properties this system is built against (round-trip equality,
// padding-declaration rejection) depend on controlling every byte. The
// header value type mirrors github.com/pion/rtp's Header field names.
package rtpcodec

import (
	"encoding/binary"
	"errors"
)

const (
	fixedHeaderLen = 12
	versionRTP     = 2
)

// ErrHeaderTooShort is returned when the buffer is smaller than the fixed
// 12-byte RTP header prefix.
var ErrHeaderTooShort = errors.New("rtpcodec: buffer shorter than fixed RTP header")

// ErrHeaderTruncated is returned when the declared CSRC list or header
// extension runs past the end of the buffer.
var ErrHeaderTruncated = errors.New("rtpcodec: CSRC list or extension runs past buffer end")

// Header is a parsed RTP header (RFC 3550 §5.1).
type Header struct {
	Version          uint8
	Padding          bool
	Extension        bool
	Marker           bool
	PayloadType      uint8
	SequenceNumber   uint16
	Timestamp        uint32
	SSRC             uint32
	CSRC             []uint32
	ExtensionProfile uint16
	// ExtensionPayload holds the raw header-extension bytes (ExtensionLength*4
	// bytes), starting at offset 0 of the extension payload buffer. A
	// well-known RTP stack bug writes this at ExtensionLength*4 instead;
	// this implementation deliberately does not reproduce that bug.
	ExtensionPayload []byte
}

// Len returns the wire length of the header: 12 + 4*len(CSRC) +
// (Extension ? 4 + 4*extensionWords : 0).
func (h *Header) Len() int {
	n := fixedHeaderLen + 4*len(h.CSRC)
	if h.Extension {
		n += 4 + len(h.ExtensionPayload)
	}
	return n
}

// Parse reads an RTP header from buf and returns the header and the number
// of header bytes consumed. The payload is buf[n:], including any trailing
// padding — padding trimming is the caller's job via TrimPadding, since
// the anti-attack guard needs to know whether the buffer came from an
// untrusted ingress source.
func Parse(buf []byte) (Header, int, error) {
	if len(buf) < fixedHeaderLen {
		return Header{}, 0, ErrHeaderTooShort
	}

	var h Header
	b0 := buf[0]
	b1 := buf[1]

	h.Version = b0 >> 6
	h.Padding = (b0>>5)&0x1 == 1
	h.Extension = (b0>>4)&0x1 == 1
	csrcCount := int(b0 & 0x0f)

	h.Marker = (b1>>7)&0x1 == 1
	h.PayloadType = b1 & 0x7f

	h.SequenceNumber = binary.BigEndian.Uint16(buf[2:4])
	h.Timestamp = binary.BigEndian.Uint32(buf[4:8])
	h.SSRC = binary.BigEndian.Uint32(buf[8:12])

	offset := fixedHeaderLen
	if csrcCount > 0 {
		need := offset + 4*csrcCount
		if need > len(buf) {
			return Header{}, 0, ErrHeaderTruncated
		}
		h.CSRC = make([]uint32, csrcCount)
		for i := 0; i < csrcCount; i++ {
			h.CSRC[i] = binary.BigEndian.Uint32(buf[offset : offset+4])
			offset += 4
		}
	}

	if h.Extension {
		if offset+4 > len(buf) {
			return Header{}, 0, ErrHeaderTruncated
		}
		h.ExtensionProfile = binary.BigEndian.Uint16(buf[offset : offset+2])
		extWords := int(binary.BigEndian.Uint16(buf[offset+2 : offset+4]))
		offset += 4
		extLen := extWords * 4
		if offset+extLen > len(buf) {
			return Header{}, 0, ErrHeaderTruncated
		}
		h.ExtensionPayload = make([]byte, extLen)
		copy(h.ExtensionPayload, buf[offset:offset+extLen])
		offset += extLen
	}

	return h, offset, nil
}

// TrimPadding applies the RFC 3550 padding trailer and the anti-attack
// guard from spec §3: if the padding flag is set and the trailing octet
// declares more padding than the payload actually contains, the
// declaration is ignored rather than zeroing out (or underflowing) the
// payload.
func TrimPadding(h Header, payload []byte) []byte {
	if !h.Padding || len(payload) == 0 {
		return payload
	}
	padCount := int(payload[len(payload)-1])
	if padCount <= 0 || padCount > len(payload) {
		return payload
	}
	return payload[:len(payload)-padCount]
}

// Write serializes h into dst, which must be at least h.Len() bytes, and
// returns the number of bytes written.
func Write(h Header, dst []byte) (int, error) {
	need := h.Len()
	if len(dst) < need {
		return 0, errors.New("rtpcodec: destination buffer too small")
	}

	version := h.Version
	if version == 0 {
		version = versionRTP
	}

	b0 := version << 6
	if h.Padding {
		b0 |= 0x20
	}
	if h.Extension {
		b0 |= 0x10
	}
	b0 |= uint8(len(h.CSRC)) & 0x0f
	dst[0] = b0

	b1 := h.PayloadType & 0x7f
	if h.Marker {
		b1 |= 0x80
	}
	dst[1] = b1

	binary.BigEndian.PutUint16(dst[2:4], h.SequenceNumber)
	binary.BigEndian.PutUint32(dst[4:8], h.Timestamp)
	binary.BigEndian.PutUint32(dst[8:12], h.SSRC)

	offset := fixedHeaderLen
	for _, csrc := range h.CSRC {
		binary.BigEndian.PutUint32(dst[offset:offset+4], csrc)
		offset += 4
	}

	if h.Extension {
		binary.BigEndian.PutUint16(dst[offset:offset+2], h.ExtensionProfile)
		binary.BigEndian.PutUint16(dst[offset+2:offset+4], uint16(len(h.ExtensionPayload)/4))
		offset += 4
		copy(dst[offset:offset+len(h.ExtensionPayload)], h.ExtensionPayload)
		offset += len(h.ExtensionPayload)
	}

	return offset, nil
}
