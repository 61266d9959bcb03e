// Package rtcpcodec parses and serializes compound RTCP packets: sender
// reports, receiver reports (with reception report blocks), source
// descriptions, BYE and the RTPFB/PSFB feedback families.
//
// Two source behaviors named in spec.md §9 as bugs in the program this
// system was distilled from are deliberately NOT reproduced here:
//   - the reception-report block's LastSR field must not be read twice
//     (once from offset 16, clobbering the true offset-20
//     DelaySinceLastSenderReport field); this package reads LSR at 16 and
//     DLSR at 20, per RFC 3550 §6.4.1.
//   - SRTCP's sender/media SSRC lives in cleartext at bytes 4..8 of every
//     RTCP packet and must be read directly from there, never from an
//     already-unprotected buffer re-unprotected a second time.
//     PeekSenderSSRC below reads it from there; pkg/srtp's UnprotectRTCP
//     reads the same cleartext bytes with its own helper.
package rtcpcodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketType is the RTCP payload-type octet (RFC 3550 §12.1 / RFC 4585).
type PacketType uint8

const (
	TypeSenderReport   PacketType = 200
	TypeReceiverReport PacketType = 201
	TypeSourceDesc     PacketType = 202
	TypeBye            PacketType = 203
	TypeApp            PacketType = 204
	TypeRTPFB          PacketType = 205
	TypePSFB           PacketType = 206
)

const rtcpHeaderLen = 4

var (
	// ErrBufferTooShort is returned when a buffer is too short to contain
	// even a single RTCP header.
	ErrBufferTooShort = errors.New("rtcpcodec: buffer shorter than RTCP header")
	// ErrBadVersion is returned when the packet's version field isn't 2.
	ErrBadVersion = errors.New("rtcpcodec: unsupported RTCP version")
	// ErrLengthOverrun is returned when a packet's declared length field
	// runs past the end of the compound buffer.
	ErrLengthOverrun = errors.New("rtcpcodec: packet length overruns buffer")
)

// ReceptionReport is one reception-report block, as carried inside SR and
// RR packets (RFC 3550 §6.4.1).
type ReceptionReport struct {
	SSRC                 uint32
	FractionLost         uint8
	CumulativeLost       int32 // 24-bit signed value, sign-extended into int32
	ExtendedHighestSeqNo uint32
	Jitter               uint32
	LastSR               uint32 // middle 32 bits of the last SR's NTP timestamp
	DelaySinceLastSR     uint32 // units of 1/65536 second
}

// SenderReport is an RTCP SR packet (RFC 3550 §6.4.1).
type SenderReport struct {
	SSRC          uint32
	NTPSeconds    uint32
	NTPFraction   uint32
	RTPTimestamp  uint32
	PacketCount   uint32
	OctetCount    uint32
	Reports       []ReceptionReport
	ProfileExt    []byte
}

// ReceiverReport is an RTCP RR packet (RFC 3550 §6.4.2).
type ReceiverReport struct {
	SSRC       uint32
	Reports    []ReceptionReport
	ProfileExt []byte
}

// SDESItem is one chunk-item within a Source Description packet.
type SDESItem struct {
	Type SDESType
	Text string
}

// SDESType enumerates RFC 3550 §6.5 SDES item types.
type SDESType uint8

const (
	SDESEnd   SDESType = 0
	SDESCNAME SDESType = 1
	SDESName  SDESType = 2
	SDESEmail SDESType = 3
	SDESPhone SDESType = 4
	SDESLoc   SDESType = 5
	SDESTool  SDESType = 6
	SDESNote  SDESType = 7
	SDESPriv  SDESType = 8
)

// SDESChunk is one SSRC/CSRC's set of SDES items.
type SDESChunk struct {
	Source uint32
	Items  []SDESItem
}

// SourceDescription is an RTCP SDES packet.
type SourceDescription struct {
	Chunks []SDESChunk
}

// Bye is an RTCP BYE packet (RFC 3550 §6.6).
type Bye struct {
	Sources []uint32
	Reason  string
}

// GenericFeedback is an RTPFB or PSFB packet (RFC 4585). The feedback
// control information (FCI) is kept as raw bytes: spec.md §4.7 requires
// these to be parsed but not acted upon in this version.
type GenericFeedback struct {
	Type        PacketType // TypeRTPFB or TypePSFB
	FMT         uint8
	SenderSSRC  uint32
	MediaSSRC   uint32
	FCI         []byte
}

// CompoundPacket is the result of parsing one compound RTCP datagram.
type CompoundPacket struct {
	SenderReports      []SenderReport
	ReceiverReports    []ReceiverReport
	SourceDescriptions []SourceDescription
	Byes               []Bye
	Feedback           []GenericFeedback
}

// PeekSenderSSRC reads the sender/media SSRC from bytes 4..8 of the first
// RTCP packet in buf without otherwise parsing it. SRTCP carries this
// field in cleartext even once the rest of the packet is protected; it
// must be read directly here, not after a decrypt pass.
func PeekSenderSSRC(buf []byte) (uint32, error) {
	if len(buf) < 8 {
		return 0, ErrBufferTooShort
	}
	return binary.BigEndian.Uint32(buf[4:8]), nil
}

// ParseCompound parses a full compound RTCP packet: a sequence of
// individual RTCP packets back to back, each occupying
// (length+1)*4 bytes as declared by its own header.
func ParseCompound(buf []byte) (CompoundPacket, error) {
	var out CompoundPacket
	offset := 0
	for offset < len(buf) {
		if len(buf)-offset < rtcpHeaderLen {
			return CompoundPacket{}, ErrBufferTooShort
		}
		b0 := buf[offset]
		version := b0 >> 6
		if version != 2 {
			return CompoundPacket{}, ErrBadVersion
		}
		rc := b0 & 0x1f
		pt := PacketType(buf[offset+1])
		lengthWords := binary.BigEndian.Uint16(buf[offset+2 : offset+4])
		packetLen := (int(lengthWords) + 1) * 4
		if offset+packetLen > len(buf) {
			return CompoundPacket{}, ErrLengthOverrun
		}
		body := buf[offset : offset+packetLen]

		switch pt {
		case TypeSenderReport:
			sr, err := parseSenderReport(body, rc)
			if err != nil {
				return CompoundPacket{}, err
			}
			out.SenderReports = append(out.SenderReports, sr)
		case TypeReceiverReport:
			rr, err := parseReceiverReport(body, rc)
			if err != nil {
				return CompoundPacket{}, err
			}
			out.ReceiverReports = append(out.ReceiverReports, rr)
		case TypeSourceDesc:
			sdes, err := parseSourceDescription(body, rc)
			if err != nil {
				return CompoundPacket{}, err
			}
			out.SourceDescriptions = append(out.SourceDescriptions, sdes)
		case TypeBye:
			bye, err := parseBye(body, rc)
			if err != nil {
				return CompoundPacket{}, err
			}
			out.Byes = append(out.Byes, bye)
		case TypeRTPFB, TypePSFB:
			fb, err := parseFeedback(body, pt, rc)
			if err != nil {
				return CompoundPacket{}, err
			}
			out.Feedback = append(out.Feedback, fb)
		case TypeApp:
			// accepted, not modeled further
		default:
			// unknown packet type: per RFC 3550 an unrecognized but
			// well-formed RTCP packet type is skipped, not fatal.
		}

		offset += packetLen
	}
	return out, nil
}

func parseReceptionReports(buf []byte, count uint8) ([]ReceptionReport, error) {
	reports := make([]ReceptionReport, 0, count)
	offset := 0
	for i := uint8(0); i < count; i++ {
		if offset+24 > len(buf) {
			return nil, fmt.Errorf("rtcpcodec: reception report block %d truncated", i)
		}
		block := buf[offset : offset+24]
		cumulative := uint32(block[5])<<16 | uint32(block[6])<<8 | uint32(block[7])
		if cumulative&0x800000 != 0 {
			cumulative |= 0xff000000 // sign-extend the 24-bit field
		}
		reports = append(reports, ReceptionReport{
			SSRC:                 binary.BigEndian.Uint32(block[0:4]),
			FractionLost:         block[4],
			CumulativeLost:       int32(cumulative),
			ExtendedHighestSeqNo: binary.BigEndian.Uint32(block[8:12]),
			Jitter:               binary.BigEndian.Uint32(block[12:16]),
			LastSR:               binary.BigEndian.Uint32(block[16:20]),
			DelaySinceLastSR:     binary.BigEndian.Uint32(block[20:24]),
		})
		offset += 24
	}
	return reports, nil
}

func writeReceptionReports(dst []byte, reports []ReceptionReport) int {
	offset := 0
	for _, r := range reports {
		binary.BigEndian.PutUint32(dst[offset:offset+4], r.SSRC)
		dst[offset+4] = r.FractionLost
		cum := uint32(r.CumulativeLost) & 0xffffff
		dst[offset+5] = byte(cum >> 16)
		dst[offset+6] = byte(cum >> 8)
		dst[offset+7] = byte(cum)
		binary.BigEndian.PutUint32(dst[offset+8:offset+12], r.ExtendedHighestSeqNo)
		binary.BigEndian.PutUint32(dst[offset+12:offset+16], r.Jitter)
		binary.BigEndian.PutUint32(dst[offset+16:offset+20], r.LastSR)
		binary.BigEndian.PutUint32(dst[offset+20:offset+24], r.DelaySinceLastSR)
		offset += 24
	}
	return offset
}

func parseSenderReport(buf []byte, rc uint8) (SenderReport, error) {
	if len(buf) < rtcpHeaderLen+24 {
		return SenderReport{}, fmt.Errorf("rtcpcodec: SR too short")
	}
	sr := SenderReport{
		SSRC:         binary.BigEndian.Uint32(buf[4:8]),
		NTPSeconds:   binary.BigEndian.Uint32(buf[8:12]),
		NTPFraction:  binary.BigEndian.Uint32(buf[12:16]),
		RTPTimestamp: binary.BigEndian.Uint32(buf[16:20]),
		PacketCount:  binary.BigEndian.Uint32(buf[20:24]),
		OctetCount:   binary.BigEndian.Uint32(buf[24:28]),
	}
	reports, err := parseReceptionReports(buf[28:], rc)
	if err != nil {
		return SenderReport{}, err
	}
	sr.Reports = reports
	sr.ProfileExt = append([]byte(nil), buf[28+24*int(rc):]...)
	return sr, nil
}

func parseReceiverReport(buf []byte, rc uint8) (ReceiverReport, error) {
	if len(buf) < rtcpHeaderLen+4 {
		return ReceiverReport{}, fmt.Errorf("rtcpcodec: RR too short")
	}
	rr := ReceiverReport{SSRC: binary.BigEndian.Uint32(buf[4:8])}
	reports, err := parseReceptionReports(buf[8:], rc)
	if err != nil {
		return ReceiverReport{}, err
	}
	rr.Reports = reports
	rr.ProfileExt = append([]byte(nil), buf[8+24*int(rc):]...)
	return rr, nil
}

func parseSourceDescription(buf []byte, chunkCount uint8) (SourceDescription, error) {
	sdes := SourceDescription{Chunks: make([]SDESChunk, 0, chunkCount)}
	offset := rtcpHeaderLen
	for i := uint8(0); i < chunkCount; i++ {
		if offset+4 > len(buf) {
			return SourceDescription{}, fmt.Errorf("rtcpcodec: SDES chunk %d truncated", i)
		}
		chunk := SDESChunk{Source: binary.BigEndian.Uint32(buf[offset : offset+4])}
		offset += 4
		chunkStart := offset
		for {
			if offset >= len(buf) {
				return SourceDescription{}, fmt.Errorf("rtcpcodec: SDES chunk %d missing terminator", i)
			}
			itemType := SDESType(buf[offset])
			offset++
			if itemType == SDESEnd {
				break
			}
			if offset >= len(buf) {
				return SourceDescription{}, fmt.Errorf("rtcpcodec: SDES item truncated")
			}
			length := int(buf[offset])
			offset++
			if offset+length > len(buf) {
				return SourceDescription{}, fmt.Errorf("rtcpcodec: SDES item text truncated")
			}
			chunk.Items = append(chunk.Items, SDESItem{Type: itemType, Text: string(buf[offset : offset+length])})
			offset += length
		}
		// chunks are padded to a 32-bit boundary
		consumed := offset - chunkStart + 4
		if pad := consumed % 4; pad != 0 {
			offset += 4 - pad
		}
		sdes.Chunks = append(sdes.Chunks, chunk)
	}
	return sdes, nil
}

func parseBye(buf []byte, sc uint8) (Bye, error) {
	offset := rtcpHeaderLen
	bye := Bye{Sources: make([]uint32, 0, sc)}
	for i := uint8(0); i < sc; i++ {
		if offset+4 > len(buf) {
			return Bye{}, fmt.Errorf("rtcpcodec: BYE source %d truncated", i)
		}
		bye.Sources = append(bye.Sources, binary.BigEndian.Uint32(buf[offset:offset+4]))
		offset += 4
	}
	if offset < len(buf) {
		reasonLen := int(buf[offset])
		offset++
		if offset+reasonLen <= len(buf) {
			bye.Reason = string(buf[offset : offset+reasonLen])
		}
	}
	return bye, nil
}

func parseFeedback(buf []byte, pt PacketType, fmtField uint8) (GenericFeedback, error) {
	if len(buf) < rtcpHeaderLen+8 {
		return GenericFeedback{}, fmt.Errorf("rtcpcodec: feedback packet too short")
	}
	return GenericFeedback{
		Type:       pt,
		FMT:        fmtField,
		SenderSSRC: binary.BigEndian.Uint32(buf[4:8]),
		MediaSSRC:  binary.BigEndian.Uint32(buf[8:12]),
		FCI:        append([]byte(nil), buf[12:]...),
	}, nil
}

func writeHeader(dst []byte, rc uint8, pt PacketType, lengthWords uint16) {
	dst[0] = 0x80 | (rc & 0x1f)
	dst[1] = byte(pt)
	binary.BigEndian.PutUint16(dst[2:4], lengthWords)
}

// MarshalBye serializes a BYE packet.
func MarshalBye(b Bye) []byte {
	bodyLen := 4 + 4*len(b.Sources)
	reasonBytes := []byte(b.Reason)
	if len(b.Reason) > 0 {
		padded := ((len(reasonBytes) + 1 + 3) / 4) * 4
		bodyLen += padded
	}
	buf := make([]byte, bodyLen)
	writeHeader(buf, uint8(len(b.Sources)), TypeBye, uint16(bodyLen/4-1))
	offset := 4
	for _, s := range b.Sources {
		binary.BigEndian.PutUint32(buf[offset:offset+4], s)
		offset += 4
	}
	if len(b.Reason) > 0 {
		buf[offset] = byte(len(reasonBytes))
		copy(buf[offset+1:], reasonBytes)
	}
	return buf
}

// MarshalReceiverReport serializes an RR packet.
func MarshalReceiverReport(rr ReceiverReport) []byte {
	bodyLen := 8 + 24*len(rr.Reports) + len(rr.ProfileExt)
	buf := make([]byte, bodyLen)
	writeHeader(buf, uint8(len(rr.Reports)), TypeReceiverReport, uint16(bodyLen/4-1))
	binary.BigEndian.PutUint32(buf[4:8], rr.SSRC)
	n := writeReceptionReports(buf[8:], rr.Reports)
	copy(buf[8+n:], rr.ProfileExt)
	return buf
}
