// Package sdpcodec parses and emits the subset of SDP (RFC 8866) needed
// for a single-video-track WHEP peer: session-level ICE credentials and
// DTLS fingerprint, one bundled video (and optionally audio/application)
// m-section, rtcp-mux, mid, ssrc/cname, and inline or trickled ICE
// candidates.
//
// github.com/pion/sdp/v3 is listed in go.mod but not imported, neither
// here nor by this package's tests; parsing is hand-rolled
// line-by-line because the grammar
// this system needs is a small, fixed subset and the codec must reject
// exactly the negotiation errors spec.md §4.3/§7 name.
package sdpcodec

import (
	"fmt"
	"strconv"
	"strings"
)

// SetupRole is the DTLS-over-ICE "a=setup" attribute (RFC 8842).
type SetupRole string

const (
	SetupActive  SetupRole = "active"
	SetupPassive SetupRole = "passive"
	SetupActPass SetupRole = "actpass"
)

// MediaType is the m= line's media field.
type MediaType string

const (
	MediaVideo       MediaType = "video"
	MediaAudio       MediaType = "audio"
	MediaApplication MediaType = "application"
)

const (
	ProfileSRTP     = "UDP/TLS/RTP/SAVP"
	ProfileSRTPFeedback = "UDP/TLS/RTP/SAVPF"
	ProfileSCTP     = "UDP/DTLS/SCTP"
)

// Fingerprint is the "a=fingerprint" attribute: a hash algorithm name and
// a colon-separated uppercase-hex digest.
type Fingerprint struct {
	Algorithm string
	Digest    string // colon-separated hex, e.g. "AA:BB:CC:..."
}

func (f Fingerprint) String() string {
	return fmt.Sprintf("%s %s", f.Algorithm, f.Digest)
}

// Candidate is a single ICE candidate line (RFC 8839 §5.1), restricted to
// component 1 (RTCP-mux is mandatory, so there is never a component 2).
type Candidate struct {
	Foundation     string
	Component      int
	Protocol       string // "udp"
	Priority       uint32
	Address        string
	Port           int
	Type           string // host | srflx | prflx | relay
	RelatedAddress string
	RelatedPort    int
}

// String renders the candidate as the body of an "a=candidate:" line.
func (c Candidate) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %d %s %d %s %d typ %s", c.Foundation, c.Component, c.Protocol, c.Priority, c.Address, c.Port, c.Type)
	if c.RelatedAddress != "" {
		fmt.Fprintf(&b, " raddr %s rport %d", c.RelatedAddress, c.RelatedPort)
	}
	return b.String()
}

// ParseCandidate parses the body of an "a=candidate:" line (without the
// "a=candidate:" prefix).
func ParseCandidate(s string) (Candidate, error) {
	fields := strings.Fields(s)
	if len(fields) < 8 {
		return Candidate{}, fmt.Errorf("sdpcodec: malformed candidate line %q", s)
	}
	component, err := strconv.Atoi(fields[1])
	if err != nil {
		return Candidate{}, fmt.Errorf("sdpcodec: candidate component: %w", err)
	}
	priority, err := strconv.ParseUint(fields[3], 10, 32)
	if err != nil {
		return Candidate{}, fmt.Errorf("sdpcodec: candidate priority: %w", err)
	}
	port, err := strconv.Atoi(fields[5])
	if err != nil {
		return Candidate{}, fmt.Errorf("sdpcodec: candidate port: %w", err)
	}
	c := Candidate{
		Foundation: fields[0],
		Component:  component,
		Protocol:   strings.ToLower(fields[2]),
		Priority:   uint32(priority),
		Address:    fields[4],
		Port:       port,
	}
	for i := 6; i+1 < len(fields); i += 2 {
		switch fields[i] {
		case "typ":
			c.Type = fields[i+1]
		case "raddr":
			c.RelatedAddress = fields[i+1]
		case "rport":
			if rp, err := strconv.Atoi(fields[i+1]); err == nil {
				c.RelatedPort = rp
			}
		}
	}
	return c, nil
}

// MediaDescription is one m= section.
type MediaDescription struct {
	Type            MediaType
	Port            int
	Protocol        string
	Formats         []int
	Mid             string
	RTCPMux         bool
	SSRC            uint32
	HasSSRC         bool
	CNAME           string
	Candidates      []Candidate
	EndOfCandidates bool
	// Per-media overrides; empty means "inherit the session-level value".
	ICEUfrag    string
	ICEPwd      string
	Fingerprint *Fingerprint
	Setup       SetupRole
}

// SessionDescription is the parsed subset of an SDP offer or answer.
type SessionDescription struct {
	Type         string // "offer" or "answer"
	SessionID    uint64
	SessionName  string
	ICEUfrag     string
	ICEPwd       string
	Fingerprint  Fingerprint
	Setup        SetupRole
	BundleGroup  []string
	Media        []MediaDescription
}

// VideoMedia returns the first video m-section, or ErrNoMatchingMediaType
// if none is present (ErrNoRemoteMedia if there are no m-sections at
// all).
func (s SessionDescription) VideoMedia() (MediaDescription, error) {
	if len(s.Media) == 0 {
		return MediaDescription{}, ErrNoRemoteMedia
	}
	for _, m := range s.Media {
		if m.Type == MediaVideo {
			return m, nil
		}
	}
	return MediaDescription{}, ErrNoMatchingMediaType
}

// EffectiveFingerprint returns the media-level fingerprint if present,
// else the session-level one, returning ErrDtlsFingerprintMissing if
// neither is set.
func (s SessionDescription) EffectiveFingerprint(m MediaDescription) (Fingerprint, error) {
	if m.Fingerprint != nil {
		return *m.Fingerprint, nil
	}
	if s.Fingerprint.Algorithm == "" {
		return Fingerprint{}, ErrDtlsFingerprintMissing
	}
	return s.Fingerprint, nil
}

var supportedDigestAlgorithms = map[string]bool{
	"sha-256": true,
	"sha-1":   true,
	"sha-384": true,
	"sha-512": true,
}

// Parse parses a full SDP message.
func Parse(sdpType string, raw string) (SessionDescription, error) {
	s := SessionDescription{Type: sdpType}
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")

	var current *MediaDescription

	for _, line := range lines {
		line = strings.TrimRight(line, "\r")
		if len(line) < 2 || line[1] != '=' {
			continue
		}
		key, value := line[0], line[2:]

		switch key {
		case 'o':
			fields := strings.Fields(value)
			if len(fields) >= 2 {
				if id, err := strconv.ParseUint(fields[1], 10, 64); err == nil {
					s.SessionID = id
				}
			}
		case 's':
			if current == nil {
				s.SessionName = value
			}
		case 'm':
			md, err := parseMediaLine(value)
			if err != nil {
				return SessionDescription{}, err
			}
			s.Media = append(s.Media, md)
			current = &s.Media[len(s.Media)-1]
		case 'a':
			if err := parseAttribute(&s, current, value); err != nil {
				return SessionDescription{}, err
			}
		}
	}

	return s, nil
}

func parseMediaLine(value string) (MediaDescription, error) {
	fields := strings.Fields(value)
	if len(fields) < 3 {
		return MediaDescription{}, fmt.Errorf("sdpcodec: malformed m= line %q", value)
	}
	md := MediaDescription{Type: MediaType(fields[0]), Protocol: fields[2]}
	if port, err := strconv.Atoi(fields[1]); err == nil {
		md.Port = port
	}
	switch md.Protocol {
	case ProfileSRTP, ProfileSRTPFeedback:
	case ProfileSCTP:
		return MediaDescription{}, ErrDataChannelTransportNotSupported
	default:
		return MediaDescription{}, ErrUnsupportedTransport
	}
	for _, f := range fields[3:] {
		if pt, err := strconv.Atoi(f); err == nil {
			md.Formats = append(md.Formats, pt)
		}
	}
	return md, nil
}

func parseAttribute(s *SessionDescription, m *MediaDescription, value string) error {
	name, rest, _ := strings.Cut(value, ":")
	switch name {
	case "ice-ufrag":
		if m != nil {
			m.ICEUfrag = rest
		} else {
			s.ICEUfrag = rest
		}
	case "ice-pwd":
		if m != nil {
			m.ICEPwd = rest
		} else {
			s.ICEPwd = rest
		}
	case "fingerprint":
		algo, digest, ok := strings.Cut(rest, " ")
		if !ok {
			return fmt.Errorf("sdpcodec: malformed fingerprint attribute %q", value)
		}
		algo = strings.ToLower(algo)
		if !supportedDigestAlgorithms[algo] {
			return ErrDtlsFingerprintDigestNotSupported
		}
		fp := Fingerprint{Algorithm: algo, Digest: digest}
		if m != nil {
			m.Fingerprint = &fp
		} else {
			s.Fingerprint = fp
		}
	case "setup":
		role := SetupRole(rest)
		if m != nil {
			m.Setup = role
		} else {
			s.Setup = role
		}
	case "group":
		fields := strings.Fields(rest)
		if len(fields) > 0 && fields[0] == "BUNDLE" {
			s.BundleGroup = fields[1:]
		}
	case "mid":
		if m != nil {
			m.Mid = rest
		}
	case "rtcp-mux":
		if m != nil {
			m.RTCPMux = true
		}
	case "ssrc":
		if m == nil {
			return nil
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			return nil
		}
		if ssrc, err := strconv.ParseUint(fields[0], 10, 32); err == nil {
			m.SSRC = uint32(ssrc)
			m.HasSSRC = true
		}
		for _, f := range fields[1:] {
			if cname, ok := strings.CutPrefix(f, "cname:"); ok {
				m.CNAME = cname
			}
		}
	case "candidate":
		if m == nil {
			return nil
		}
		c, err := ParseCandidate(rest)
		if err != nil {
			return err
		}
		m.Candidates = append(m.Candidates, c)
	case "end-of-candidates":
		if m != nil {
			m.EndOfCandidates = true
		}
	}
	return nil
}
