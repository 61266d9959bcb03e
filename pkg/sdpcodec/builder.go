package sdpcodec

import (
	"fmt"
	"strings"
)

// LocalTrack describes the local video track advertised in an offer or
// answer's ssrc attribute.
type LocalTrack struct {
	SSRC  uint32
	CNAME string
	PT    int
}

// AnswerParams carries everything BuildAnswer needs beyond the parsed
// remote offer.
type AnswerParams struct {
	SessionID   uint64
	ICEUfrag    string
	ICEPwd      string
	Fingerprint Fingerprint
	Candidates  []Candidate
	GatheringComplete bool
	Track       LocalTrack
}

// SelectAnswerSetup implements spec.md §4.5's setup-role rule: when the
// remote offered "actpass", the answering side is always DTLS active
// (client). An offer carrying "active" or "passive" get the opposite
// role back.
func SelectAnswerSetup(remoteSetup SetupRole) SetupRole {
	switch remoteSetup {
	case SetupActive:
		return SetupPassive
	case SetupPassive:
		return SetupActive
	default: // actpass, or unset
		return SetupActive
	}
}

// BuildAnswer constructs the SDP answer for a single bundled video
// m-section, per spec.md §6: one video m-section, rtcp-mux, matching
// transport profile (SAVPF if the offer used it), ice-ufrag/pwd,
// fingerprint, all gathered host candidates, end-of-candidates, bundle
// group, and an ssrc/cname line for the local track.
func BuildAnswer(offer SessionDescription, p AnswerParams) (SessionDescription, error) {
	remoteMedia, err := offer.VideoMedia()
	if err != nil {
		return SessionDescription{}, err
	}

	profile := ProfileSRTP
	if remoteMedia.Protocol == ProfileSRTPFeedback {
		profile = ProfileSRTPFeedback
	}

	remoteSetup := remoteMedia.Setup
	if remoteSetup == "" {
		remoteSetup = offer.Setup
	}
	setup := SelectAnswerSetup(remoteSetup)

	mid := remoteMedia.Mid
	if mid == "" {
		mid = "0"
	}

	media := MediaDescription{
		Type:            MediaVideo,
		Port:            9,
		Protocol:        profile,
		Formats:         []int{p.Track.PT},
		Mid:             mid,
		RTCPMux:         true,
		SSRC:            p.Track.SSRC,
		HasSSRC:         p.Track.SSRC != 0,
		CNAME:           p.Track.CNAME,
		Candidates:      p.Candidates,
		EndOfCandidates: p.GatheringComplete,
	}

	return SessionDescription{
		Type:        "answer",
		SessionID:   p.SessionID,
		SessionName: "-",
		ICEUfrag:    p.ICEUfrag,
		ICEPwd:      p.ICEPwd,
		Fingerprint: p.Fingerprint,
		Setup:       setup,
		BundleGroup: []string{mid},
		Media:       []MediaDescription{media},
	}, nil
}

// Marshal renders a SessionDescription back to SDP text.
func (s SessionDescription) Marshal() string {
	var b strings.Builder

	fmt.Fprintf(&b, "v=0\r\n")
	fmt.Fprintf(&b, "o=- %d 2 IN IP4 0.0.0.0\r\n", s.SessionID)
	name := s.SessionName
	if name == "" {
		name = "-"
	}
	fmt.Fprintf(&b, "s=%s\r\n", name)
	fmt.Fprintf(&b, "t=0 0\r\n")
	if len(s.BundleGroup) > 0 {
		fmt.Fprintf(&b, "a=group:BUNDLE %s\r\n", strings.Join(s.BundleGroup, " "))
	}
	if s.ICEUfrag != "" {
		fmt.Fprintf(&b, "a=ice-ufrag:%s\r\n", s.ICEUfrag)
	}
	if s.ICEPwd != "" {
		fmt.Fprintf(&b, "a=ice-pwd:%s\r\n", s.ICEPwd)
	}
	if s.Fingerprint.Algorithm != "" {
		fmt.Fprintf(&b, "a=fingerprint:%s\r\n", s.Fingerprint.String())
	}
	if s.Setup != "" {
		fmt.Fprintf(&b, "a=setup:%s\r\n", s.Setup)
	}

	for _, m := range s.Media {
		fmts := make([]string, len(m.Formats))
		for i, f := range m.Formats {
			fmts[i] = fmt.Sprintf("%d", f)
		}
		fmt.Fprintf(&b, "m=%s %d %s %s\r\n", m.Type, m.Port, m.Protocol, strings.Join(fmts, " "))
		fmt.Fprintf(&b, "c=IN IP4 0.0.0.0\r\n")
		if m.Mid != "" {
			fmt.Fprintf(&b, "a=mid:%s\r\n", m.Mid)
		}
		if m.RTCPMux {
			fmt.Fprintf(&b, "a=rtcp-mux\r\n")
		}
		for _, c := range m.Candidates {
			fmt.Fprintf(&b, "a=candidate:%s\r\n", c.String())
		}
		if m.EndOfCandidates {
			fmt.Fprintf(&b, "a=end-of-candidates\r\n")
		}
		if m.HasSSRC {
			fmt.Fprintf(&b, "a=ssrc:%d cname:%s\r\n", m.SSRC, m.CNAME)
		}
	}

	return b.String()
}
