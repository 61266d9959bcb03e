package ice

import (
	"fmt"
	"net"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
)

// Candidate type preferences, RFC 8445 §5.1.2.1.
const (
	typePreferenceHost  = 126
	typePreferenceSrflx = 100
	typePreferencePrflx = 110
	typePreferenceRelay = 0
)

func typePreference(candidateType string) uint32 {
	switch candidateType {
	case "host":
		return typePreferenceHost
	case "srflx":
		return typePreferenceSrflx
	case "prflx":
		return typePreferencePrflx
	case "relay":
		return typePreferenceRelay
	default:
		return 0
	}
}

// Priority computes the RFC 8445 §5.1.2.1 candidate priority:
// (2^24)*type_pref + (2^8)*local_pref + (2^0)*(256-component_id).
func Priority(candidateType string, localPref uint32, component int) uint32 {
	return typePreference(candidateType)<<24 | (localPref&0xffff)<<8 | uint32(256-component)
}

// GatherHostCandidates enumerates non-loopback IPv4 unicast interface
// addresses and returns one host candidate per address, all bound to
// port (the single UDP socket the owning peer already has open). IPv6 is
// deliberately excluded: spec.md's Non-goals exclude IPv6 relay, and this
// system never needs to gather non-UDP or loopback candidates either.
func GatherHostCandidates(port int) ([]sdpcodec.Candidate, error) {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return nil, fmt.Errorf("ice: enumerate interface addresses: %w", err)
	}

	var candidates []sdpcodec.Candidate
	localPref := uint32(65535)
	foundation := 1
	for _, a := range addrs {
		ipNet, ok := a.(*net.IPNet)
		if !ok {
			continue
		}
		ip := ipNet.IP.To4()
		if ip == nil || ip.IsLoopback() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			continue
		}
		candidates = append(candidates, sdpcodec.Candidate{
			Foundation: fmt.Sprintf("%d", foundation),
			Component:  1,
			Protocol:   "udp",
			Priority:   Priority("host", localPref, 1),
			Address:    ip.String(),
			Port:       port,
			Type:       "host",
		})
		foundation++
		if localPref > 1 {
			localPref--
		}
	}
	return candidates, nil
}
