package rtcpcodec

import (
	"testing"

	"github.com/pion/rtcp"
	"github.com/stretchr/testify/require"
)

// These tests use pion/rtcp's PictureLossIndication and
// TransportLayerNack as an independent oracle: pion/rtcp marshals the
// fixture, our own parseFeedback (via ParseCompound) reads the
// sender/media SSRC back out of the wire bytes it produced. Full FCI
// interpretation stays out of scope (spec.md §4.7: PSFB/RTPFB are
// parsed but not acted upon), so only the generic feedback header is
// cross-checked, not pion/rtcp's NACK bitmap decoding.
func TestParseFeedbackAgreesWithPionRTCPPictureLossIndication(t *testing.T) {
	pli := rtcp.PictureLossIndication{SenderSSRC: 0x1111, MediaSSRC: 0x2222}
	buf, err := pli.Marshal()
	require.NoError(t, err)

	compound, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, compound.Feedback, 1)
	require.Equal(t, TypePSFB, compound.Feedback[0].Type)
	require.Equal(t, pli.SenderSSRC, compound.Feedback[0].SenderSSRC)
	require.Equal(t, pli.MediaSSRC, compound.Feedback[0].MediaSSRC)
}

func TestParseFeedbackAgreesWithPionRTCPTransportLayerNack(t *testing.T) {
	nack := rtcp.TransportLayerNack{
		SenderSSRC: 0xAAAA,
		MediaSSRC:  0xBBBB,
		Nacks:      []rtcp.NackPair{{PacketID: 5, LostPackets: 0x03}},
	}
	buf, err := nack.Marshal()
	require.NoError(t, err)

	compound, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, compound.Feedback, 1)
	require.Equal(t, TypeRTPFB, compound.Feedback[0].Type)
	require.Equal(t, nack.SenderSSRC, compound.Feedback[0].SenderSSRC)
	require.Equal(t, nack.MediaSSRC, compound.Feedback[0].MediaSSRC)
}
