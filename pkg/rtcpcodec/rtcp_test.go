package rtcpcodec

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceptionReportLSRDLSRNotClobbered(t *testing.T) {
	rr := ReceiverReport{
		SSRC: 0x1,
		Reports: []ReceptionReport{
			{
				SSRC:                 0x2,
				FractionLost:         10,
				CumulativeLost:       -5,
				ExtendedHighestSeqNo: 0x00010002,
				Jitter:               100,
				LastSR:               0xAABBCCDD,
				DelaySinceLastSR:     0x11223344,
			},
		},
	}
	buf := MarshalReceiverReport(rr)
	compound, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, compound.ReceiverReports, 1)
	got := compound.ReceiverReports[0].Reports[0]
	require.Equal(t, uint32(0xAABBCCDD), got.LastSR)
	require.Equal(t, uint32(0x11223344), got.DelaySinceLastSR, "DLSR must not be overwritten by a second LSR read")
	require.Equal(t, int32(-5), got.CumulativeLost)
}

func TestByeRoundTrip(t *testing.T) {
	b := Bye{Sources: []uint32{0xA1B2C3D4, 0x1}, Reason: "camera disconnected"}
	buf := MarshalBye(b)
	compound, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, compound.Byes, 1)
	require.Equal(t, b.Sources, compound.Byes[0].Sources)
	require.Equal(t, b.Reason, compound.Byes[0].Reason)
}

func TestPeekSenderSSRCReadsCleartext(t *testing.T) {
	b := Bye{Sources: []uint32{0xDEADBEEF}}
	buf := MarshalBye(b)
	ssrc, err := PeekSenderSSRC(buf)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), ssrc)
}

func TestCompoundMultiplePackets(t *testing.T) {
	rr := MarshalReceiverReport(ReceiverReport{SSRC: 1})
	bye := MarshalBye(Bye{Sources: []uint32{1}})
	compound, err := ParseCompound(append(rr, bye...))
	require.NoError(t, err)
	require.Len(t, compound.ReceiverReports, 1)
	require.Len(t, compound.Byes, 1)
}

func TestParseCompoundLengthOverrun(t *testing.T) {
	buf := []byte{0x80, byte(TypeReceiverReport), 0xff, 0xff, 0, 0, 0, 1}
	_, err := ParseCompound(buf)
	require.ErrorIs(t, err, ErrLengthOverrun)
}

func TestParseFeedbackNotActedOn(t *testing.T) {
	buf := make([]byte, 12)
	buf[0] = 0x80 | 1 // FMT=1 (NACK)
	buf[1] = byte(TypeRTPFB)
	buf[2] = 0
	buf[3] = 2 // length words = 2 -> (2+1)*4=12 bytes
	compound, err := ParseCompound(buf)
	require.NoError(t, err)
	require.Len(t, compound.Feedback, 1)
	require.Equal(t, uint8(1), compound.Feedback[0].FMT)
}
