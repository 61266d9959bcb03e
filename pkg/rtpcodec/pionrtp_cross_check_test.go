package rtpcodec

import (
	"testing"

	"github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

// These tests round-trip the same fixtures through our hand-rolled
// Parse/Write and through pion/rtp's independent implementation, so a
// mistake in our bit layout shows up as a disagreement with a second,
// unrelated parser rather than only with our own Write. Only the fields
// that have stayed part of pion/rtp's stable surface across releases
// (core fixed header + CSRC + payload) are cross-checked; this
// module's own extension-payload-offset behavior (spec.md §9) is
// exercised separately against our own Parse/Write round trip, since
// pion/rtp's extension API has churned across versions.
func TestParseAgreesWithPionRTPUnmarshal(t *testing.T) {
	h := Header{
		Version:        2,
		Marker:         true,
		PayloadType:    96,
		SequenceNumber: 1234,
		Timestamp:      0xAABBCCDD,
		SSRC:           0xA1B2C3D4,
		CSRC:           []uint32{1, 2, 3},
	}
	payload := []byte{0xde, 0xad, 0xbe, 0xef}

	buf := make([]byte, h.Len()+len(payload))
	n, err := Write(h, buf)
	require.NoError(t, err)
	copy(buf[n:], payload)

	ours, headerLen, err := Parse(buf)
	require.NoError(t, err)
	require.Equal(t, n, headerLen)

	var theirs rtp.Packet
	require.NoError(t, theirs.Unmarshal(buf))

	require.Equal(t, theirs.Version, ours.Version)
	require.Equal(t, theirs.Marker, ours.Marker)
	require.Equal(t, theirs.PayloadType, ours.PayloadType)
	require.Equal(t, theirs.SequenceNumber, ours.SequenceNumber)
	require.Equal(t, theirs.Timestamp, ours.Timestamp)
	require.Equal(t, theirs.SSRC, ours.SSRC)
	require.ElementsMatch(t, theirs.CSRC, ours.CSRC)
	require.Equal(t, []byte(theirs.Payload), payload)
}

func TestWriteProducesBufferPionRTPCanParse(t *testing.T) {
	h := Header{PayloadType: 111, SequenceNumber: 7, Timestamp: 42, SSRC: 0x01020304}
	buf := make([]byte, h.Len())
	_, err := Write(h, buf)
	require.NoError(t, err)

	var theirs rtp.Packet
	require.NoError(t, theirs.Unmarshal(buf))
	require.Equal(t, h.PayloadType, theirs.PayloadType)
	require.Equal(t, h.SequenceNumber, theirs.SequenceNumber)
	require.Equal(t, h.SSRC, theirs.SSRC)
}
