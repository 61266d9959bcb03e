package pool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferPoolRentRelease(t *testing.T) {
	p := NewBufferPool()

	h := p.Rent()
	require.Equal(t, MaxDatagramSize, len(h.Full()))
	require.Equal(t, 0, h.Len())

	copy(h.Full(), []byte("hello"))
	h.SetLen(5)
	require.Equal(t, []byte("hello"), h.Bytes())

	h.Release()
}

func TestBufferPoolReleaseNilIsNoop(t *testing.T) {
	var h *BufferHandle
	require.NotPanics(t, func() { h.Release() })
}

func TestBufferPoolReusesSlabs(t *testing.T) {
	p := NewBufferPool()
	h1 := p.Rent()
	ptr1 := &h1.Full()[0]
	h1.Release()

	h2 := p.Rent()
	ptr2 := &h2.Full()[0]
	require.Equal(t, ptr1, ptr2, "expected sync.Pool to hand back the same backing array")
	h2.Release()
}

type testHeader struct {
	SequenceNumber uint16
	SSRC           uint32
}

func TestPacketPoolRentReturnZeroes(t *testing.T) {
	p := NewPacketPool[testHeader]()

	pkt := p.Rent()
	pkt.SequenceNumber = 42
	pkt.SSRC = 0xdeadbeef
	p.Return(pkt)

	pkt2 := p.Rent()
	require.Equal(t, uint16(0), pkt2.SequenceNumber)
	require.Equal(t, uint32(0), pkt2.SSRC)
}
