package ingress

import (
	"context"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func buildRTPDatagram(t *testing.T, seq uint16, ssrc uint32, payload []byte) []byte {
	t.Helper()
	h := rtpcodec.Header{Version: 2, PayloadType: 96, SequenceNumber: seq, Timestamp: 1000, SSRC: ssrc}
	buf := make([]byte, h.Len()+len(payload))
	n, err := rtpcodec.Write(h, buf)
	require.NoError(t, err)
	copy(buf[n:], payload)
	return buf
}

func TestUdpIngressDeliversParsedPackets(t *testing.T) {
	var mu sync.Mutex
	var received []rtpcodec.Header

	u, err := New(Config{BindAddress: "127.0.0.1", Port: 0}, func(h rtpcodec.Header, payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, h)
		require.Equal(t, []byte("hello"), payload)
	}, testLogger())
	require.NoError(t, err)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u.Start(ctx)

	client, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	datagram := buildRTPDatagram(t, 42, 0xA1B2C3D4, []byte("hello"))
	_, err = client.Write(datagram)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	require.Equal(t, uint16(42), received[0].SequenceNumber)
	require.Equal(t, uint32(0xA1B2C3D4), received[0].SSRC)
	mu.Unlock()
}

func TestUdpIngressDropsMalformedDatagramsWithoutCrashing(t *testing.T) {
	called := make(chan struct{}, 1)

	u, err := New(Config{BindAddress: "127.0.0.1", Port: 0}, func(h rtpcodec.Header, payload []byte) {
		called <- struct{}{}
	}, testLogger())
	require.NoError(t, err)
	defer u.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	u.Start(ctx)

	client, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer client.Close()

	// Shorter than the fixed 12-byte RTP header: must be dropped, not
	// crash the receive loop.
	_, err = client.Write([]byte{1, 2, 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return u.MalformedDrops() == 1
	}, time.Second, 10*time.Millisecond)

	select {
	case <-called:
		t.Fatal("handler must not be called for a malformed datagram")
	default:
	}

	// The loop must still be alive after the malformed datagram.
	datagram := buildRTPDatagram(t, 1, 1, []byte("ok"))
	_, err = client.Write(datagram)
	require.NoError(t, err)

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("receive loop did not recover after a malformed datagram")
	}
}

func TestNewRequiresHandler(t *testing.T) {
	_, err := New(Config{BindAddress: "127.0.0.1", Port: 0}, nil, testLogger())
	require.Error(t, err)
}
