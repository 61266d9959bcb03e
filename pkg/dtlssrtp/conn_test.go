package dtlssrtp

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDemuxConnWriteCallsSend(t *testing.T) {
	var sent []byte
	local := &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 1}
	remote := &net.UDPAddr{IP: net.ParseIP("198.51.100.2"), Port: 2}
	c := newDemuxConn(local, remote, func(buf []byte) error {
		sent = append([]byte(nil), buf...)
		return nil
	})

	n, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, []byte("hello"), sent)
	require.Equal(t, local, c.LocalAddr())
	require.Equal(t, remote, c.RemoteAddr())
}

func TestDemuxConnDeliverAndRead(t *testing.T) {
	c := newDemuxConn(nil, nil, func([]byte) error { return nil })
	c.Deliver([]byte("datagram"))

	buf := make([]byte, 32)
	n, err := c.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "datagram", string(buf[:n]))
}

func TestDemuxConnReadDeadline(t *testing.T) {
	c := newDemuxConn(nil, nil, func([]byte) error { return nil })
	require.NoError(t, c.SetReadDeadline(time.Now().Add(20 * time.Millisecond)))

	buf := make([]byte, 32)
	_, err := c.Read(buf)
	require.Error(t, err)
	var timeoutErr interface{ Timeout() bool }
	require.ErrorAs(t, err, &timeoutErr)
	require.True(t, timeoutErr.Timeout())
}

func TestDemuxConnCloseUnblocksReadAndWrite(t *testing.T) {
	c := newDemuxConn(nil, nil, func([]byte) error { return nil })
	require.NoError(t, c.Close())

	buf := make([]byte, 32)
	_, err := c.Read(buf)
	require.ErrorIs(t, err, net.ErrClosed)

	_, err = c.Write([]byte("x"))
	require.ErrorIs(t, err, net.ErrClosed)

	// closing twice is a no-op
	require.NoError(t, c.Close())
}
