package dtlssrtp

import (
	"net"
	"sync"
	"time"
)

// demuxConn adapts the demultiplexed DTLS datagram stream of one peer's
// shared UDP socket (spec.md §4.7: byte[0] in 20..=63 routes here) into
// a net.Conn, which is what pion/dtls/v3's Client/Server constructors
// require. Writes go out through send, which the owning peer wires to
// its single socket and the ICE agent's nominated remote endpoint;
// reads are served from a channel the peer's receive loop feeds via
// Deliver.
type demuxConn struct {
	localAddr  net.Addr
	remoteAddr net.Addr
	send       func(buf []byte) error

	mu       sync.Mutex
	closed   bool
	closeCh  chan struct{}
	incoming chan []byte

	readDeadline time.Time
}

func newDemuxConn(local, remote net.Addr, send func(buf []byte) error) *demuxConn {
	return &demuxConn{
		localAddr:  local,
		remoteAddr: remote,
		send:       send,
		closeCh:    make(chan struct{}),
		incoming:   make(chan []byte, 32),
	}
}

// DemuxConn is the net.Conn a peer's socket demultiplexer feeds DTLS
// datagrams into. Deliver is outside the net.Conn interface because the
// demux dispatch, not the DTLS handshake, is the one pushing bytes in.
type DemuxConn interface {
	net.Conn
	Deliver(buf []byte)
}

// NewDemuxConn adapts a peer's classified DTLS datagram stream into a
// net.Conn for pion/dtls/v3's Client/Server constructors. send transmits
// a DTLS record to the peer's nominated remote endpoint over its shared
// socket.
func NewDemuxConn(local, remote net.Addr, send func(buf []byte) error) DemuxConn {
	return newDemuxConn(local, remote, send)
}

// Deliver hands one inbound DTLS datagram to the conn's reader. Called
// from the peer's demux dispatch; never blocks indefinitely (the
// channel is buffered and the conn is expected to be read promptly by
// the handshake goroutine).
func (c *demuxConn) Deliver(buf []byte) {
	cp := append([]byte(nil), buf...)
	select {
	case c.incoming <- cp:
	case <-c.closeCh:
	}
}

func (c *demuxConn) Read(b []byte) (int, error) {
	var timeout <-chan time.Time
	c.mu.Lock()
	if !c.readDeadline.IsZero() {
		timeout = time.After(time.Until(c.readDeadline))
	}
	c.mu.Unlock()

	select {
	case buf := <-c.incoming:
		n := copy(b, buf)
		return n, nil
	case <-c.closeCh:
		return 0, net.ErrClosed
	case <-timeout:
		return 0, errTimeout{}
	}
}

func (c *demuxConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, net.ErrClosed
	}
	if err := c.send(b); err != nil {
		return 0, err
	}
	return len(b), nil
}

func (c *demuxConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()
	close(c.closeCh)
	return nil
}

func (c *demuxConn) LocalAddr() net.Addr  { return c.localAddr }
func (c *demuxConn) RemoteAddr() net.Addr { return c.remoteAddr }

func (c *demuxConn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

func (c *demuxConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is a no-op: writes hand off synchronously to the
// peer's socket send function, which has no notion of a deadline of
// its own.
func (c *demuxConn) SetWriteDeadline(t time.Time) error { return nil }

type errTimeout struct{}

func (errTimeout) Error() string   { return "dtlssrtp: read deadline exceeded" }
func (errTimeout) Timeout() bool   { return true }
func (errTimeout) Temporary() bool { return true }

var _ net.Conn = (*demuxConn)(nil)
