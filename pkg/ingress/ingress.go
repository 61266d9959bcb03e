// Package ingress binds the single upstream UDP socket this system
// reads its RTP stream from (spec.md §4.1/§4.9: one producer task, fed
// straight into the multiplexer's fan-out).
package ingress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/pool"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
)

// Handler receives one parsed ingress RTP packet. It must not block: the
// receive loop calls it synchronously, in line, for every datagram
// (spec.md §4.9's "synchronous handoff to a non-blocking multiplexer
// callback"). Handler does not take ownership of payload past its own
// call; payload's backing buffer is released the moment Handler returns.
type Handler func(header rtpcodec.Header, payload []byte)

// Config configures the bound ingress socket.
type Config struct {
	BindAddress string
	Port        int
}

// UdpIngress binds one UDP socket and turns every inbound datagram into
// a call to Handler, dropping anything that does not parse as an RTP
// packet.
type UdpIngress struct {
	logger  *slog.Logger
	conn    *net.UDPConn
	bufPool *pool.BufferPool
	handler Handler

	malformedDrops uint64
	mu             sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds the ingress socket. The socket is not read until Start is
// called.
func New(cfg Config, handler Handler, logger *slog.Logger) (*UdpIngress, error) {
	if handler == nil {
		return nil, errors.New("ingress: handler is required")
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(cfg.BindAddress), Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("ingress: bind socket: %w", err)
	}

	return &UdpIngress{
		logger:  logger,
		conn:    conn,
		bufPool: pool.NewBufferPool(),
		handler: handler,
	}, nil
}

// LocalAddr returns the bound socket's address.
func (u *UdpIngress) LocalAddr() net.Addr { return u.conn.LocalAddr() }

// Start begins the receive loop. Cancelling ctx (or calling Close) stops
// it; only Close closes the socket.
func (u *UdpIngress) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.wg.Add(1)
	go u.receiveLoop(ctx)
}

// Close stops the receive loop and releases the socket. Safe to call
// more than once.
func (u *UdpIngress) Close() error {
	if u.cancel != nil {
		u.cancel()
	}
	err := u.conn.Close()
	u.wg.Wait()
	return err
}

// MalformedDrops reports how many inbound datagrams failed to parse as
// an RTP header and were dropped (spec.md §8 scenario 5: a malformed or
// adversarial packet must never crash the ingress loop).
func (u *UdpIngress) MalformedDrops() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.malformedDrops
}

func (u *UdpIngress) receiveLoop(ctx context.Context) {
	defer u.wg.Done()

	for {
		handle := u.bufPool.Rent()
		_ = u.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, err := u.conn.Read(handle.Full())
		if err != nil {
			handle.Release()
			if ctx.Err() != nil {
				return
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			u.logger.Error("ingress: read failed, stopping", "error", err)
			return
		}
		handle.SetLen(n)
		u.handleDatagram(handle)
	}
}

func (u *UdpIngress) handleDatagram(handle *pool.BufferHandle) {
	packet, err := rtpcodec.ParsePacket(handle)
	if err != nil {
		// ParsePacket leaves ownership with the caller on error.
		handle.Release()
		u.mu.Lock()
		u.malformedDrops++
		u.mu.Unlock()
		u.logger.Debug("ingress: dropping malformed RTP datagram", "error", err)
		return
	}
	defer packet.Release()

	u.handler(packet.Header, packet.Payload)
}
