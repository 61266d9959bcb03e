// Package mux fans ingress RTP out to every registered peer (spec.md
// §4.8): a slow or failing peer must never stall dispatch to the
// others, so each peer gets its own bounded, drop-oldest send queue and
// its own send task.
package mux

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/pool"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
)

// sendQueueDepth bounds how many ingress packets may queue for one peer
// before the oldest queued packet is dropped to make room for the
// newest (spec.md §8, property: "drops are confined to the peer whose
// queue is full").
const sendQueueDepth = 64

// Peer is the subset of peer.PeerConnection the multiplexer needs. Kept
// as a narrow interface so this package does not import pkg/peer (and
// can be tested against a fake). Removed reports whether the peer's
// connection-state is one Cleanup should reap: closed, disconnected or
// failed (spec.md §4.8).
type Peer interface {
	ID() string
	Removed() bool
	SendVideo(header rtpcodec.Header, payload []byte) error
}

type queuedPacket struct {
	header  rtpcodec.Header
	payload []byte
}

type registeredPeer struct {
	peer Peer
	pool *pool.PacketPool[queuedPacket]

	mu           sync.Mutex
	transmitting bool

	queue  chan *queuedPacket
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped atomic.Uint64
}

// Multiplexer holds the mutex-guarded peer registry and fans out video
// packets to every transmitting peer.
type Multiplexer struct {
	logger *slog.Logger

	mu       sync.Mutex
	registry map[string]*registeredPeer
	pktPool  *pool.PacketPool[queuedPacket]

	activeStreamsCount atomic.Int64
}

// New creates an empty multiplexer.
func New(logger *slog.Logger) *Multiplexer {
	return &Multiplexer{
		logger:   logger,
		registry: make(map[string]*registeredPeer),
		pktPool:  pool.NewPacketPool[queuedPacket](),
	}
}

// Register inserts peer into the registry. The peer is not yet eligible
// for fan-out until StartTransmit is called.
func (m *Multiplexer) Register(peer Peer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.registry[peer.ID()]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	rp := &registeredPeer{
		peer:   peer,
		pool:   m.pktPool,
		queue:  make(chan *queuedPacket, sendQueueDepth),
		cancel: cancel,
	}
	m.registry[peer.ID()] = rp

	rp.wg.Add(1)
	go rp.sendLoop(ctx, m.logger)
}

// StartTransmit marks peer as eligible for fan-out. Idempotent; a no-op
// if peer was never registered.
func (m *Multiplexer) StartTransmit(peerID string) {
	m.mu.Lock()
	rp := m.registry[peerID]
	m.mu.Unlock()
	if rp == nil {
		return
	}

	rp.mu.Lock()
	already := rp.transmitting
	rp.transmitting = true
	rp.mu.Unlock()

	if !already {
		m.activeStreamsCount.Add(1)
	}
}

// StopTransmit stops fan-out to peerID without removing it from the
// registry (cleanup does that once its connection-state says so).
func (m *Multiplexer) StopTransmit(peerID string) {
	m.mu.Lock()
	rp := m.registry[peerID]
	m.mu.Unlock()
	if rp == nil {
		return
	}

	rp.mu.Lock()
	was := rp.transmitting
	rp.transmitting = false
	rp.mu.Unlock()

	if was {
		m.activeStreamsCount.Add(-1)
	}
}

// Cleanup removes every peer whose connection-state is closed,
// disconnected or failed from the registry and stops its send task.
func (m *Multiplexer) Cleanup() {
	m.mu.Lock()
	var removed []*registeredPeer
	for id, rp := range m.registry {
		if rp.peer.Removed() {
			removed = append(removed, rp)
			delete(m.registry, id)
		}
	}
	m.mu.Unlock()

	for _, rp := range removed {
		rp.mu.Lock()
		wasTransmitting := rp.transmitting
		rp.mu.Unlock()
		if wasTransmitting {
			m.activeStreamsCount.Add(-1)
		}
		rp.cancel()
		rp.wg.Wait()
	}
}

// ActiveStreamsCount reports how many registered peers are currently
// eligible for fan-out (spec.md §4.8 observability requirement).
func (m *Multiplexer) ActiveStreamsCount() int64 {
	return m.activeStreamsCount.Load()
}

// SendVideo is called for every ingress RTP packet. Payload is copied
// into each peer's queue entry since the caller's pooled buffer is
// released the moment this call returns (pkg/ingress's Handler
// contract).
func (m *Multiplexer) SendVideo(header rtpcodec.Header, payload []byte) {
	m.mu.Lock()
	peers := make([]*registeredPeer, 0, len(m.registry))
	for _, rp := range m.registry {
		peers = append(peers, rp)
	}
	m.mu.Unlock()

	for _, rp := range peers {
		rp.mu.Lock()
		transmitting := rp.transmitting
		rp.mu.Unlock()
		if !transmitting {
			continue
		}

		cp := make([]byte, len(payload))
		copy(cp, payload)
		pkt := rp.pool.Rent()
		pkt.header = header
		pkt.payload = cp

		select {
		case rp.queue <- pkt:
		default:
			// Queue full: drop the oldest to make room for the
			// newest, so a slow peer never blocks this dispatch loop.
			select {
			case old := <-rp.queue:
				rp.dropped.Add(1)
				rp.pool.Return(old)
			default:
			}
			select {
			case rp.queue <- pkt:
			default:
				rp.pool.Return(pkt)
			}
		}
	}
}

func (rp *registeredPeer) sendLoop(ctx context.Context, logger *slog.Logger) {
	defer rp.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case pkt := <-rp.queue:
			if err := rp.peer.SendVideo(pkt.header, pkt.payload); err != nil && logger != nil {
				logger.Debug("mux: send to peer failed", "peer", rp.peer.ID(), "error", err)
			}
			rp.pool.Return(pkt)
		}
	}
}

// DroppedCount reports how many queued packets were dropped for peerID
// due to a full send queue (observability; zero if peerID is unknown).
func (m *Multiplexer) DroppedCount(peerID string) uint64 {
	m.mu.Lock()
	rp := m.registry[peerID]
	m.mu.Unlock()
	if rp == nil {
		return 0
	}
	return rp.dropped.Load()
}
