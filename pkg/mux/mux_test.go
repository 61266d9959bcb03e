package mux

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
)

type fakePeer struct {
	id string

	mu      sync.Mutex
	removed bool
	blocked chan struct{} // if non-nil, SendVideo blocks until closed
	count   atomic.Int64
	lastSeq uint16
}

func newFakePeer(id string) *fakePeer {
	return &fakePeer{id: id}
}

func (f *fakePeer) ID() string { return f.id }

func (f *fakePeer) Removed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.removed
}

func (f *fakePeer) setRemoved(v bool) {
	f.mu.Lock()
	f.removed = v
	f.mu.Unlock()
}

func (f *fakePeer) SendVideo(header rtpcodec.Header, payload []byte) error {
	if f.blocked != nil {
		<-f.blocked
	}
	f.count.Add(1)
	f.lastSeq = header.SequenceNumber
	return nil
}

func TestRegisterStartTransmitFansOutToActivePeer(t *testing.T) {
	m := New(nil)
	p := newFakePeer("p1")
	m.Register(p)
	m.StartTransmit("p1")
	require.EqualValues(t, 1, m.ActiveStreamsCount())

	m.SendVideo(rtpcodec.Header{SequenceNumber: 7}, []byte("x"))

	require.Eventually(t, func() bool { return p.count.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSendVideoSkipsPeerNotYetTransmitting(t *testing.T) {
	m := New(nil)
	p := newFakePeer("p1")
	m.Register(p)
	// StartTransmit not called.

	m.SendVideo(rtpcodec.Header{SequenceNumber: 1}, []byte("x"))
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 0, p.count.Load())
}

func TestStartTransmitIsIdempotent(t *testing.T) {
	m := New(nil)
	p := newFakePeer("p1")
	m.Register(p)
	m.StartTransmit("p1")
	m.StartTransmit("p1")
	require.EqualValues(t, 1, m.ActiveStreamsCount())
}

func TestStopTransmitDecrementsActiveCount(t *testing.T) {
	m := New(nil)
	p := newFakePeer("p1")
	m.Register(p)
	m.StartTransmit("p1")
	m.StopTransmit("p1")
	require.EqualValues(t, 0, m.ActiveStreamsCount())
}

func TestCleanupRemovesOnlyReapablePeers(t *testing.T) {
	m := New(nil)
	healthy := newFakePeer("healthy")
	dead := newFakePeer("dead")
	m.Register(healthy)
	m.Register(dead)
	m.StartTransmit("healthy")
	m.StartTransmit("dead")
	dead.setRemoved(true)

	m.Cleanup()

	require.EqualValues(t, 1, m.ActiveStreamsCount())
	m.SendVideo(rtpcodec.Header{SequenceNumber: 1}, []byte("x"))
	require.Eventually(t, func() bool { return healthy.count.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Zero(t, dead.count.Load())
}

func TestSlowPeerDoesNotStallFanOutToOthers(t *testing.T) {
	m := New(nil)
	slow := newFakePeer("slow")
	slow.blocked = make(chan struct{})
	fast := newFakePeer("fast")

	m.Register(slow)
	m.Register(fast)
	m.StartTransmit("slow")
	m.StartTransmit("fast")

	// Flood the slow peer's queue well past its depth; SendVideo must
	// never block on the slow peer regardless of queue state.
	done := make(chan struct{})
	go func() {
		for i := 0; i < sendQueueDepth*4; i++ {
			m.SendVideo(rtpcodec.Header{SequenceNumber: uint16(i)}, []byte("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SendVideo blocked on a slow peer")
	}

	require.Eventually(t, func() bool { return fast.count.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.Greater(t, m.DroppedCount("slow"), uint64(0))

	close(slow.blocked)
}
