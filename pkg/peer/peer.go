// Package peer composes one WHEP viewer's IceAgent, DtlsSrtpTransport
// and SrtpSession into a single PeerConnection (spec.md §4.7): one UDP
// socket, one ICE agent, one DTLS transport, one SRTP session and a set
// of tasks, all torn down together on close.
package peer

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/dtlssrtp"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/ice"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/logger"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/pool"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtcpcodec"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/rtpcodec"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/srtp"
)

// SignalingState is the offer/answer negotiation state of one peer.
type SignalingState int

const (
	SignalingNew SignalingState = iota
	SignalingHaveRemoteOffer
	SignalingStable
)

func (s SignalingState) String() string {
	switch s {
	case SignalingNew:
		return "new"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	case SignalingStable:
		return "stable"
	default:
		return "unknown"
	}
}

// ConnectionState is the overall peer connection-state machine of
// spec.md §4.7.
type ConnectionState int

const (
	StateNew ConnectionState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

func (s ConnectionState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer receives the notifications spec.md §9 asks to be surfaced as
// an explicit capability-typed handler rather than a dynamic subscriber
// list: one method per edge in the peer's state machines.
type Observer interface {
	OnConnectionStateChange(peerID string, state ConnectionState)
	OnClosed(peerID string, reason string)
}

var (
	// ErrAlreadyClosed is returned by every public operation once the
	// peer has been closed (spec.md §8, property 5).
	ErrAlreadyClosed = errors.New("peer: already closed")
	// ErrWrongSignalingState is returned when setRemoteDescription is
	// called outside signalling state "new".
	ErrWrongSignalingState = errors.New("peer: setRemoteDescription called outside the new signalling state")
)

const (
	localPayloadType = 96
	rtcpRecvBufSize  = 1500
)

// PeerConnection is one WHEP viewer: one bound UDP socket, one ICE
// agent, one DTLS transport and, once the handshake completes, one SRTP
// session carrying a single local video track toward that viewer.
type PeerConnection struct {
	id     string
	logger *logger.Logger

	conn      *net.UDPConn
	localPort int
	cert      tls.Certificate
	bufPool   *pool.BufferPool

	ice *ice.Agent

	localSSRC       uint32
	localCNAME      string
	localCandidates []sdpcodec.Candidate

	mu             sync.Mutex
	signalingState SignalingState
	connState      ConnectionState
	closed         bool
	closeReason    string

	remoteSetup       sdpcodec.SetupRole
	remoteFingerprint sdpcodec.Fingerprint
	remoteSSRC        uint32

	lastReception ReceptionStats
	haveReception bool

	dtlsConn  dtlssrtp.DemuxConn
	transport *dtlssrtp.Transport
	session   *srtp.Session
	localSeq  uint16

	observer Observer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New binds a fresh UDP socket on bindAddress (ephemeral port), gathers
// its host candidates and returns a peer ready to receive an offer.
// ctx bounds the peer's entire lifetime: cancelling it closes the peer.
func New(ctx context.Context, id string, bindAddress string, observer Observer, log *logger.Logger) (*PeerConnection, error) {
	cert, err := dtlssrtp.GenerateSelfSignedCertificate()
	if err != nil {
		return nil, fmt.Errorf("peer: generate certificate: %w", err)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP(bindAddress), Port: 0})
	if err != nil {
		return nil, fmt.Errorf("peer: bind socket: %w", err)
	}

	ssrc, err := randomUint32()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	cname, err := randomHex(16)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	seq, err := randomUint16()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}

	agent, err := ice.NewAgent(log)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	// The remote always either answers our implicit ice-lite posture or
	// offers actpass and we answer "active" (spec.md §4.4): in both
	// cases this side is controlling.
	agent.SetControlling(true)

	peerCtx, cancel := context.WithCancel(ctx)

	p := &PeerConnection{
		id:         id,
		logger:     log,
		conn:       conn,
		localPort:  conn.LocalAddr().(*net.UDPAddr).Port,
		cert:       cert,
		bufPool:    pool.NewBufferPool(),
		ice:        agent,
		localSSRC:  ssrc,
		localCNAME: cname,
		localSeq:   seq,
		observer:   observer,
		ctx:        peerCtx,
		cancel:     cancel,
	}

	candidates, err := agent.GatherHostCandidates(p.localPort)
	if err != nil {
		_ = conn.Close()
		cancel()
		return nil, fmt.Errorf("peer: gather host candidates: %w", err)
	}
	p.localCandidates = candidates

	agent.SendSTUN = p.sendRaw
	agent.OnConnStateChange = p.onICEStateChange
	agent.OnNominated = p.onNominated

	p.wg.Add(1)
	go p.receiveLoop()

	go func() {
		<-peerCtx.Done()
		_ = p.Close("context cancelled")
	}()

	return p, nil
}

// ID returns the peer's identifier (used for logging and registry
// lookups; not part of the wire protocol).
func (p *PeerConnection) ID() string { return p.id }

// State returns the current connection-state.
func (p *PeerConnection) State() ConnectionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connState
}

// SetICECheckTimeout overrides how long this peer's ICE agent waits for
// a candidate pair to succeed before declaring the connection failed
// (spec.md §4.4). Must be called before SetRemoteDescription.
func (p *PeerConnection) SetICECheckTimeout(d time.Duration) {
	p.ice.SetOverallBudget(d)
}

// Removed reports whether this peer's connection-state is one
// pkg/mux's Cleanup should reap: closed, disconnected or failed
// (spec.md §4.8).
func (p *PeerConnection) Removed() bool {
	switch p.State() {
	case StateClosed, StateDisconnected, StateFailed:
		return true
	default:
		return false
	}
}

// SetRemoteDescription validates the client's offer, captures the
// remote ICE credentials, DTLS fingerprint, setup role and video SSRC,
// and feeds every inline candidate to the ICE agent. It transitions the
// signalling state new → have-remote-offer and starts connectivity
// checks: spec.md §4.7 allows check pacing to begin as soon as the
// remote credentials are known, before the local answer is sent.
func (p *PeerConnection) SetRemoteDescription(offer sdpcodec.SessionDescription) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}
	if p.signalingState != SignalingNew {
		p.mu.Unlock()
		return ErrWrongSignalingState
	}
	p.mu.Unlock()

	media, err := offer.VideoMedia()
	if err != nil {
		return err
	}
	fingerprint, err := offer.EffectiveFingerprint(media)
	if err != nil {
		return err
	}

	ufrag := media.ICEUfrag
	if ufrag == "" {
		ufrag = offer.ICEUfrag
	}
	pwd := media.ICEPwd
	if pwd == "" {
		pwd = offer.ICEPwd
	}
	setup := media.Setup
	if setup == "" {
		setup = offer.Setup
	}

	p.ice.SetRemoteCredentials(ufrag, pwd)
	for _, c := range media.Candidates {
		p.ice.AddRemoteCandidate(c)
	}

	p.mu.Lock()
	p.remoteFingerprint = fingerprint
	p.remoteSetup = setup
	if media.HasSSRC {
		p.remoteSSRC = media.SSRC
	}
	p.signalingState = SignalingHaveRemoteOffer
	p.mu.Unlock()

	p.transitionTo(StateConnecting)
	p.ice.Start(p.ctx)

	return nil
}

// CreateAnswer emits the local SDP answer once host candidates are
// gathered. This is the concrete, WHEP-specialized form of spec.md
// §4.7's generic local-SDP-emission operation: this implementation only
// ever answers, never offers. Idempotent: calling it again re-renders
// the same local state.
func (p *PeerConnection) CreateAnswer(offer sdpcodec.SessionDescription) (string, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return "", ErrAlreadyClosed
	}
	p.mu.Unlock()

	if p.ice.GatheringStateValue() != ice.GatheringComplete {
		return "", fmt.Errorf("peer: host candidates not yet gathered")
	}

	ufrag, pwd := p.ice.LocalCredentials()
	localFingerprint, err := dtlssrtp.CertificateFingerprint(p.cert.Certificate[0], "sha-256")
	if err != nil {
		return "", err
	}

	media, err := offer.VideoMedia()
	if err != nil {
		return "", err
	}
	remoteSetup := media.Setup
	if remoteSetup == "" {
		remoteSetup = offer.Setup
	}

	answer, err := sdpcodec.BuildAnswer(offer, sdpcodec.AnswerParams{
		SessionID:         uint64(p.localSSRC),
		ICEUfrag:          ufrag,
		ICEPwd:            pwd,
		Fingerprint:       sdpcodec.Fingerprint{Algorithm: "sha-256", Digest: localFingerprint},
		Candidates:        p.localCandidates,
		GatheringComplete: true,
		Track: sdpcodec.LocalTrack{
			SSRC:  p.localSSRC,
			CNAME: p.localCNAME,
			PT:    localPayloadType,
		},
	})
	if err != nil {
		return "", err
	}

	p.mu.Lock()
	alreadyAnswered := p.signalingState == SignalingStable
	p.signalingState = SignalingStable
	p.mu.Unlock()

	if !alreadyAnswered {
		go p.runHandshake(dtlssrtp.RoleFromAnswerSetup(sdpcodec.SelectAnswerSetup(remoteSetup)))
	}

	return answer.Marshal(), nil
}

// AddICECandidate hands a trickled candidate to the ICE agent.
func (p *PeerConnection) AddICECandidate(c sdpcodec.Candidate) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrAlreadyClosed
	}
	p.mu.Unlock()

	if c.Component != 1 {
		return nil
	}
	p.ice.AddRemoteCandidate(c)
	return nil
}

// SendVideo rewrites header's SSRC and sequence number to this peer's
// local track, protects the packet and sends it to the nominated remote
// endpoint. If the secure context is not yet ready the packet is
// dropped silently (logged at debug), per spec.md §4.7.
func (p *PeerConnection) SendVideo(header rtpcodec.Header, payload []byte) error {
	p.mu.Lock()
	session := p.session
	closed := p.closed
	seq := p.localSeq
	p.localSeq++
	p.mu.Unlock()

	if closed {
		return nil
	}
	if session == nil {
		p.logger.Debug("dropping outbound video: secure context not ready", "peer", p.id)
		return nil
	}

	remote := p.ice.NominatedRemote()
	if remote == nil {
		p.logger.Debug("dropping outbound video: no nominated pair", "peer", p.id)
		return nil
	}

	out := header
	out.SSRC = p.localSSRC
	out.SequenceNumber = seq
	out.PayloadType = localPayloadType
	out.CSRC = nil

	protected, err := session.Outbound.ProtectRTP(out, payload)
	if err != nil {
		return fmt.Errorf("peer: protect outbound RTP: %w", err)
	}
	p.logger.DebugSRTP("protected outbound rtp packet", "peer", p.id, "seq", out.SequenceNumber, "payload_len", len(payload))

	return p.sendRawTo(protected, remote)
}

// Close tears down ICE, DTLS and the socket and raises onClosed(reason)
// exactly once. Safe to call more than once.
func (p *PeerConnection) Close(reason string) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeReason = reason
	p.mu.Unlock()

	p.transitionTo(StateClosed)

	p.cancel()
	p.ice.Close()
	if p.transport != nil {
		_ = p.transport.Close()
	}
	_ = p.conn.Close()
	p.wg.Wait()

	if p.observer != nil {
		p.observer.OnClosed(p.id, reason)
	}
	return nil
}

func (p *PeerConnection) runHandshake(role dtlssrtp.Role) {
	remote := p.waitNominated()
	if remote == nil {
		return
	}
	p.logger.DebugDTLS("nominated pair ready, starting dtls handshake", "peer", p.id, "role", role, "remote", remote)

	p.mu.Lock()
	fingerprint := p.remoteFingerprint
	conn := dtlssrtp.NewDemuxConn(p.conn.LocalAddr(), remote, func(buf []byte) error {
		return p.sendRawTo(buf, remote)
	})
	p.dtlsConn = conn
	p.mu.Unlock()

	handshakeCtx, cancel := context.WithTimeout(p.ctx, 10*time.Second)
	defer cancel()

	transport, err := dtlssrtp.Handshake(handshakeCtx, conn, role, p.cert, fingerprint)
	if err != nil {
		p.logger.Warn("dtls handshake failed", "peer", p.id, "error", err)
		p.failAndClose("dtls handshake failed")
		return
	}
	p.logger.DebugDTLS("dtls handshake complete, srtp keys exported", "peer", p.id)

	p.mu.Lock()
	p.transport = transport
	p.session = transport.Session
	p.mu.Unlock()

	p.maybeConnected()
}

func (p *PeerConnection) waitNominated() *net.UDPAddr {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		if remote := p.ice.NominatedRemote(); remote != nil {
			return remote
		}
		select {
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *PeerConnection) onICEStateChange(s ice.ConnState) {
	switch s {
	case ice.ConnFailed:
		// Raised on the ICE check loop, which Close waits for.
		go p.failAndClose("ice failed")
	case ice.ConnDisconnected:
		p.transitionTo(StateDisconnected)
	}
}

func (p *PeerConnection) onNominated(*ice.CandidatePair) {
	p.maybeConnected()
}

func (p *PeerConnection) maybeConnected() {
	p.mu.Lock()
	ready := p.session != nil && p.ice.NominatedRemote() != nil
	p.mu.Unlock()
	if ready {
		p.transitionTo(StateConnected)
	}
}

func (p *PeerConnection) failAndClose(reason string) {
	p.transitionTo(StateFailed)
	_ = p.Close(reason)
}

func (p *PeerConnection) transitionTo(s ConnectionState) {
	p.mu.Lock()
	if p.connState == s {
		p.mu.Unlock()
		return
	}
	p.connState = s
	p.mu.Unlock()
	if p.observer != nil {
		p.observer.OnConnectionStateChange(p.id, s)
	}
}

func (p *PeerConnection) sendRaw(buf []byte, addr *net.UDPAddr) error {
	return p.sendRawTo(buf, addr)
}

func (p *PeerConnection) sendRawTo(buf []byte, addr *net.UDPAddr) error {
	_, err := p.conn.WriteToUDP(buf, addr)
	return err
}

// receiveLoop classifies every inbound datagram by spec.md §4.7's demux
// rule and dispatches it to the ICE agent, the DTLS transport, or the
// SRTCP path.
func (p *PeerConnection) receiveLoop() {
	defer p.wg.Done()

	for {
		handle := p.bufPool.Rent()
		_ = p.conn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, from, err := p.conn.ReadFromUDP(handle.Full())
		if err != nil {
			handle.Release()
			if p.ctx.Err() != nil {
				return
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return
		}
		handle.SetLen(n)
		p.dispatch(handle, from)
	}
}

func (p *PeerConnection) dispatch(handle *pool.BufferHandle, from *net.UDPAddr) {
	buf := handle.Bytes()
	if len(buf) == 0 {
		handle.Release()
		return
	}

	b0 := buf[0]
	switch {
	case b0 <= 3:
		p.ice.HandleSTUN(buf, from)
		handle.Release()
	case b0 >= 20 && b0 <= 63:
		p.mu.Lock()
		conn := p.dtlsConn
		p.mu.Unlock()
		if conn != nil {
			conn.Deliver(buf)
		}
		handle.Release()
	case b0 >= 128 && b0 <= 191 && len(buf) > 12:
		p.dispatchRTCPOrDrop(buf)
		handle.Release()
	default:
		handle.Release()
	}
}

func (p *PeerConnection) dispatchRTCPOrDrop(buf []byte) {
	if !isKnownRTCPType(buf[1] & 0x7f) {
		return
	}

	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		p.logger.Debug("dropping inbound RTCP: secure context not ready", "peer", p.id)
		return
	}

	plain, err := session.Inbound.UnprotectRTCP(buf)
	if err != nil {
		p.logger.Debug("dropping inbound RTCP: unprotect failed", "peer", p.id, "error", err)
		return
	}
	p.logger.DebugSRTP("unprotected inbound rtcp packet", "peer", p.id, "len", len(plain))

	compound, err := rtcpcodec.ParseCompound(plain)
	if err != nil {
		p.logger.Debug("dropping malformed RTCP compound packet", "peer", p.id, "error", err)
		return
	}

	if len(compound.Byes) > 0 {
		p.transitionTo(StateClosed)
		// Close waits for this receive loop to exit, so it runs on its
		// own goroutine.
		go p.Close("rtcp bye")
		return
	}

	// SR/RR feed reception-report accounting; PSFB/RTPFB are parsed but
	// not acted upon in this version (spec.md §4.7).
	for _, sr := range compound.SenderReports {
		p.recordReceptionReports(sr.Reports)
	}
	for _, rr := range compound.ReceiverReports {
		p.recordReceptionReports(rr.Reports)
	}
}

// ReceptionStats is the most recent reception-report accounting the
// viewer has sent back about our local SSRC (spec.md §4.7).
type ReceptionStats struct {
	FractionLost     uint8
	CumulativeLost   int32
	Jitter           uint32
	LastSR           uint32
	DelaySinceLastSR uint32
	UpdatedAt        time.Time
}

// ReceptionStats returns the last reception report received for this
// peer's local SSRC, and whether one has ever arrived.
func (p *PeerConnection) ReceptionStats() (ReceptionStats, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastReception, p.haveReception
}

// recordReceptionReports updates the tracked reception stats from one
// SR/RR packet's reception-report blocks, keeping only the block that
// reports on this peer's own local SSRC.
func (p *PeerConnection) recordReceptionReports(reports []rtcpcodec.ReceptionReport) {
	for _, r := range reports {
		if r.SSRC != p.localSSRC {
			continue
		}
		p.mu.Lock()
		p.lastReception = ReceptionStats{
			FractionLost:     r.FractionLost,
			CumulativeLost:   r.CumulativeLost,
			Jitter:           r.Jitter,
			LastSR:           r.LastSR,
			DelaySinceLastSR: r.DelaySinceLastSR,
			UpdatedAt:        time.Now(),
		}
		p.haveReception = true
		p.mu.Unlock()
		p.logger.Debug("reception report", "peer", p.id,
			"fraction_lost", r.FractionLost, "cumulative_lost", r.CumulativeLost, "jitter", r.Jitter)
	}
}

func isKnownRTCPType(pt byte) bool {
	switch rtcpcodec.PacketType(pt) {
	case rtcpcodec.TypeSenderReport, rtcpcodec.TypeReceiverReport, rtcpcodec.TypeSourceDesc,
		rtcpcodec.TypeBye, rtcpcodec.TypeRTPFB, rtcpcodec.TypePSFB:
		return true
	default:
		return false
	}
}

func randomUint32() (uint32, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("peer: generate random SSRC: %w", err)
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func randomUint16() (uint16, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("peer: generate random sequence number: %w", err)
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("peer: generate random cname: %w", err)
	}
	return hex.EncodeToString(b), nil
}
