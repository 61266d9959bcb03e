// Package ice implements host-candidate gathering, trickled remote
// candidates, STUN short-term-credential connectivity checks and the
// connection-state machine of spec.md §4.4. It does not open any socket
// itself: the owning peer supplies a single send function and feeds
// inbound STUN datagrams in through HandleSTUN, matching the "one UDP
// socket per peer carrying interleaved STUN/DTLS/SRTP" design of
// spec.md §1.
package ice

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/stun/v3"
	"golang.org/x/time/rate"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/logger"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
)

// GatheringState is the candidate-gathering state machine.
type GatheringState int

const (
	GatheringNew GatheringState = iota
	GatheringGathering
	GatheringComplete
)

// ConnState is the connectivity-check state machine.
type ConnState int

const (
	ConnNew ConnState = iota
	ConnChecking
	ConnConnected
	ConnCompleted
	ConnDisconnected
	ConnFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnNew:
		return "new"
	case ConnChecking:
		return "checking"
	case ConnConnected:
		return "connected"
	case ConnCompleted:
		return "completed"
	case ConnDisconnected:
		return "disconnected"
	case ConnFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// PairState is a candidate pair's RFC 8445 connectivity-check state.
type PairState int

const (
	PairFrozen PairState = iota
	PairWaiting
	PairInProgress
	PairSucceeded
	PairFailed
)

// CandidatePair is one local/remote candidate combination under check.
type CandidatePair struct {
	Local     sdpcodec.Candidate
	Remote    sdpcodec.Candidate
	State     PairState
	Nominated bool

	txID    stunTxID
	attempt int
}

const (
	// checkBaseBackoff is the fixed tick of checkLoop and the refill
	// interval of its rate limiter (burst 4); each allowed tick sends one
	// check, and a pair is retried at most 7 times. The interval does not
	// grow between retries. checkMaxBackoff is not referenced by the
	// check loop.
	checkBaseBackoff = 50 * time.Millisecond
	checkMaxBackoff  = 500 * time.Millisecond
	// defaultOverallBudget is how long the agent waits for any pair to
	// succeed before declaring Failed (spec.md §4.4, default 30s).
	defaultOverallBudget = 30 * time.Second

	minUfragLen = 4
	minPwdLen   = 22
)

// Agent drives one peer's ICE state.
type Agent struct {
	logger *logger.Logger

	mu               sync.Mutex
	localUfrag       string
	localPwd         string
	remoteUfrag      string
	remotePwd        string
	controlling      bool
	localCandidates  []sdpcodec.Candidate
	remoteCandidates []sdpcodec.Candidate
	pairs            []*CandidatePair
	gatheringState   GatheringState
	connState        ConnState
	nominated        *CandidatePair

	overallBudget time.Duration
	startedAt     time.Time

	// SendSTUN transmits a STUN datagram to addr over the peer's shared
	// socket. Supplied by the owning PeerConnection.
	SendSTUN func(buf []byte, addr *net.UDPAddr) error
	// OnConnStateChange fires at most once per transition.
	OnConnStateChange func(ConnState)
	// OnNominated fires the first time a pair succeeds and becomes the
	// nominated pair.
	OnNominated func(pair *CandidatePair)

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAgent creates an agent with freshly generated local ufrag/pwd.
func NewAgent(log *logger.Logger) (*Agent, error) {
	ufrag, err := randomCredential(minUfragLen)
	if err != nil {
		return nil, err
	}
	pwd, err := randomCredential(minPwdLen)
	if err != nil {
		return nil, err
	}
	return &Agent{
		logger:        log,
		localUfrag:    ufrag,
		localPwd:      pwd,
		controlling:   true,
		overallBudget: defaultOverallBudget,
	}, nil
}

func randomCredential(minLen int) (string, error) {
	// hex-encode enough random bytes to clear minLen after encoding.
	raw := make([]byte, (minLen+1)/2+2)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("ice: generate random credential: %w", err)
	}
	s := hex.EncodeToString(raw)
	if len(s) < minLen {
		return "", fmt.Errorf("ice: generated credential shorter than required minimum")
	}
	return s, nil
}

// LocalCredentials returns the local ufrag/pwd this agent advertises.
func (a *Agent) LocalCredentials() (ufrag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.localUfrag, a.localPwd
}

// SetRemoteCredentials records the remote peer's ufrag/pwd from the
// parsed remote SDP.
func (a *Agent) SetRemoteCredentials(ufrag, pwd string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.remoteUfrag = ufrag
	a.remotePwd = pwd
}

// SetControlling sets the controlling/controlled role (spec.md §4.4).
func (a *Agent) SetControlling(controlling bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.controlling = controlling
}

// SetOverallBudget overrides how long the agent waits for any pair to
// succeed before declaring Failed. Must be called before Start.
func (a *Agent) SetOverallBudget(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.overallBudget = d
}

// GatherHostCandidates populates the agent's local candidate set from
// the peer's bound socket port and transitions the gathering state
// machine new → gathering → complete.
func (a *Agent) GatherHostCandidates(port int) ([]sdpcodec.Candidate, error) {
	a.mu.Lock()
	a.gatheringState = GatheringGathering
	a.mu.Unlock()

	candidates, err := GatherHostCandidates(port)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.localCandidates = candidates
	a.gatheringState = GatheringComplete
	a.mu.Unlock()

	return candidates, nil
}

// GatheringStateValue reports the current gathering state.
func (a *Agent) GatheringStateValue() GatheringState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.gatheringState
}

// AddRemoteCandidate accepts a trickled or inline remote candidate and
// forms one pair against every local candidate gathered so far. Remote
// candidates of any type are accepted even though only host candidates
// are gathered locally (spec.md §3).
func (a *Agent) AddRemoteCandidate(c sdpcodec.Candidate) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.remoteCandidates = append(a.remoteCandidates, c)
	for _, local := range a.localCandidates {
		a.pairs = append(a.pairs, &CandidatePair{Local: local, Remote: c, State: PairWaiting})
	}
	if a.logger != nil {
		a.logger.DebugICE("paired remote candidate against every local candidate",
			"remote_addr", c.Address, "remote_port", c.Port, "pairs", len(a.pairs))
	}
}

// Start begins the connectivity-check loop. Cancelling ctx (or calling
// Close) stops it.
func (a *Agent) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	a.cancel = cancel
	a.startedAt = time.Now()
	a.connState = ConnChecking
	a.mu.Unlock()
	a.fireStateChange(ConnChecking)

	a.wg.Add(1)
	go a.checkLoop(ctx)
}

// Close stops the connectivity-check loop.
func (a *Agent) Close() {
	a.mu.Lock()
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
}

func (a *Agent) checkLoop(ctx context.Context) {
	defer a.wg.Done()

	limiter := rate.NewLimiter(rate.Every(checkBaseBackoff), 4)
	ticker := time.NewTicker(checkBaseBackoff)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.connectedOrBetter() {
				continue
			}
			if time.Since(a.startedAt) > a.overallBudget {
				a.transitionTo(ConnFailed)
				return
			}
			if !limiter.Allow() {
				continue
			}
			a.sendNextCheck()
		}
	}
}

func (a *Agent) connectedOrBetter() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connState == ConnConnected || a.connState == ConnCompleted
}

func (a *Agent) sendNextCheck() {
	a.mu.Lock()
	localUfrag := a.localUfrag
	remoteUfrag := a.remoteUfrag
	remotePwd := a.remotePwd
	send := a.SendSTUN
	var pair *CandidatePair
	for _, p := range a.pairs {
		if p.State == PairWaiting || (p.State == PairInProgress && p.attempt < 7) {
			pair = p
			break
		}
	}
	if pair != nil {
		pair.State = PairInProgress
		pair.attempt++
	}
	a.mu.Unlock()

	if pair == nil || send == nil || remotePwd == "" {
		return
	}

	req, txID, err := buildBindingRequest(localUfrag, remoteUfrag, remotePwd)
	if err != nil {
		if a.logger != nil {
			a.logger.Warn("failed to build STUN binding request", "error", err)
		}
		return
	}

	a.mu.Lock()
	pair.txID = txID
	a.mu.Unlock()

	addr := &net.UDPAddr{IP: net.ParseIP(pair.Remote.Address), Port: pair.Remote.Port}
	if err := send(req, addr); err != nil && a.logger != nil {
		a.logger.Debug("STUN binding request send failed", "error", err, "addr", addr)
	}
}

// HandleSTUN processes one inbound STUN datagram already classified by
// the peer's demux (byte[0] in 0..=3).
func (a *Agent) HandleSTUN(buf []byte, from *net.UDPAddr) {
	m, err := decodeMessage(buf)
	if err != nil {
		if a.logger != nil {
			a.logger.Debug("dropping malformed STUN datagram", "error", err)
		}
		return
	}

	switch {
	case isBindingRequest(m):
		a.handleBindingRequest(m, from)
	case isBindingSuccess(m):
		a.handleBindingSuccess(m, from)
	}
}

func (a *Agent) handleBindingRequest(m *stun.Message, from *net.UDPAddr) {
	a.mu.Lock()
	localPwd := a.localPwd
	send := a.SendSTUN
	a.mu.Unlock()

	// Each peer has its own ufrag/pwd pair (spec.md §8 scenario 6):
	// MESSAGE-INTEGRITY here is checked against our own local password,
	// never a value shared across peers.
	if err := verifyIntegrity(m, localPwd); err != nil {
		if a.logger != nil {
			a.logger.Debug("rejecting STUN binding request with bad MESSAGE-INTEGRITY", "error", err)
		}
		return
	}

	resp, err := buildBindingSuccess(m.TransactionID, from, localPwd)
	if err != nil {
		return
	}
	if send != nil {
		_ = send(resp, from)
	}
}

func (a *Agent) handleBindingSuccess(m *stun.Message, from *net.UDPAddr) {
	a.mu.Lock()
	var matched *CandidatePair
	for _, p := range a.pairs {
		if p.txID == m.TransactionID {
			matched = p
			break
		}
	}
	remotePwd := a.remotePwd
	a.mu.Unlock()

	if matched == nil {
		return
	}
	if err := verifyIntegrity(m, remotePwd); err != nil {
		if a.logger != nil {
			a.logger.Debug("rejecting STUN binding response with bad MESSAGE-INTEGRITY", "error", err)
		}
		return
	}
	if _, err := xorMappedAddress(m); err != nil {
		if a.logger != nil {
			a.logger.Debug("STUN binding response missing XOR-MAPPED-ADDRESS", "error", err)
		}
	}

	a.mu.Lock()
	matched.State = PairSucceeded
	first := a.nominated == nil
	if first {
		matched.Nominated = true
		a.nominated = matched
	}
	a.mu.Unlock()

	if a.logger != nil {
		a.logger.DebugICE("candidate pair succeeded", "remote_addr", matched.Remote.Address,
			"remote_port", matched.Remote.Port, "nominated", first)
	}

	if first {
		a.transitionTo(ConnConnected)
		if a.logger != nil {
			a.logger.DebugICE("candidate pair nominated", "remote_addr", matched.Remote.Address,
				"remote_port", matched.Remote.Port)
		}
		if a.OnNominated != nil {
			a.OnNominated(matched)
		}
	}
}

// NominatedRemote returns the currently nominated pair's remote endpoint,
// or nil if none is nominated yet.
func (a *Agent) NominatedRemote() *net.UDPAddr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.nominated == nil {
		return nil
	}
	return &net.UDPAddr{IP: net.ParseIP(a.nominated.Remote.Address), Port: a.nominated.Remote.Port}
}

// State returns the current connectivity state.
func (a *Agent) State() ConnState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connState
}

func (a *Agent) transitionTo(s ConnState) {
	a.mu.Lock()
	if a.connState == s {
		a.mu.Unlock()
		return
	}
	a.connState = s
	a.mu.Unlock()
	a.fireStateChange(s)
}

func (a *Agent) fireStateChange(s ConnState) {
	if a.OnConnStateChange != nil {
		a.OnConnStateChange(s)
	}
}
