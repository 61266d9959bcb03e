package ice

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pion/stun/v3"
	"github.com/stretchr/testify/require"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
)

func mustAgent(t *testing.T) *Agent {
	t.Helper()
	a, err := NewAgent(nil)
	require.NoError(t, err)
	return a
}

func TestNewAgentGeneratesCredentials(t *testing.T) {
	a := mustAgent(t)
	ufrag, pwd := a.LocalCredentials()
	require.GreaterOrEqual(t, len(ufrag), minUfragLen)
	require.GreaterOrEqual(t, len(pwd), minPwdLen)
}

func TestAddRemoteCandidatePairsWithEveryLocal(t *testing.T) {
	a := mustAgent(t)
	a.localCandidates = []sdpcodec.Candidate{
		{Foundation: "1", Component: 1, Protocol: "udp", Address: "198.51.100.1", Port: 40000, Type: "host"},
		{Foundation: "2", Component: 1, Protocol: "udp", Address: "198.51.100.2", Port: 40001, Type: "host"},
	}

	a.AddRemoteCandidate(sdpcodec.Candidate{Address: "203.0.113.5", Port: 50000, Type: "host"})

	require.Len(t, a.pairs, 2)
	for _, p := range a.pairs {
		require.Equal(t, PairWaiting, p.State)
		require.Equal(t, "203.0.113.5", p.Remote.Address)
	}
}

// TestBindingRequestRoundTrip exercises a full outbound check: the agent
// builds a binding request for one pair, the "remote" side verifies and
// answers, and handleBindingSuccess nominates the pair and flips the
// agent to Connected.
func TestBindingRequestRoundTrip(t *testing.T) {
	a := mustAgent(t)
	a.SetRemoteCredentials("remU", "remotePasswordThatIsLongEnough")

	local := sdpcodec.Candidate{Address: "198.51.100.1", Port: 40000, Type: "host"}
	remote := sdpcodec.Candidate{Address: "203.0.113.5", Port: 50000, Type: "host"}
	a.localCandidates = []sdpcodec.Candidate{local}
	a.AddRemoteCandidate(remote)

	var sent []byte
	var sentTo *net.UDPAddr
	a.SendSTUN = func(buf []byte, addr *net.UDPAddr) error {
		sent = append([]byte(nil), buf...)
		sentTo = addr
		return nil
	}

	var notified *CandidatePair
	a.OnNominated = func(p *CandidatePair) { notified = p }
	var states []ConnState
	a.OnConnStateChange = func(s ConnState) { states = append(states, s) }

	a.sendNextCheck()
	require.NotNil(t, sent)
	require.Equal(t, "203.0.113.5", sentTo.IP.String())
	require.Equal(t, 50000, sentTo.Port)
	require.Equal(t, PairInProgress, a.pairs[0].State)

	// The "remote" peer verifies our request against its own local pwd
	// (which we used as remotePwd above) and crafts a success response.
	reqMsg := new(stun.Message)
	reqMsg.Raw = append([]byte(nil), sent...)
	require.NoError(t, reqMsg.Decode())
	require.NoError(t, verifyIntegrity(reqMsg, "remotePasswordThatIsLongEnough"))

	resp, err := buildBindingSuccess(reqMsg.TransactionID, &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 40000}, "remotePasswordThatIsLongEnough")
	require.NoError(t, err)

	a.HandleSTUN(resp, &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 50000})

	require.Equal(t, PairSucceeded, a.pairs[0].State)
	require.True(t, a.pairs[0].Nominated)
	require.NotNil(t, notified)
	require.Equal(t, ConnConnected, a.State())
	require.Contains(t, states, ConnConnected)
}

// TestHandleBindingRequestRejectsBadIntegrity ensures an inbound binding
// request with a MESSAGE-INTEGRITY computed against the wrong password
// never gets a success response.
func TestHandleBindingRequestRejectsBadIntegrity(t *testing.T) {
	a := mustAgent(t)

	m, err := stun.Build(
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername("x:y"),
		stun.NewShortTermIntegrity("totallyWrongPassword1234567"),
		stun.Fingerprint,
	)
	require.NoError(t, err)

	var sent bool
	a.SendSTUN = func(buf []byte, addr *net.UDPAddr) error {
		sent = true
		return nil
	}

	a.HandleSTUN(m.Raw, &net.UDPAddr{IP: net.ParseIP("203.0.113.9"), Port: 9999})
	require.False(t, sent, "must not answer a request with bad MESSAGE-INTEGRITY")
}

// TestPerPeerPasswordIsolation confirms spec.md §8 scenario 6: a second
// agent with its own local pwd never accepts a binding request whose
// integrity was computed for a different peer's local pwd, even though
// both requests otherwise look identical.
func TestPerPeerPasswordIsolation(t *testing.T) {
	peerA := mustAgent(t)
	peerB := mustAgent(t)

	_, pwdA := peerA.LocalCredentials()

	// A request built for peerA's password...
	m, err := stun.Build(
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername("a:b"),
		stun.NewShortTermIntegrity(pwdA),
		stun.Fingerprint,
	)
	require.NoError(t, err)

	var bSent bool
	peerB.SendSTUN = func(buf []byte, addr *net.UDPAddr) error {
		bSent = true
		return nil
	}
	// ...must not be accepted by peerB, which checks against its own pwd.
	peerB.HandleSTUN(m.Raw, &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1111})
	require.False(t, bSent)

	var aSent bool
	peerA.SendSTUN = func(buf []byte, addr *net.UDPAddr) error {
		aSent = true
		return nil
	}
	peerA.HandleSTUN(m.Raw, &net.UDPAddr{IP: net.ParseIP("203.0.113.1"), Port: 1111})
	require.True(t, aSent)
}

func TestHandleBindingSuccessIgnoresUnknownTransaction(t *testing.T) {
	a := mustAgent(t)
	a.SetRemoteCredentials("remU", "remotePasswordThatIsLongEnough")
	a.localCandidates = []sdpcodec.Candidate{{Address: "198.51.100.1", Port: 40000, Type: "host"}}
	a.AddRemoteCandidate(sdpcodec.Candidate{Address: "203.0.113.5", Port: 50000, Type: "host"})

	resp, err := buildBindingSuccess(stunTxID{1, 2, 3}, &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 40000}, "remotePasswordThatIsLongEnough")
	require.NoError(t, err)

	a.HandleSTUN(resp, &net.UDPAddr{IP: net.ParseIP("203.0.113.5"), Port: 50000})
	require.Equal(t, PairWaiting, a.pairs[0].State)
	require.Nil(t, a.nominated)
}

func TestTransitionToFiresOncePerState(t *testing.T) {
	a := mustAgent(t)
	var n int
	a.OnConnStateChange = func(ConnState) { n++ }

	a.transitionTo(ConnChecking)
	a.transitionTo(ConnChecking)
	a.transitionTo(ConnConnected)

	require.Equal(t, 2, n)
}

func TestCloseStopsCheckLoop(t *testing.T) {
	a := mustAgent(t)
	a.SendSTUN = func(buf []byte, addr *net.UDPAddr) error { return nil }

	a.Start(context.Background())
	a.Close()
	require.Equal(t, ConnChecking, a.State())
}

func TestGatherHostCandidatesPopulatesAgent(t *testing.T) {
	a := mustAgent(t)
	_, err := a.GatherHostCandidates(40000)
	require.NoError(t, err)
	require.Equal(t, GatheringComplete, a.GatheringStateValue())
}

func TestOverallBudgetExpiry(t *testing.T) {
	a := mustAgent(t)
	a.overallBudget = 10 * time.Millisecond
	a.startedAt = time.Now().Add(-time.Second)
	a.connState = ConnChecking

	var states []ConnState
	a.OnConnStateChange = func(s ConnState) { states = append(states, s) }

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	a.wg.Add(1)
	a.checkLoop(ctx)

	require.Equal(t, ConnFailed, a.State())
	require.Contains(t, states, ConnFailed)
}
