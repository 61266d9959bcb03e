package ice

import (
	"fmt"
	"net"

	"github.com/pion/stun/v3"
)

// stunTxID is the local name for a STUN transaction ID, matching the
// anonymous [stun.TransactionIDSize]byte array type of
// stun.Message.TransactionID.
type stunTxID = [stun.TransactionIDSize]byte

// fixedTransactionID is a stun.Setter that pins a message's transaction
// ID to a previously-seen value, so a binding response can echo the
// request's ID. It must be applied before MESSAGE-INTEGRITY so the
// integrity digest covers the final header bytes.
type fixedTransactionID stunTxID

func (f fixedTransactionID) AddTo(m *stun.Message) error {
	m.TransactionID = stunTxID(f)
	m.WriteTransactionID()
	return nil
}

// buildBindingRequest builds a STUN binding request carrying USERNAME
// "<remoteUfrag>:<localUfrag>", MESSAGE-INTEGRITY keyed by the remote
// peer's password (spec.md §4.4: outbound checks use the remote pwd) and
// FINGERPRINT, returning the wire bytes and the transaction ID used to
// match the eventual response to its candidate pair.
func buildBindingRequest(localUfrag, remoteUfrag, remotePwd string) ([]byte, stunTxID, error) {
	m, err := stun.Build(
		stun.BindingRequest,
		stun.TransactionID,
		stun.NewUsername(remoteUfrag+":"+localUfrag),
		stun.NewShortTermIntegrity(remotePwd),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, stunTxID{}, fmt.Errorf("ice: build STUN binding request: %w", err)
	}
	return m.Raw, m.TransactionID, nil
}

// buildBindingSuccess builds a STUN binding success response carrying
// XOR-MAPPED-ADDRESS, MESSAGE-INTEGRITY keyed by the local password
// (spec.md §4.4: inbound checks are verified with the local pwd) and
// FINGERPRINT.
func buildBindingSuccess(id stunTxID, mappedAddr *net.UDPAddr, localPwd string) ([]byte, error) {
	xorAddr := stun.XORMappedAddress{IP: mappedAddr.IP, Port: mappedAddr.Port}
	m, err := stun.Build(
		stun.BindingSuccess,
		fixedTransactionID(id),
		&xorAddr,
		stun.NewShortTermIntegrity(localPwd),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, fmt.Errorf("ice: build STUN binding success: %w", err)
	}
	return m.Raw, nil
}

// decodeMessage decodes a raw STUN packet. The caller is responsible for
// having already classified the datagram as STUN via the demux
// classifier's first-byte check (spec.md §4.7).
func decodeMessage(buf []byte) (*stun.Message, error) {
	m := new(stun.Message)
	m.Raw = append([]byte(nil), buf...)
	if err := m.Decode(); err != nil {
		return nil, fmt.Errorf("ice: decode STUN message: %w", err)
	}
	return m, nil
}

func verifyIntegrity(m *stun.Message, password string) error {
	return stun.NewShortTermIntegrity(password).Check(m)
}

func isBindingRequest(m *stun.Message) bool {
	return m.Type == stun.BindingRequest
}

func isBindingSuccess(m *stun.Message) bool {
	return m.Type == stun.BindingSuccess
}

func xorMappedAddress(m *stun.Message) (*net.UDPAddr, error) {
	var addr stun.XORMappedAddress
	if err := addr.GetFrom(m); err != nil {
		return nil, fmt.Errorf("ice: read XOR-MAPPED-ADDRESS: %w", err)
	}
	return &net.UDPAddr{IP: addr.IP, Port: addr.Port}, nil
}
