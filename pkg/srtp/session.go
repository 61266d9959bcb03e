package srtp

// Session pairs the two Contexts a PeerConnection needs: one to protect
// outbound traffic on the local track's SSRC, one to unprotect inbound
// traffic from the remote peer. Keyed with the DTLS-SRTP exporter's
// client/server key assignment (spec.md §4.5): whichever side is DTLS
// client uses the "client write" keys outbound and "server write" keys
// inbound, and vice versa for the DTLS server.
type Session struct {
	Outbound *Context
	Inbound  *Context
}

// NewSession derives both Contexts from the local (outbound) and remote
// (inbound) master key/salt pairs produced by ExportKeyingMaterial.
func NewSession(localKeys, remoteKeys MasterKeys) (*Session, error) {
	out, err := NewContext(localKeys)
	if err != nil {
		return nil, err
	}
	in, err := NewContext(remoteKeys)
	if err != nil {
		return nil, err
	}
	return &Session{Outbound: out, Inbound: in}, nil
}
