// Package dtlssrtp drives the DTLS 1.2 handshake for one peer over its
// shared UDP socket and exports the SRTP master keys that result
// (spec.md §4.5). The handshake state machine and record layer are
// delegated to pion/dtls/v3, the standards-conformant library spec.md
// §1 names as an acceptable collaborator; this package owns only the
// role derivation from the SDP setup attribute, fingerprint
// verification and RFC 5764 key export.
package dtlssrtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"

	"github.com/pion/dtls/v3"

	"github.com/buldo/rtpwebrtcrestreamer/pkg/sdpcodec"
	"github.com/buldo/rtpwebrtcrestreamer/pkg/srtp"
)

// Role is this side's DTLS handshake role, derived from the SDP setup
// attribute per spec.md §4.5.
type Role int

const (
	// RoleClient: this side offered/answered such that it initiates the
	// handshake (remote is "passive", or remote offered "actpass" and we
	// are answering).
	RoleClient Role = iota
	// RoleServer: remote answered "active", so this side waits.
	RoleServer
)

// RoleFromAnswerSetup maps the setup role this side answered with (the
// return value of sdpcodec.SelectAnswerSetup) to the DTLS handshake
// role spec.md §4.5 assigns it: answering "active" means we dial as
// DTLS client, answering "passive" means we wait as DTLS server.
func RoleFromAnswerSetup(setup sdpcodec.SetupRole) Role {
	if setup == sdpcodec.SetupPassive {
		return RoleServer
	}
	return RoleClient
}

// ErrFingerprintMismatch is returned when the remote certificate's
// digest does not match the SDP-declared fingerprint.
var ErrFingerprintMismatch = errors.New("dtlssrtp: remote certificate fingerprint mismatch")

const (
	srtpKeyLen  = 16
	srtpSaltLen = 14
	// RFC 5764 §4.2 exporter label and output length: two master keys
	// and two master salts, client then server.
	keyingMaterialLabel = "EXTRACTOR-dtls_srtp"
	keyingMaterialLen   = 2*srtpKeyLen + 2*srtpSaltLen
)

// Transport owns one peer's DTLS connection and, once the handshake
// completes, the SrtpSession derived from it.
type Transport struct {
	conn *dtls.Conn

	Session *srtp.Session
}

// Handshake runs the DTLS handshake in role over conn (typically a
// demuxConn fed by the peer's socket demultiplexer), verifies the
// remote certificate against remoteFingerprint and, on success,
// exports and derives the SRTP session. It blocks until the handshake
// completes, fails, or ctx is cancelled.
func Handshake(ctx context.Context, conn net.Conn, role Role, cert tls.Certificate, remoteFingerprint sdpcodec.Fingerprint) (*Transport, error) {
	cfg := &dtls.Config{
		Certificates:       []tls.Certificate{cert},
		InsecureSkipVerify: true,
	}

	// dtls.Client/dtls.Server block for the duration of the handshake;
	// honor ctx cancellation by closing the underlying conn out from
	// under them, which unblocks any pending Read.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	var dtlsConn *dtls.Conn
	var err error
	switch role {
	case RoleClient:
		dtlsConn, err = dtls.Client(conn, cfg)
	case RoleServer:
		dtlsConn, err = dtls.Server(conn, cfg)
	default:
		return nil, fmt.Errorf("dtlssrtp: unknown role %d", role)
	}
	if err != nil {
		return nil, fmt.Errorf("dtlssrtp: handshake failed: %w", err)
	}

	// Check the remote certificate's fingerprint against the one
	// declared in the remote SDP (spec.md §4.5) now that the handshake
	// has produced one.
	remoteCerts := dtlsConn.RemoteCertificate()
	if len(remoteCerts) == 0 {
		_ = dtlsConn.Close()
		return nil, fmt.Errorf("dtlssrtp: peer presented no certificate")
	}
	ok, err := VerifyFingerprint(remoteCerts[0], remoteFingerprint.Algorithm, remoteFingerprint.Digest)
	if err != nil {
		_ = dtlsConn.Close()
		return nil, err
	}
	if !ok {
		_ = dtlsConn.Close()
		return nil, ErrFingerprintMismatch
	}

	keyingMaterial, err := dtlsConn.ExportKeyingMaterial(keyingMaterialLabel, nil, keyingMaterialLen)
	if err != nil {
		_ = dtlsConn.Close()
		return nil, fmt.Errorf("dtlssrtp: export keying material: %w", err)
	}

	clientKeys, serverKeys := splitKeyingMaterial(keyingMaterial)

	var localKeys, remoteKeys srtp.MasterKeys
	if role == RoleClient {
		localKeys, remoteKeys = clientKeys, serverKeys
	} else {
		localKeys, remoteKeys = serverKeys, clientKeys
	}

	session, err := srtp.NewSession(localKeys, remoteKeys)
	if err != nil {
		_ = dtlsConn.Close()
		return nil, fmt.Errorf("dtlssrtp: derive SRTP session: %w", err)
	}

	return &Transport{conn: dtlsConn, Session: session}, nil
}

func splitKeyingMaterial(km []byte) (client, server srtp.MasterKeys) {
	off := 0
	clientKey := km[off : off+srtpKeyLen]
	off += srtpKeyLen
	serverKey := km[off : off+srtpKeyLen]
	off += srtpKeyLen
	clientSalt := km[off : off+srtpSaltLen]
	off += srtpSaltLen
	serverSalt := km[off : off+srtpSaltLen]

	return srtp.MasterKeys{Key: clientKey, Salt: clientSalt}, srtp.MasterKeys{Key: serverKey, Salt: serverSalt}
}

// Close tears down the DTLS connection.
func (t *Transport) Close() error {
	if t.conn == nil {
		return nil
	}
	return t.conn.Close()
}
