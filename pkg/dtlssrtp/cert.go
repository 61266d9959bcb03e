package dtlssrtp

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// GenerateSelfSignedCertificate creates a new ECDSA P-256 self-signed
// certificate on every call; pkg/peer calls it once per peer, so each
// peer presents its own certificate in its DTLS handshake. Modelled on the DTLS certificate
// pion/webrtc generates for a PeerConnection, narrowed to the one curve
// and one-year validity this system needs.
func GenerateSelfSignedCertificate() (tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dtlssrtp: generate key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dtlssrtp: generate serial: %w", err)
	}

	tpl := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{CommonName: "rtpwebrtcrestreamer"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	der, err := x509.CreateCertificate(rand.Reader, tpl, tpl, &key.PublicKey, key)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("dtlssrtp: create certificate: %w", err)
	}

	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}, nil
}

// fingerprintAlgorithms maps the SDP fingerprint algorithm token to its
// digest function, matching the RFC 8122 registry subset spec.md needs.
var fingerprintAlgorithms = map[string]func([]byte) []byte{
	"sha-1":   sha1Sum,
	"sha-256": sha256Sum,
	"sha-384": sha384Sum,
	"sha-512": sha512Sum,
}

func sha1Sum(b []byte) []byte   { h := sha1.Sum(b); return h[:] }
func sha256Sum(b []byte) []byte { h := sha256.Sum256(b); return h[:] }
func sha384Sum(b []byte) []byte { h := sha512.Sum384(b); return h[:] }
func sha512Sum(b []byte) []byte { h := sha512.Sum512(b); return h[:] }

// CertificateFingerprint computes the colon-separated uppercase-hex
// digest of a DER certificate under algo, in the a=fingerprint wire
// format (RFC 8122 §5).
func CertificateFingerprint(der []byte, algo string) (string, error) {
	digester, ok := fingerprintAlgorithms[strings.ToLower(algo)]
	if !ok {
		return "", fmt.Errorf("dtlssrtp: unsupported fingerprint algorithm %q", algo)
	}
	sum := digester(der)

	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":"), nil
}

// VerifyFingerprint reports whether der's digest under algo matches
// wantHex (case-insensitive, colon-separated hex).
func VerifyFingerprint(der []byte, algo, wantHex string) (bool, error) {
	got, err := CertificateFingerprint(der, algo)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(got, wantHex), nil
}
