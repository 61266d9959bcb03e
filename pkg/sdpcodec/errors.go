package sdpcodec

import "errors"

// Negotiation errors returned by Parse and by the peer connection layer
// that consumes it (spec.md §4.3, §7). These are surfaced to the HTTP
// layer as 4xx responses by the caller.
var (
	ErrNoRemoteMedia                   = errors.New("sdpcodec: no media sections in remote description")
	ErrNoMatchingMediaType              = errors.New("sdpcodec: no video media section found")
	ErrDtlsFingerprintMissing          = errors.New("sdpcodec: no DTLS fingerprint attribute present")
	ErrDtlsFingerprintDigestNotSupported = errors.New("sdpcodec: unsupported fingerprint hash algorithm")
	ErrDataChannelTransportNotSupported = errors.New("sdpcodec: data channel transport (UDP/DTLS/SCTP) not supported")
	ErrWrongSdpTypeOfferAfterOffer      = errors.New("sdpcodec: received a second offer while awaiting an answer")
	ErrUnsupportedTransport             = errors.New("sdpcodec: media transport profile is not a supported SRTP profile")
)
