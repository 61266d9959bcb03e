package rtpcodec

import "github.com/buldo/rtpwebrtcrestreamer/pkg/pool"

// Packet pairs a parsed Header with a reference to the pooled buffer
// holding the full datagram the header was parsed from. Ownership of the
// buffer handle follows the same rent/use/return discipline as pool.BufferHandle:
// the component that receives a Packet from ingest owns Release() once it
// is done, unless it hands the Packet further down the pipeline.
type Packet struct {
	Header  Header
	Payload []byte
	buf     *pool.BufferHandle
}

// ParsePacket parses buf (the full live bytes of a rented buffer handle)
// into a Packet. On success the Packet takes ownership of buf and must be
// released via Packet.Release(); on error the caller retains ownership of
// buf.
func ParsePacket(buf *pool.BufferHandle) (Packet, error) {
	raw := buf.Bytes()
	h, headerLen, err := Parse(raw)
	if err != nil {
		return Packet{}, err
	}
	payload := TrimPadding(h, raw[headerLen:])
	return Packet{Header: h, Payload: payload, buf: buf}, nil
}

// Release returns the underlying buffer handle to its pool. Safe to call
// on a zero-value Packet.
func (p *Packet) Release() {
	if p.buf == nil {
		return
	}
	p.buf.Release()
	p.buf = nil
}
