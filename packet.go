// Package rpcstack implements the RPC runtime: a transport-agnostic
// framing, channel, and call-state layer that multiplexes unary and
// streaming procedure calls over an arbitrary byte-oriented link. See
// SPEC_FULL.md for the full component breakdown.
package rpcstack

import (
	"encoding/binary"

	"github.com/tinyrpc/rpcstack/status"
)

// PacketType is the wire-level frame kind. Numeric values are part of the
// wire format and must never be renumbered.
type PacketType uint8

const (
	Request PacketType = iota
	Response
	ClientStream
	ServerStream
	ClientError
	ServerError
	ClientRequestCompletion
)

func (t PacketType) String() string {
	switch t {
	case Request:
		return "Request"
	case Response:
		return "Response"
	case ClientStream:
		return "ClientStream"
	case ServerStream:
		return "ServerStream"
	case ClientError:
		return "ClientError"
	case ServerError:
		return "ServerError"
	case ClientRequestCompletion:
		return "ClientRequestCompletion"
	default:
		return "PacketType(invalid)"
	}
}

func (t PacketType) valid() bool {
	return t <= ClientRequestCompletion
}

// wire tags. Stable; never renumber. Tag 7 is intentionally unused
// (reserved by the originating protocol for a field outside this core's
// scope) and must never be reused for a different field.
const (
	tagType    = 1
	tagChannel = 2
	tagService = 3
	tagMethod  = 4
	tagPayload = 5
	tagStatus  = 6
	tagCallID  = 8
)

// MinHeaderSize is the encoded size of a packet carrying only the six
// required fields with a zero-length payload: 2 bytes per field (a 1-byte
// tag plus a 1-byte varint for values <128) times six fields. Channels
// reserve at least this many bytes of header room (§4.2).
const MinHeaderSize = 12

// Packet is the self-describing RPC frame of §3/§6. CallID of zero means
// "legacy/unassigned" and is omitted from the wire encoding entirely.
type Packet struct {
	Type      PacketType
	ChannelID uint32
	ServiceID uint32
	MethodID  uint32
	CallID    uint32
	Payload   []byte
	Status    uint32
}

// EncodedSize returns the exact number of bytes Encode would need for p.
func (p *Packet) EncodedSize() int {
	n := 0
	n += 1 + uvarintSize(uint64(p.Type))
	n += 1 + uvarintSize(uint64(p.ChannelID))
	n += 1 + uvarintSize(uint64(p.ServiceID))
	n += 1 + uvarintSize(uint64(p.MethodID))
	n += 1 + uvarintSize(uint64(len(p.Payload))) + len(p.Payload)
	n += 1 + uvarintSize(uint64(p.Status))
	if p.CallID != 0 {
		n += 1 + uvarintSize(uint64(p.CallID))
	}
	return n
}

// Encode serializes p into dst, returning the number of bytes written.
// It returns a *status.Error{Code: Internal} if dst is too small. Encode
// never allocates beyond the caller-supplied dst.
func (p *Packet) Encode(dst []byte) (int, error) {
	need := p.EncodedSize()
	if len(dst) < need {
		return 0, status.New(status.Internal, "packet: dst has %d bytes, need %d", len(dst), need)
	}
	n := 0
	n += putTagVarint(dst[n:], tagType, uint64(p.Type))
	n += putTagVarint(dst[n:], tagChannel, uint64(p.ChannelID))
	n += putTagVarint(dst[n:], tagService, uint64(p.ServiceID))
	n += putTagVarint(dst[n:], tagMethod, uint64(p.MethodID))
	n += putTagVarint(dst[n:], tagPayload, uint64(len(p.Payload)))
	n += copy(dst[n:], p.Payload)
	n += putTagVarint(dst[n:], tagStatus, uint64(p.Status))
	if p.CallID != 0 {
		n += putTagVarint(dst[n:], tagCallID, uint64(p.CallID))
	}
	return n, nil
}

// AppendEncode is a convenience for tests and non-hot-path callers; it
// allocates exactly EncodedSize() bytes.
func (p *Packet) AppendEncode() []byte {
	buf := make([]byte, p.EncodedSize())
	n, err := p.Encode(buf)
	status.PanicOn(err)
	return buf[:n]
}

// Decode parses a Packet out of src. Decode is total over malformed
// input: it never panics, and it allocates only the returned Packet, its
// Payload slice (copied out of src so callers may reuse src's backing
// array, e.g. a channel's acquired buffer) and any returned error.
//
// Decode fails with a *status.Error{Code: DataLoss} on truncation, an
// unrecognized tag, a malformed varint, or an invalid Type enum value.
func Decode(src []byte) (*Packet, error) {
	p := &Packet{}
	var sawType, sawChannel, sawService, sawMethod, sawPayload, sawStatus bool

	rest := src
	for len(rest) > 0 {
		tag := rest[0]
		rest = rest[1:]
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, status.New(status.DataLoss, "packet: truncated or invalid varint for tag %d", tag)
		}
		rest = rest[n:]

		switch tag {
		case tagType:
			t := PacketType(v)
			if !t.valid() {
				return nil, status.New(status.DataLoss, "packet: invalid type enum value %d", v)
			}
			p.Type = t
			sawType = true
		case tagChannel:
			p.ChannelID = uint32(v)
			sawChannel = true
		case tagService:
			p.ServiceID = uint32(v)
			sawService = true
		case tagMethod:
			p.MethodID = uint32(v)
			sawMethod = true
		case tagPayload:
			length := v
			if uint64(len(rest)) < length {
				return nil, status.New(status.DataLoss, "packet: payload length %d exceeds remaining %d bytes", length, len(rest))
			}
			p.Payload = append([]byte(nil), rest[:length]...)
			rest = rest[length:]
			sawPayload = true
		case tagStatus:
			p.Status = uint32(v)
			sawStatus = true
		case tagCallID:
			p.CallID = uint32(v)
		default:
			return nil, status.New(status.DataLoss, "packet: unknown field tag %d", tag)
		}
	}

	if !(sawType && sawChannel && sawService && sawMethod && sawPayload && sawStatus) {
		return nil, status.New(status.DataLoss, "packet: truncated, missing required field(s)")
	}
	return p, nil
}

func uvarintSize(v uint64) int {
	n := 1
	for v >= 0x80 {
		v >>= 7
		n++
	}
	return n
}

func putTagVarint(dst []byte, tag byte, v uint64) int {
	dst[0] = tag
	n := binary.PutUvarint(dst[1:], v)
	return 1 + n
}
