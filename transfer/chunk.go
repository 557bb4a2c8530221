// Package transfer implements the windowed, resumable bulk-data transfer
// protocol of SPEC_FULL.md §4.6-4.8, carried as the payload of a
// streaming RPC (github.com/tinyrpc/rpcstack) call.
package transfer

import (
	"encoding/binary"

	"github.com/tinyrpc/rpcstack/status"
)

// ChunkType is the transfer chunk's wire-level kind (§6).
type ChunkType uint8

const (
	TransferData ChunkType = iota
	TransferStart
	ParametersRetransmit
	ParametersContinue
	TransferCompletion
	TransferCompletionAck
	TransferStartAck
	TransferStartAckConfirmation
)

func (t ChunkType) String() string {
	switch t {
	case TransferData:
		return "TransferData"
	case TransferStart:
		return "TransferStart"
	case ParametersRetransmit:
		return "ParametersRetransmit"
	case ParametersContinue:
		return "ParametersContinue"
	case TransferCompletion:
		return "TransferCompletion"
	case TransferCompletionAck:
		return "TransferCompletionAck"
	case TransferStartAck:
		return "TransferStartAck"
	case TransferStartAckConfirmation:
		return "TransferStartAckConfirmation"
	default:
		return "ChunkType(invalid)"
	}
}

func (t ChunkType) valid() bool { return t <= TransferStartAckConfirmation }

// wire tags for Chunk, stable, never renumbered.
const (
	chunkTagSessionID       = 1
	chunkTagOffset          = 2
	chunkTagData            = 3
	chunkTagPendingBytes    = 4 // legacy
	chunkTagMaxChunkSize    = 5
	chunkTagMinDelayMicros  = 6
	chunkTagStatus          = 7
	chunkTagType            = 8
	chunkTagResourceID      = 9
	chunkTagProtocolVersion = 10
	chunkTagWindowEndOffset = 11
)

// ProtocolVersion selects whether a session performs the V2 handshake or
// behaves as a Legacy (no-handshake) peer (§4.6).
type ProtocolVersion uint32

const (
	Legacy ProtocolVersion = 0
	V2     ProtocolVersion = 2
)

// Chunk is the transfer protocol's wire message (§3, §6). Optional fields
// (Data, PendingBytes, MaxChunkSize, MinDelayMicroseconds, Status,
// ResourceID, ProtocolVersion, WindowEndOffset) are omitted from the wire
// encoding when left at their zero value, the same convention Packet uses
// for CallID.
type Chunk struct {
	SessionID            uint32
	Offset               uint64
	Data                 []byte
	PendingBytes         uint32
	MaxChunkSize         uint32
	MinDelayMicroseconds uint32
	Status               uint32
	Type                 ChunkType
	ResourceID           uint32
	ProtocolVersion      ProtocolVersion
	WindowEndOffset      uint64
}

func (c *Chunk) EncodedSize() int {
	n := 0
	n += 1 + uvarintSize(uint64(c.SessionID))
	n += 1 + uvarintSize(uint64(c.Type))
	if c.Offset != 0 {
		n += 1 + uvarintSize(c.Offset)
	}
	if len(c.Data) > 0 {
		n += 1 + uvarintSize(uint64(len(c.Data))) + len(c.Data)
	}
	if c.PendingBytes != 0 {
		n += 1 + uvarintSize(uint64(c.PendingBytes))
	}
	if c.MaxChunkSize != 0 {
		n += 1 + uvarintSize(uint64(c.MaxChunkSize))
	}
	if c.MinDelayMicroseconds != 0 {
		n += 1 + uvarintSize(uint64(c.MinDelayMicroseconds))
	}
	if c.Status != 0 {
		n += 1 + uvarintSize(uint64(c.Status))
	}
	if c.ResourceID != 0 {
		n += 1 + uvarintSize(uint64(c.ResourceID))
	}
	if c.ProtocolVersion != 0 {
		n += 1 + uvarintSize(uint64(c.ProtocolVersion))
	}
	if c.WindowEndOffset != 0 {
		n += 1 + uvarintSize(c.WindowEndOffset)
	}
	return n
}

func (c *Chunk) Encode(dst []byte) (int, error) {
	need := c.EncodedSize()
	if len(dst) < need {
		return 0, status.New(status.Internal, "chunk: dst has %d bytes, need %d", len(dst), need)
	}
	n := 0
	n += putTagVarint(dst[n:], chunkTagSessionID, uint64(c.SessionID))
	n += putTagVarint(dst[n:], chunkTagType, uint64(c.Type))
	if c.Offset != 0 {
		n += putTagVarint(dst[n:], chunkTagOffset, c.Offset)
	}
	if len(c.Data) > 0 {
		n += putTagVarint(dst[n:], chunkTagData, uint64(len(c.Data)))
		n += copy(dst[n:], c.Data)
	}
	if c.PendingBytes != 0 {
		n += putTagVarint(dst[n:], chunkTagPendingBytes, uint64(c.PendingBytes))
	}
	if c.MaxChunkSize != 0 {
		n += putTagVarint(dst[n:], chunkTagMaxChunkSize, uint64(c.MaxChunkSize))
	}
	if c.MinDelayMicroseconds != 0 {
		n += putTagVarint(dst[n:], chunkTagMinDelayMicros, uint64(c.MinDelayMicroseconds))
	}
	if c.Status != 0 {
		n += putTagVarint(dst[n:], chunkTagStatus, uint64(c.Status))
	}
	if c.ResourceID != 0 {
		n += putTagVarint(dst[n:], chunkTagResourceID, uint64(c.ResourceID))
	}
	if c.ProtocolVersion != 0 {
		n += putTagVarint(dst[n:], chunkTagProtocolVersion, uint64(c.ProtocolVersion))
	}
	if c.WindowEndOffset != 0 {
		n += putTagVarint(dst[n:], chunkTagWindowEndOffset, c.WindowEndOffset)
	}
	return n, nil
}

func (c *Chunk) AppendEncode() []byte {
	buf := make([]byte, c.EncodedSize())
	n, err := c.Encode(buf)
	status.PanicOn(err)
	return buf[:n]
}

// DecodeChunk parses a Chunk out of src. Like Decode for Packet, it is
// total over malformed input.
func DecodeChunk(src []byte) (*Chunk, error) {
	c := &Chunk{}
	var sawSessionID, sawType bool

	rest := src
	for len(rest) > 0 {
		tag := rest[0]
		rest = rest[1:]
		v, n := binary.Uvarint(rest)
		if n <= 0 {
			return nil, status.New(status.DataLoss, "chunk: truncated or invalid varint for tag %d", tag)
		}
		rest = rest[n:]

		switch tag {
		case chunkTagSessionID:
			c.SessionID = uint32(v)
			sawSessionID = true
		case chunkTagType:
			t := ChunkType(v)
			if !t.valid() {
				return nil, status.New(status.DataLoss, "chunk: invalid type enum value %d", v)
			}
			c.Type = t
			sawType = true
		case chunkTagOffset:
			c.Offset = v
		case chunkTagData:
			length := v
			if uint64(len(rest)) < length {
				return nil, status.New(status.DataLoss, "chunk: data length %d exceeds remaining %d bytes", length, len(rest))
			}
			c.Data = append([]byte(nil), rest[:length]...)
			rest = rest[length:]
		case chunkTagPendingBytes:
			c.PendingBytes = uint32(v)
		case chunkTagMaxChunkSize:
			c.MaxChunkSize = uint32(v)
		case chunkTagMinDelayMicros:
			c.MinDelayMicroseconds = uint32(v)
		case chunkTagStatus:
			c.Status = uint32(v)
		case chunkTagResourceID:
			c.ResourceID = uint32(v)
		case chunkTagProtocolVersion:
			c.ProtocolVersion = ProtocolVersion(v)
		case chunkTagWindowEndOffset:
			c.WindowEndOffset = v
		default:
			return nil, status.New(status.DataLoss, "chunk: unknown field tag %d", tag)
		}
	}

	if !(sawSessionID && sawType) {
		return nil, status.New(status.DataLoss, "chunk: missing required field(s)")
	}
	return c, nil
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
