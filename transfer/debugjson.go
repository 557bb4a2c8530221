package transfer

import (
	"encoding/binary"

	"github.com/cristalhq/base64"
	json "github.com/goccy/go-json"

	"github.com/tinyrpc/rpcstack/status"
)

// chunkDebugView is Chunk's JSON debug rendering, mirroring
// Packet.DebugJSON in the root package: SessionID is additionally shown
// base64-encoded the way the teacher's hdr.go renders its call ids.
type chunkDebugView struct {
	SessionID       uint32 `json:"session_id"`
	SessionIDBase64 string `json:"session_id_base64,omitempty"`
	Type            string `json:"type"`
	Offset          uint64 `json:"offset,omitempty"`
	DataLen         int    `json:"data_len,omitempty"`
	PendingBytes    uint32 `json:"pending_bytes,omitempty"`
	MaxChunkSize    uint32 `json:"max_chunk_size,omitempty"`
	MinDelayMicros  uint32 `json:"min_delay_micros,omitempty"`
	Status          uint32 `json:"status,omitempty"`
	ResourceID      uint32 `json:"resource_id,omitempty"`
	ProtocolVersion uint32 `json:"protocol_version,omitempty"`
	WindowEndOffset uint64 `json:"window_end_offset,omitempty"`
}

// DebugJSON renders c as indented JSON for logging.
func (c *Chunk) DebugJSON() string {
	v := chunkDebugView{
		SessionID:       c.SessionID,
		Type:            c.Type.String(),
		Offset:          c.Offset,
		DataLen:         len(c.Data),
		PendingBytes:    c.PendingBytes,
		MaxChunkSize:    c.MaxChunkSize,
		MinDelayMicros:  c.MinDelayMicroseconds,
		Status:          c.Status,
		ResourceID:      c.ResourceID,
		ProtocolVersion: uint32(c.ProtocolVersion),
		WindowEndOffset: c.WindowEndOffset,
	}
	if c.SessionID != 0 {
		v.SessionIDBase64 = sessionIDBase64(c.SessionID)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	status.PanicOn(err)
	return string(b)
}

// sessionIDBase64 renders a 4-byte wire id as URL-safe base64, the same
// encoding the teacher's hdr.go uses for its random call ids.
func sessionIDBase64(id uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return base64.URLEncoding.EncodeToString(buf[:])
}
