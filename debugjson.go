package rpcstack

import (
	"encoding/binary"

	"github.com/cristalhq/base64"
	json "github.com/goccy/go-json"

	"github.com/tinyrpc/rpcstack/status"
)

// packetDebugView is Packet's JSON debug rendering (§3): human-legible
// field names plus a base64 rendering of CallID, in the spirit of the
// teacher's hdr.go NewCallID/cryRandBytesBase64 (there, CallID is itself
// a random byte string base64-encoded for display; here CallID is a
// wire uint32, so the base64 form is just that uint32's 4 bytes).
type packetDebugView struct {
	Type         string `json:"type"`
	ChannelID    uint32 `json:"channel_id"`
	ServiceID    uint32 `json:"service_id"`
	MethodID     uint32 `json:"method_id"`
	CallID       uint32 `json:"call_id,omitempty"`
	CallIDBase64 string `json:"call_id_base64,omitempty"`
	PayloadLen   int    `json:"payload_len"`
	Status       uint32 `json:"status"`
}

// DebugJSON renders p as indented JSON for logging. It never fails: a
// marshal error (which goccy/go-json cannot produce for this fixed,
// JSON-safe struct) would be a programming error, matching status.PanicOn's
// role elsewhere in this package for conditions that should never happen.
func (p *Packet) DebugJSON() string {
	v := packetDebugView{
		Type:       p.Type.String(),
		ChannelID:  p.ChannelID,
		ServiceID:  p.ServiceID,
		MethodID:   p.MethodID,
		CallID:     p.CallID,
		PayloadLen: len(p.Payload),
		Status:     p.Status,
	}
	if p.CallID != 0 {
		v.CallIDBase64 = id32Base64(p.CallID)
	}
	b, err := json.MarshalIndent(v, "", "  ")
	status.PanicOn(err)
	return string(b)
}

// id32Base64 renders a 4-byte wire id as URL-safe base64, the same
// encoding the teacher's hdr.go uses for its random call ids.
func id32Base64(id uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], id)
	return base64.URLEncoding.EncodeToString(buf[:])
}
