package rpcstack

import (
	"strconv"
	"sync"

	"github.com/tinyrpc/rpcstack/status"
)

// ChannelOutput is the narrow capability a Channel sends through. It is
// supplied by the link/driver layer, which is explicitly out of scope for
// this core (§1) — rpcstack never looks inside it. See transport/tcpchan
// for a net.Conn-backed reference implementation.
type ChannelOutput interface {
	// AcquireBuffer returns a mutable span sized to the output's maximum
	// MTU. At most one buffer may be outstanding per channel at a time;
	// acquiring again before SendAndRelease is a programming error.
	AcquireBuffer() ([]byte, error)

	// SendAndRelease transmits the first n bytes of the most recently
	// acquired buffer and releases it back to the output.
	SendAndRelease(n int) error

	// Name reports a human-legible name for the output, if any. ok is
	// false for an unnamed ("null-named") output.
	Name() (name string, ok bool)
}

// Channel is a named bidirectional byte sink/source identified by a
// numeric channel id (§3). id must be non-zero.
type Channel struct {
	id     uint32
	output ChannelOutput

	mu       sync.Mutex
	acquired bool
	buf      []byte
	reserved int
}

// NewChannel constructs a Channel. It panics if id is zero, per the
// Channel.id != 0 invariant of §3 — this is a programmer error, not a
// recoverable condition.
func NewChannel(id uint32, output ChannelOutput) *Channel {
	if id == 0 {
		panic("rpcstack: Channel id must be non-zero")
	}
	if output == nil {
		panic("rpcstack: Channel output must not be nil")
	}
	return &Channel{id: id, output: output}
}

func (c *Channel) ID() uint32 { return c.id }

// Name forwards to the underlying ChannelOutput's Name().
func (c *Channel) Name() (string, bool) { return c.output.Name() }

// AcquireBuffer acquires the output's buffer for this channel. Acquiring
// a second time before Send or Release is a programming error and
// panics, matching §4.2's "the core may assert" allowance — callers are
// expected to serialize acquire/release pairs via the endpoint lock (§5).
func (c *Channel) AcquireBuffer() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.acquired {
		panic("rpcstack: reentrant AcquireBuffer on channel " + itoa(c.id) + " before release")
	}
	buf, err := c.output.AcquireBuffer()
	if err != nil {
		return nil, err
	}
	c.acquired = true
	c.buf = buf
	c.reserved = 0
	return buf, nil
}

// Payload returns the sub-span of the most recently acquired buffer left
// after reserving header bytes for template (at least MinHeaderSize).
// The reservation is an upper bound on the template's eventual encoded
// header size: the payload length field's varint size is estimated using
// the full buffer capacity, so it never under-reserves once the real
// payload length is known at Send time.
func (c *Channel) Payload(template *Packet) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		panic("rpcstack: Payload called on channel " + itoa(c.id) + " without an acquired buffer")
	}
	reserve := headerUpperBound(template, len(c.buf))
	if reserve > len(c.buf) {
		return nil, status.New(status.Internal, "channel %d: output buffer (%d bytes) smaller than reserved header (%d bytes)", c.id, len(c.buf), reserve)
	}
	c.reserved = reserve
	return c.buf[reserve:], nil
}

// Release aborts an acquired buffer without sending, returning it to the
// output. Used on error paths where a packet could not be completed.
func (c *Channel) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquired = false
	c.buf = nil
	c.reserved = 0
}

// Send serializes p into the acquired buffer's prefix and calls
// SendAndRelease. p.Payload must be the (possibly partially filled) slice
// returned by a prior Payload call on this channel, truncated to the
// actual number of bytes written. Send always releases the outstanding
// buffer, whether or not it succeeds.
func (c *Channel) Send(p *Packet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.acquired {
		panic("rpcstack: Send called on channel " + itoa(c.id) + " without an acquired buffer")
	}
	defer func() {
		c.acquired = false
		c.buf = nil
		c.reserved = 0
	}()

	buf := c.buf
	need := p.EncodedSize()
	if need > len(buf) {
		return status.New(status.Internal, "channel %d: encoded packet (%d bytes) does not fit in output buffer (%d bytes)", c.id, need, len(buf))
	}
	n, err := p.Encode(buf)
	if err != nil {
		return err
	}
	return c.output.SendAndRelease(n)
}

// headerUpperBound estimates the encoded size of template's non-payload
// fields plus the payload tag and an upper-bound length varint sized for
// a payload as large as capacity allows.
func headerUpperBound(template *Packet, capacity int) int {
	n := 0
	n += 1 + uvarintSize(uint64(template.Type))
	n += 1 + uvarintSize(uint64(template.ChannelID))
	n += 1 + uvarintSize(uint64(template.ServiceID))
	n += 1 + uvarintSize(uint64(template.MethodID))
	n += 1 + uvarintSize(uint64(capacity)) // payload length upper bound
	n += 1 + uvarintSize(uint64(template.Status))
	if template.CallID != 0 {
		n += 1 + uvarintSize(uint64(template.CallID))
	}
	return n
}

func itoa(v uint32) string {
	return strconv.FormatUint(uint64(v), 10)
}
