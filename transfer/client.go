package transfer

import (
	"io"
	"sync"

	"github.com/glycerine/loquet"

	"github.com/tinyrpc/rpcstack/status"
)

// TransferHandle identifies one client-initiated transfer (§4.8). Its zero
// value is the unassigned handle: CancelTransfer on it is a no-op
// (Scenario F). A handle's id doubles as its session's SessionID, since
// the client mints session_id fresh at Read/Write time and the id never
// changes thereafter (a server may commit a different id only by way of
// TransferStartAck, which this implementation declines to exercise --
// see DESIGN.md).
type TransferHandle struct {
	id uint32
	s  *session
}

// Done returns the transfer's one-shot completion signal: the channel
// from WhenClosed() becomes ready exactly once, when the transfer
// terminates, the same DoneCh idiom the teacher's ckt.go/hdr.go use. The
// terminal status is then available from Err(). Returns nil for the
// unassigned handle.
func (h TransferHandle) Done() *loquet.Chan[bool] {
	if h.s == nil {
		return nil
	}
	return h.s.done
}

// Err reports the terminal status of a finished transfer. Reading it
// before Done()'s WhenClosed() channel fires returns a zero value
// (status.OK) that does not yet mean anything.
func (h TransferHandle) Err() status.Code {
	if h.s == nil {
		return status.OK
	}
	return h.s.resultCode
}

// Transport is the narrow capability Client needs from whatever carries
// chunks to the peer (an RPC bidi-streaming call, in production). Open is
// called once per session, at Read/Write time, and returns the function
// the session uses to send every chunk for its lifetime.
type Transport interface {
	Open(sessionID uint32) (send func(*Chunk) error, err error)
}

// Client is the user-facing façade of §4.8: it owns the handle counter
// and forwards Read/Write/CancelTransfer requests onto a Thread, where
// all actual session state lives.
type Client struct {
	thread    *Thread
	transport Transport
	cfg       Config

	mu           sync.Mutex
	nextHandleID uint32
}

// NewClient returns a Client driving sessions through thread and opening
// new ones via transport. cfg supplies the defaults for Read/Write calls
// that don't override them.
func NewClient(thread *Thread, transport Transport, cfg Config) *Client {
	return &Client{
		thread:       thread,
		transport:    transport,
		cfg:          cfg,
		nextHandleID: 1, // 0 is reserved for the unassigned handle
	}
}

func (c *Client) newHandle() TransferHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandleID
	c.nextHandleID++
	if c.nextHandleID == 0 {
		c.nextHandleID = 1
	}
	return TransferHandle{id: id}
}

// Read starts a read transfer (client is the sink): resourceID's bytes
// are written to w as they arrive. onCompletion, if non-nil, fires
// exactly once on the transfer thread with the terminal status.
func (c *Client) Read(resourceID uint32, w io.Writer, version ProtocolVersion, onCompletion func(status.Code)) (TransferHandle, error) {
	return c.start(resourceID, version, onCompletion, true, w, nil)
}

// Write starts a write transfer (client is the source): resourceID's
// bytes are read from r, which must support Seek so a Parameters rewind
// can resend bytes the peer never actually accepted.
func (c *Client) Write(resourceID uint32, r io.ReadSeeker, version ProtocolVersion, onCompletion func(status.Code)) (TransferHandle, error) {
	return c.start(resourceID, version, onCompletion, false, nil, r)
}

func (c *Client) start(resourceID uint32, version ProtocolVersion, onCompletion func(status.Code), amSink bool, w io.Writer, r io.ReadSeeker) (TransferHandle, error) {
	if version == 0 {
		version = c.cfg.DefaultProtocolVersion
	}
	h := c.newHandle()
	send, err := c.transport.Open(h.id)
	if err != nil {
		return TransferHandle{}, status.New(status.Unavailable, "transfer: opening transport for session %d: %v", h.id, err)
	}
	s := &session{
		id:           h.id,
		resourceID:   resourceID,
		isClient:     true,
		amSink:       amSink,
		version:      version,
		cfg:          c.cfg,
		writer:       w,
		reader:       r,
		send:         send,
		onCompletion: onCompletion,
		done:         loquet.NewChan[bool](nil),
		thread:       c.thread,
	}
	h.s = s
	c.thread.enqueue(event{kind: evNewClientTransfer, newSession: s})
	return h, nil
}

// CancelTransfer requests that handle's transfer stop with status
// Cancelled. A no-op on the unassigned handle (Scenario F) or a handle
// whose transfer already finished.
func (c *Client) CancelTransfer(handle TransferHandle) {
	if handle.id == 0 {
		return
	}
	c.thread.enqueue(event{kind: evCancelTransfer, handle: handle})
}

// DeliverChunk feeds an inbound chunk addressed to one of this client's
// sessions into the transfer thread. dir and deliver are meaningless on
// the client side (a client session already knows its own send function
// from Transport.Open) and are passed as zero values.
func (c *Client) DeliverChunk(raw []byte) {
	c.thread.DeliverChunk(raw, DirRead, nil)
}
