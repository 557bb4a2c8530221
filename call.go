package rpcstack

import (
	"sync"

	"github.com/tinyrpc/rpcstack/status"
)

// CallKind distinguishes the four shapes a method invocation can take.
type CallKind int

const (
	KindUnary CallKind = iota
	KindServerStream
	KindClientStream
	KindBiDi
)

// CallSide says which endpoint owns this Call object: the client that
// initiated it, or the server that is servicing it.
type CallSide int

const (
	ClientSide CallSide = iota
	ServerSide
)

type callState int

const (
	stateActive callState = iota
	stateAwaitingCompletion
	stateClosed
)

// Callbacks are the user-supplied functions a Call invokes. At most one
// of OnCompleted or OnError fires, at most once, for any call that
// started successfully; exactly one fires when the call is ended by an
// inbound terminal or error packet. A call the client ends locally with
// Cancel or Abandon is closed without invoking either. OnNext never fires
// after the call is closed.
type Callbacks struct {
	OnNext      func(payload []byte)
	OnCompleted func(payload []byte, status uint32)
	OnError     func(status uint32)
}

// ServerHandler services an inbound request for one (service_id,
// method_id) pair. It is invoked with the newly created server-side Call
// already registered in the endpoint and Active; the handler may send an
// immediate response (unary) via call.Finish, or retain the call and
// stream via call.SendServerStream / call.Finish later.
type ServerHandler interface {
	Kind() CallKind
	Handle(call *Call, payload []byte)
}

// ServerHandlerFunc adapts a plain function to ServerHandler for unary
// and simple streaming methods that don't need a dedicated type.
type ServerHandlerFunc struct {
	K CallKind
	F func(call *Call, payload []byte)
}

func (h ServerHandlerFunc) Kind() CallKind                   { return h.K }
func (h ServerHandlerFunc) Handle(call *Call, payload []byte) { h.F(call, payload) }

// Call is the per-invocation state machine of §4.3. Callers never
// construct a Call directly; the client obtains one from
// Endpoint.StartCall and the server receives one as the first argument
// to a ServerHandler.
type Call struct {
	endpoint *Endpoint
	channel  *Channel

	channelID uint32
	serviceID uint32
	methodID  uint32
	callID    uint32

	kind CallKind
	side CallSide

	// mu guards state and cb; it is always acquired as part of the
	// endpoint's single lock discipline (§5) — Call never takes a lock
	// independent of its Endpoint.
	mu    sync.Mutex
	state callState
	cb    Callbacks
}

func (c *Call) key() callKey {
	return callKey{c.channelID, c.serviceID, c.methodID, c.callID}
}

// ChannelID, ServiceID, MethodID, CallID, Kind and Side report the
// call's identity; useful for handlers and logging.
func (c *Call) ChannelID() uint32 { return c.channelID }
func (c *Call) ServiceID() uint32 { return c.serviceID }
func (c *Call) MethodID() uint32  { return c.methodID }
func (c *Call) CallID() uint32    { return c.callID }
func (c *Call) Kind() CallKind    { return c.kind }
func (c *Call) Side() CallSide    { return c.side }

// IsClosed reports whether the call has already delivered its terminal
// callback. Safe to call concurrently.
func (c *Call) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateClosed
}

// handleInbound applies an inbound packet to the call's state machine
// under the endpoint lock, then invokes at most one user callback after
// releasing it (§4.3, §5 callback-under-lock hazard).
func (c *Call) handleInbound(p *Packet) {
	c.endpoint.mu.Lock()

	if c.state == stateClosed {
		c.endpoint.mu.Unlock()
		return
	}

	switch p.Type {
	case ClientStream, ServerStream:
		cb := c.cb.OnNext
		c.endpoint.mu.Unlock()
		if cb != nil {
			cb(p.Payload)
		}
		return

	case Response:
		c.closeLocked()
		cb := c.cb.OnCompleted
		c.endpoint.mu.Unlock()
		if cb != nil {
			cb(p.Payload, p.Status)
		}
		return

	case ClientRequestCompletion:
		// Only meaningful to a server-side call awaiting end-of-stream;
		// treated as a no-op state note since the handler observes
		// end-of-stream via the ServerHandler's own bookkeeping, not a
		// dedicated callback in this minimal callback set.
		c.endpoint.mu.Unlock()
		return

	case ClientError, ServerError:
		c.closeLocked()
		cb := c.cb.OnError
		c.endpoint.mu.Unlock()
		if cb != nil {
			cb(p.Status)
		}
		return

	default:
		c.endpoint.mu.Unlock()
		return
	}
}

// closeLocked transitions the call to Closed and unregisters it from the
// endpoint's call set. Must be called with endpoint.mu held.
func (c *Call) closeLocked() {
	c.state = stateClosed
	delete(c.endpoint.calls, c.key())
}

// terminal packet for a server-stream/bidi call: either endpoint may
// receive a packet type that is "terminal" for that call's shape. Both
// ServerStream (continuing) and Response (unary/client-stream terminal)
// are handled above; a dedicated terminal-for-streaming-call case is not
// needed because the server always finishes a stream with a Response
// packet carrying the final status (§4.3 Finish(status)).

// Cancel requests cancellation of an active client-side call. It is
// idempotent: calling it on an already-Closed call is a no-op. The
// cancellation packet's delivery is best-effort (§5); the call is
// observably Closed as soon as Cancel returns.
func (c *Call) Cancel() error {
	if c.side != ClientSide {
		panic("rpcstack: Cancel is a client-side operation")
	}
	c.endpoint.mu.Lock()
	if c.state == stateClosed {
		c.endpoint.mu.Unlock()
		return nil
	}
	c.closeLocked()
	c.endpoint.mu.Unlock()

	pkt := &Packet{
		Type:      ClientError,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
		Status:    uint32(status.Cancelled),
	}
	return sendEmpty(c.channel, pkt)
}

// Abandon closes the call locally without sending a cancellation packet.
// For a ClientStream or BiDi call it still sends ClientRequestCompletion
// first, for symmetry with RequestCompletion (§9 Open Question (b)).
// After Abandon the call no longer exists in this endpoint's call set, so
// ProcessClientPacket drops further inbound packets for this call_id; no
// FailedPrecondition reply is sent back for them.
func (c *Call) Abandon() {
	if c.side != ClientSide {
		panic("rpcstack: Abandon is a client-side operation")
	}
	c.endpoint.mu.Lock()
	if c.state == stateClosed {
		c.endpoint.mu.Unlock()
		return
	}
	needsCompletion := (c.kind == KindClientStream || c.kind == KindBiDi) && c.state == stateActive
	c.closeLocked()
	c.endpoint.mu.Unlock()

	if needsCompletion {
		pkt := &Packet{
			Type:      ClientRequestCompletion,
			ChannelID: c.channelID,
			ServiceID: c.serviceID,
			MethodID:  c.methodID,
			CallID:    c.callID,
		}
		_ = sendEmpty(c.channel, pkt) // best-effort; Abandon never returns an error
	}
}

// SendClientStream sends a ClientStream payload on an Active ClientStream
// or BiDi call.
func (c *Call) SendClientStream(payload []byte) error {
	if c.side != ClientSide {
		panic("rpcstack: SendClientStream is a client-side operation")
	}
	c.mu.Lock()
	active := c.state == stateActive
	c.mu.Unlock()
	if !active {
		return status.New(status.FailedPrecondition, "call is not Active")
	}
	return sendPayload(c.channel, &Packet{
		Type:      ClientStream,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
	}, payload)
}

// RequestCompletion signals end-of-client-stream on a ClientStream or
// BiDi call, transitioning Active -> AwaitingCompletion.
func (c *Call) RequestCompletion() error {
	if c.side != ClientSide {
		panic("rpcstack: RequestCompletion is a client-side operation")
	}
	c.endpoint.mu.Lock()
	if c.state != stateActive {
		c.endpoint.mu.Unlock()
		return status.New(status.FailedPrecondition, "call is not Active")
	}
	c.state = stateAwaitingCompletion
	c.endpoint.mu.Unlock()

	return sendEmpty(c.channel, &Packet{
		Type:      ClientRequestCompletion,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
	})
}

// --- server-side call operations ---

// SendServerStream sends a ServerStream payload from an Active server
// call.
func (c *Call) SendServerStream(payload []byte) error {
	if c.side != ServerSide {
		panic("rpcstack: SendServerStream is a server-side operation")
	}
	c.mu.Lock()
	active := c.state == stateActive
	c.mu.Unlock()
	if !active {
		return status.New(status.FailedPrecondition, "call is not Active")
	}
	err := sendPayload(c.channel, &Packet{
		Type:      ServerStream,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
	}, payload)
	if err != nil {
		c.finishLocal(status.CodeOf(err))
	}
	return err
}

// Finish sends a terminal Response packet carrying status and closes the
// call. Safe to call exactly once; a second call is a no-op.
func (c *Call) Finish(payload []byte, code status.Code) error {
	if c.side != ServerSide {
		panic("rpcstack: Finish is a server-side operation")
	}
	c.endpoint.mu.Lock()
	if c.state == stateClosed {
		c.endpoint.mu.Unlock()
		return nil
	}
	c.closeLocked()
	c.endpoint.mu.Unlock()

	return sendPayload(c.channel, &Packet{
		Type:      Response,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
		Status:    uint32(code),
	}, payload)
}

// finishLocal closes the call locally (without attempting to send,
// e.g. because sending just failed) and invokes OnError with code, per
// §4.3's "an output-side send failure on a server call closes the call
// and invokes on_error with the underlying status."
func (c *Call) finishLocal(code status.Code) {
	c.endpoint.mu.Lock()
	if c.state == stateClosed {
		c.endpoint.mu.Unlock()
		return
	}
	c.closeLocked()
	cb := c.cb.OnError
	c.endpoint.mu.Unlock()
	if cb != nil {
		cb(uint32(code))
	}
}

// AcquirePayloadBuffer/ReleasePayloadBuffer wrap §4.2's channel buffer
// discipline for server handlers that want to write a streaming payload
// directly into the channel's output buffer instead of staging a slice.
func (c *Call) AcquirePayloadBuffer() ([]byte, error) {
	if _, err := c.channel.AcquireBuffer(); err != nil {
		return nil, err
	}
	template := &Packet{Type: ServerStream, ChannelID: c.channelID, ServiceID: c.serviceID, MethodID: c.methodID, CallID: c.callID}
	buf, err := c.channel.Payload(template)
	if err != nil {
		c.channel.Release()
		return nil, err
	}
	return buf, nil
}

func (c *Call) ReleasePayloadBuffer(n int, buf []byte) error {
	return c.channel.Send(&Packet{
		Type:      ServerStream,
		ChannelID: c.channelID,
		ServiceID: c.serviceID,
		MethodID:  c.methodID,
		CallID:    c.callID,
		Payload:   buf[:n],
	})
}

// sendPayload and sendEmpty acquire the channel's buffer, write payload
// into it, and send. They are the non-streaming-buffer convenience path
// used by client calls and by Finish/SendServerStream.
func sendPayload(ch *Channel, template *Packet, payload []byte) error {
	if _, err := ch.AcquireBuffer(); err != nil {
		return err
	}
	dst, err := ch.Payload(template)
	if err != nil {
		ch.Release()
		return err
	}
	if len(payload) > len(dst) {
		ch.Release()
		return status.New(status.Internal, "payload of %d bytes does not fit in %d available bytes", len(payload), len(dst))
	}
	n := copy(dst, payload)
	template.Payload = dst[:n]
	return ch.Send(template)
}

func sendEmpty(ch *Channel, template *Packet) error {
	return sendPayload(ch, template, nil)
}
