package rpcstack

import (
	"sync"

	"github.com/tinyrpc/rpcstack/internal/vlog"
	"github.com/tinyrpc/rpcstack/status"
)

// callKey identifies a Call within an endpoint's call set by the full
// (channel, service, method, call_id) quadruple of §4.3.
type callKey struct {
	channelID uint32
	serviceID uint32
	methodID  uint32
	callID    uint32
}

// Endpoint owns one side (client or server) of the call multiplexing
// layer: a single mutex guarding the call set and each call's mutable
// state (§5's single global lock), plus, for a server endpoint, the
// channel-slot table and method registry.
//
// A Call is registered in exactly one Endpoint's call set while it is not
// Closed (§4.3 invariant); handleInbound removes it from the set in the
// same locked section that transitions it to Closed.
type Endpoint struct {
	mu         sync.Mutex
	side       CallSide
	calls      map[callKey]*Call
	nextCallID uint32

	// server-only fields; nil/zero on a client endpoint.
	registry    *Registry
	channels    map[uint32]*Channel
	maxChannels int
}

// NewClientEndpoint returns an Endpoint that originates calls and
// dispatches inbound Response/ServerStream/ServerError packets to them
// (§4.5).
func NewClientEndpoint() *Endpoint {
	return &Endpoint{
		side:     ClientSide,
		calls:    make(map[callKey]*Call),
		channels: make(map[uint32]*Channel),
		// nextCallID starts at 1: call_id 0 is reserved to mean
		// "legacy/unassigned" (§3).
		nextCallID: 1,
	}
}

// NewServerEndpoint returns an Endpoint that services inbound Request
// packets via registry and binds at most maxChannels distinct channel ids
// at a time (§4.4). maxChannels <= 0 means unbounded.
func NewServerEndpoint(registry *Registry, maxChannels int) *Endpoint {
	return &Endpoint{
		side:        ServerSide,
		calls:       make(map[callKey]*Call),
		channels:    make(map[uint32]*Channel),
		registry:    registry,
		maxChannels: maxChannels,
	}
}

// StartCall originates a client call of kind on ch, sending an initial
// Request packet carrying payload. The call is registered before the
// Request goes out, so a reply that the output delivers synchronously
// (before StartCall returns) still reaches it; the returned Call may
// therefore already be Closed. On a send failure the call is removed
// from the call set again and the returned error should be treated as
// "never started" (§4.3: on_error/on_completed are never invoked for a
// call that failed to start).
func (e *Endpoint) StartCall(ch *Channel, serviceID, methodID uint32, kind CallKind, payload []byte, cb Callbacks) (*Call, error) {
	if e.side != ClientSide {
		panic("rpcstack: StartCall is a client-endpoint operation")
	}

	e.mu.Lock()
	callID := e.nextCallID
	e.nextCallID++
	if e.nextCallID == 0 {
		e.nextCallID = 1 // wrap past the reserved zero value
	}
	e.channels[ch.id] = ch
	e.mu.Unlock()

	call := &Call{
		endpoint:  e,
		channel:   ch,
		channelID: ch.id,
		serviceID: serviceID,
		methodID:  methodID,
		callID:    callID,
		kind:      kind,
		side:      ClientSide,
		state:     stateActive,
		cb:        cb,
	}

	e.mu.Lock()
	e.calls[call.key()] = call
	e.mu.Unlock()

	if err := sendPayload(ch, &Packet{
		Type:      Request,
		ChannelID: ch.id,
		ServiceID: serviceID,
		MethodID:  methodID,
		CallID:    callID,
	}, payload); err != nil {
		e.mu.Lock()
		delete(e.calls, call.key())
		e.mu.Unlock()
		return nil, err
	}

	return call, nil
}

// ProcessClientPacket decodes raw and dispatches it to the matching
// client-side call (§4.5). A packet whose call_id is 0 (a legacy peer
// that never echoed one back) is matched to the active call with the
// lowest call_id on the same (channel, service, method); otherwise exact (channel, service,
// method, call_id) match is required. A packet matching no call is
// dropped.
func (e *Endpoint) ProcessClientPacket(raw []byte) error {
	if e.side != ClientSide {
		panic("rpcstack: ProcessClientPacket is a client-endpoint operation")
	}
	p, err := Decode(raw)
	if err != nil {
		vlog.VV("rpcstack: client dropping undecodable packet: %v", err)
		return err
	}

	call := e.lookupForDispatch(p)
	if call == nil {
		vlog.VV("rpcstack: client dropping packet %v for unknown call (channel=%d service=%d method=%d call=%d)",
			p.Type, p.ChannelID, p.ServiceID, p.MethodID, p.CallID)
		return nil
	}
	call.handleInbound(p)
	return nil
}

// ProcessServerPacket decodes raw, binds output to p's channel id if
// unseen, and routes the packet per §4.4: to an existing call when one
// matches, to a freshly registered call via the registry on an unmatched
// Request, or to a FailedPrecondition/NotFound reply otherwise.
func (e *Endpoint) ProcessServerPacket(raw []byte, output ChannelOutput) error {
	if e.side != ServerSide {
		panic("rpcstack: ProcessServerPacket is a server-endpoint operation")
	}
	p, err := Decode(raw)
	if err != nil {
		vlog.VV("rpcstack: server dropping undecodable packet: %v", err)
		return err
	}

	ch, err := e.bindChannel(p.ChannelID, output)
	if err != nil {
		return err
	}

	e.mu.Lock()
	call, found := e.calls[callKey{p.ChannelID, p.ServiceID, p.MethodID, p.CallID}]
	e.mu.Unlock()

	if found {
		call.handleInbound(p)
		return nil
	}

	switch p.Type {
	case Request:
		return e.acceptRequest(ch, p)
	case ClientError:
		return nil // drop: don't answer an error with an error
	default:
		return e.replyError(ch, p, ServerError, status.FailedPrecondition,
			"no such call (channel=%d service=%d method=%d call=%d)", p.ChannelID, p.ServiceID, p.MethodID, p.CallID)
	}
}

func (e *Endpoint) acceptRequest(ch *Channel, p *Packet) error {
	handler, ok := e.registry.Lookup(p.ServiceID, p.MethodID)
	if !ok {
		return e.replyError(ch, p, ServerError, status.NotFound,
			"no handler for service %d method %d", p.ServiceID, p.MethodID)
	}

	call := &Call{
		endpoint:  e,
		channel:   ch,
		channelID: p.ChannelID,
		serviceID: p.ServiceID,
		methodID:  p.MethodID,
		callID:    p.CallID,
		kind:      handler.Kind(),
		side:      ServerSide,
		state:     stateActive,
	}

	e.mu.Lock()
	e.calls[call.key()] = call
	e.mu.Unlock()

	handler.Handle(call, p.Payload)
	return nil
}

// replyError sends an empty payload error packet of typ carrying code
// back on ch. A failure to send is logged, not propagated: the caller
// already has nothing further to do with a reply that couldn't go out.
func (e *Endpoint) replyError(ch *Channel, p *Packet, typ PacketType, code status.Code, format string, a ...interface{}) error {
	err := sendEmpty(ch, &Packet{
		Type:      typ,
		ChannelID: p.ChannelID,
		ServiceID: p.ServiceID,
		MethodID:  p.MethodID,
		CallID:    p.CallID,
		Status:    uint32(code),
	})
	if err != nil {
		vlog.VV("rpcstack: failed to send %v=%v reply: %v", typ, code, err)
	}
	vlog.VV("rpcstack: replying %v=%v: "+format, append([]interface{}{typ, code}, a...)...)
	return err
}

// bindChannel returns the Channel for channelID, binding output into a
// free slot on first sight (§4.4 step 2). It returns a
// *status.Error{Code: ResourceExhausted} if channelID is unknown and the
// server's channel table is already at maxChannels.
func (e *Endpoint) bindChannel(channelID uint32, output ChannelOutput) (*Channel, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if ch, ok := e.channels[channelID]; ok {
		return ch, nil
	}
	if e.maxChannels > 0 && len(e.channels) >= e.maxChannels {
		return nil, status.New(status.ResourceExhausted, "no free channel slot for channel id %d (%d/%d in use)", channelID, len(e.channels), e.maxChannels)
	}
	ch := NewChannel(channelID, output)
	e.channels[channelID] = ch
	return ch, nil
}

// lookupForDispatch implements the client-side call_id==0 legacy fallback
// of §4.5: scan the call set for the Active/AwaitingCompletion call on the
// same (channel, service, method) with the lowest call_id, i.e. the first
// one started (call ids are handed out in increasing order).
func (e *Endpoint) lookupForDispatch(p *Packet) *Call {
	e.mu.Lock()
	defer e.mu.Unlock()

	if p.CallID != 0 {
		return e.calls[callKey{p.ChannelID, p.ServiceID, p.MethodID, p.CallID}]
	}
	var first *Call
	for key, call := range e.calls {
		if key.channelID == p.ChannelID && key.serviceID == p.ServiceID && key.methodID == p.MethodID {
			if first == nil || key.callID < first.callID {
				first = call
			}
		}
	}
	return first
}
