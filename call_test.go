package rpcstack

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/tinyrpc/rpcstack/status"
)

// newLooseCall builds a Call wired to its own Endpoint but with no real
// ChannelOutput attached, for tests that drive handleInbound directly
// without needing a wire round trip.
func newLooseCall(kind CallKind, cb Callbacks) (*Endpoint, *Call) {
	ep := NewClientEndpoint()
	call := &Call{
		endpoint:  ep,
		channelID: 1,
		serviceID: 1,
		methodID:  1,
		callID:    1,
		kind:      kind,
		side:      ClientSide,
		state:     stateActive,
		cb:        cb,
	}
	ep.calls[call.key()] = call
	return ep, call
}

func Test020_on_next_may_fire_many_times_before_terminal_callback(t *testing.T) {
	cv.Convey("A server-stream call's on_next fires once per ServerStream packet", t, func() {
		var nextCount, completedCount int
		_, call := newLooseCall(KindServerStream, Callbacks{
			OnNext:      func(payload []byte) { nextCount++ },
			OnCompleted: func(payload []byte, st uint32) { completedCount++ },
		})

		for i := 0; i < 5; i++ {
			call.handleInbound(&Packet{Type: ServerStream, ChannelID: 1, ServiceID: 1, MethodID: 1, CallID: 1})
		}
		cv.So(nextCount, cv.ShouldEqual, 5)
		cv.So(completedCount, cv.ShouldEqual, 0)
		cv.So(call.IsClosed(), cv.ShouldBeFalse)

		call.handleInbound(&Packet{Type: Response, ChannelID: 1, ServiceID: 1, MethodID: 1, CallID: 1, Status: uint32(status.OK)})
		cv.So(completedCount, cv.ShouldEqual, 1)
		cv.So(call.IsClosed(), cv.ShouldBeTrue)
	})
}

func Test021_terminal_callbacks_are_mutually_exclusive_and_fire_at_most_once(t *testing.T) {
	cv.Convey("Once a call is Closed, further inbound packets never invoke another terminal callback", t, func() {
		var completedCount, errorCount int
		_, call := newLooseCall(KindUnary, Callbacks{
			OnCompleted: func(payload []byte, st uint32) { completedCount++ },
			OnError:     func(st uint32) { errorCount++ },
		})

		call.handleInbound(&Packet{Type: Response, ChannelID: 1, ServiceID: 1, MethodID: 1, CallID: 1, Status: uint32(status.OK)})
		cv.So(completedCount, cv.ShouldEqual, 1)
		cv.So(errorCount, cv.ShouldEqual, 0)

		// A second terminal packet arriving after close (e.g. a racing
		// duplicate) must not invoke any callback again.
		call.handleInbound(&Packet{Type: ServerError, ChannelID: 1, ServiceID: 1, MethodID: 1, CallID: 1, Status: uint32(status.Internal)})
		cv.So(completedCount, cv.ShouldEqual, 1)
		cv.So(errorCount, cv.ShouldEqual, 0)
	})

	cv.Convey("on_error fires exactly once on a call that errors instead of completing", t, func() {
		var completedCount, errorCount int
		var gotStatus uint32
		_, call := newLooseCall(KindUnary, Callbacks{
			OnCompleted: func(payload []byte, st uint32) { completedCount++ },
			OnError: func(st uint32) {
				errorCount++
				gotStatus = st
			},
		})

		call.handleInbound(&Packet{Type: ServerError, ChannelID: 1, ServiceID: 1, MethodID: 1, CallID: 1, Status: uint32(status.Unavailable)})
		cv.So(errorCount, cv.ShouldEqual, 1)
		cv.So(completedCount, cv.ShouldEqual, 0)
		cv.So(gotStatus, cv.ShouldEqual, uint32(status.Unavailable))
		cv.So(call.IsClosed(), cv.ShouldBeTrue)
	})
}

func Test022_cancel_is_idempotent_and_closes_the_call(t *testing.T) {
	cv.Convey("Cancel on an Active call closes it and removes it from the endpoint", t, func() {
		out := newFakeOutput(256)
		ep := NewClientEndpoint()
		ch := NewChannel(1, out)
		call := &Call{endpoint: ep, channel: ch, channelID: 1, serviceID: 1, methodID: 1, callID: 7, kind: KindUnary, side: ClientSide, state: stateActive}
		ep.calls[call.key()] = call

		cv.So(call.Cancel(), cv.ShouldBeNil)
		cv.So(call.IsClosed(), cv.ShouldBeTrue)
		_, stillThere := ep.calls[call.key()]
		cv.So(stillThere, cv.ShouldBeFalse)
		cv.So(len(out.sent), cv.ShouldEqual, 1)

		decoded, err := Decode(out.sent[0])
		cv.So(err, cv.ShouldBeNil)
		cv.So(decoded.Type, cv.ShouldEqual, ClientError)
		cv.So(decoded.Status, cv.ShouldEqual, uint32(status.Cancelled))

		// idempotent: second Cancel is a no-op, no second packet sent
		cv.So(call.Cancel(), cv.ShouldBeNil)
		cv.So(len(out.sent), cv.ShouldEqual, 1)
	})
}

func Test023_abandon_sends_client_request_completion_for_streaming_calls(t *testing.T) {
	cv.Convey("Abandon on a BiDi call sends ClientRequestCompletion before closing", t, func() {
		out := newFakeOutput(256)
		ep := NewClientEndpoint()
		ch := NewChannel(1, out)
		call := &Call{endpoint: ep, channel: ch, channelID: 1, serviceID: 1, methodID: 1, callID: 3, kind: KindBiDi, side: ClientSide, state: stateActive}
		ep.calls[call.key()] = call

		call.Abandon()
		cv.So(call.IsClosed(), cv.ShouldBeTrue)
		cv.So(len(out.sent), cv.ShouldEqual, 1)

		decoded, err := Decode(out.sent[0])
		cv.So(err, cv.ShouldBeNil)
		cv.So(decoded.Type, cv.ShouldEqual, ClientRequestCompletion)
	})

	cv.Convey("Abandon on a unary call sends nothing, it just closes", t, func() {
		out := newFakeOutput(256)
		ep := NewClientEndpoint()
		ch := NewChannel(1, out)
		call := &Call{endpoint: ep, channel: ch, channelID: 1, serviceID: 1, methodID: 1, callID: 4, kind: KindUnary, side: ClientSide, state: stateActive}
		ep.calls[call.key()] = call

		call.Abandon()
		cv.So(call.IsClosed(), cv.ShouldBeTrue)
		cv.So(len(out.sent), cv.ShouldEqual, 0)
	})
}
