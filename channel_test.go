package rpcstack

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
	"github.com/tinyrpc/rpcstack/status"
)

// fakeOutput is a minimal in-memory ChannelOutput, standing in for the
// link/driver layer that is out of scope for this core.
type fakeOutput struct {
	name    string
	mtu     int
	buf     []byte
	sent    [][]byte
	failAll bool
}

func newFakeOutput(mtu int) *fakeOutput {
	return &fakeOutput{mtu: mtu}
}

func (f *fakeOutput) AcquireBuffer() ([]byte, error) {
	f.buf = make([]byte, f.mtu)
	return f.buf, nil
}

func (f *fakeOutput) SendAndRelease(n int) error {
	if f.failAll {
		return status.New(status.Unavailable, "fake link down")
	}
	out := append([]byte(nil), f.buf[:n]...)
	f.sent = append(f.sent, out)
	f.buf = nil
	return nil
}

func (f *fakeOutput) Name() (string, bool) {
	if f.name == "" {
		return "", false
	}
	return f.name, true
}

func Test004_channel_payload_reserves_header_room_correctly(t *testing.T) {
	cv.Convey("Given an acquired channel buffer, Payload leaves room for the eventual header", t, func() {
		out := newFakeOutput(256)
		ch := NewChannel(3, out)

		_, err := ch.AcquireBuffer()
		cv.So(err, cv.ShouldBeNil)

		template := &Packet{Type: Request, ChannelID: 3, ServiceID: 1, MethodID: 1}
		dst, err := ch.Payload(template)
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(dst) < 256, cv.ShouldBeTrue)

		n := copy(dst, []byte("payload bytes"))
		template.Payload = dst[:n]
		err = ch.Send(template)
		cv.So(err, cv.ShouldBeNil)
		cv.So(len(out.sent), cv.ShouldEqual, 1)

		decoded, err := Decode(out.sent[0])
		cv.So(err, cv.ShouldBeNil)
		cv.So(string(decoded.Payload), cv.ShouldEqual, "payload bytes")
	})

	cv.Convey("Reentrant AcquireBuffer before Release or Send panics", t, func() {
		out := newFakeOutput(256)
		ch := NewChannel(5, out)
		_, err := ch.AcquireBuffer()
		cv.So(err, cv.ShouldBeNil)

		cv.So(func() { ch.AcquireBuffer() }, cv.ShouldPanic)
	})
}

func Test005_channel_name_passes_through_to_output(t *testing.T) {
	cv.Convey("A named output's Name() is visible through the Channel", t, func() {
		out := newFakeOutput(64)
		out.name = "uart0"
		ch := NewChannel(1, out)
		name, ok := ch.Name()
		cv.So(ok, cv.ShouldBeTrue)
		cv.So(name, cv.ShouldEqual, "uart0")
	})

	cv.Convey("An unnamed output reports ok=false", t, func() {
		out := newFakeOutput(64)
		ch := NewChannel(2, out)
		_, ok := ch.Name()
		cv.So(ok, cv.ShouldBeFalse)
	})
}

func Test006_channel_constructor_rejects_zero_id_and_nil_output(t *testing.T) {
	cv.Convey("NewChannel panics on a zero id or a nil output", t, func() {
		out := newFakeOutput(64)
		cv.So(func() { NewChannel(0, out) }, cv.ShouldPanic)
		cv.So(func() { NewChannel(1, nil) }, cv.ShouldPanic)
	})
}
