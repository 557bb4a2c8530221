package transfer

import (
	"bytes"
	"io"
	"sync"
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/tinyrpc/rpcstack/status"
)

// memResources is a ResourceHandler backed by a single in-memory buffer,
// enough to drive the scenario tests without a real filesystem.
type memResources struct {
	mu   sync.Mutex
	data map[uint32][]byte
}

func newMemResources() *memResources { return &memResources{data: make(map[uint32][]byte)} }

func (r *memResources) OpenForRead(resourceID uint32) (io.ReadSeeker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return bytes.NewReader(append([]byte(nil), r.data[resourceID]...)), nil
}

func (r *memResources) OpenForWrite(resourceID uint32) (io.Writer, error) {
	return &memWriter{res: r, id: resourceID}, nil
}

type memWriter struct {
	res *memResources
	id  uint32
	buf bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) {
	n, err := w.buf.Write(p)
	w.res.mu.Lock()
	w.res.data[w.id] = append([]byte(nil), w.buf.Bytes()...)
	w.res.mu.Unlock()
	return n, err
}

// pipeToServer is the client-side Transport: it hands every chunk a
// client session sends straight to the server thread, tagged with a
// fixed Direction (this test never mixes directions on one pipe).
//
// deliver and dropForward are both optional loss-injection hooks for
// scenario tests that need to model a lost chunk without tearing down
// the pipe: deliver replaces the default reply deliverer (so a reply
// chunk, server -> client, can be selectively swallowed), and
// dropForward, when it returns true, swallows a chunk before it ever
// reaches the server (client -> server).
type pipeToServer struct {
	server *Thread
	client *Client
	dir    Direction

	deliver     func(client *Client) ChannelOutputDeliverer
	dropForward func(*Chunk) bool
}

func (p *pipeToServer) Open(sessionID uint32) (func(*Chunk) error, error) {
	var d ChannelOutputDeliverer
	if p.deliver != nil {
		d = p.deliver(p.client)
	} else {
		d = &deliverToClient{p.client}
	}
	return func(c *Chunk) error {
		if p.dropForward != nil && p.dropForward(c) {
			return nil
		}
		p.server.DeliverChunk(c.AppendEncode(), p.dir, d)
		return nil
	}, nil
}

// deliverToClient is the ChannelOutputDeliverer the server uses to reply
// to a particular client session.
type deliverToClient struct {
	client *Client
}

func (d *deliverToClient) SendChunk(c *Chunk) error {
	d.client.DeliverChunk(c.AppendEncode())
	return nil
}

// dropNthDeliver wraps a ChannelOutputDeliverer and swallows exactly the
// n-th chunk (1-indexed) of dropType it sees, forwarding everything else
// -- a single lost reply chunk, not a severed pipe.
type dropNthDeliver struct {
	inner    ChannelOutputDeliverer
	dropType ChunkType
	n        int
	seen     int
	dropped  bool
}

func (d *dropNthDeliver) SendChunk(c *Chunk) error {
	if c.Type == d.dropType {
		d.seen++
		if d.seen == d.n && !d.dropped {
			d.dropped = true
			return nil
		}
	}
	return d.inner.SendChunk(c)
}

func runScenario(t *testing.T, dir Direction, resourceID uint32, seed []byte) (code status.Code, written []byte) {
	serverThread := NewThread(16)
	clientThread := NewThread(16)

	resources := newMemResources()
	if dir == DirRead {
		resources.data[resourceID] = seed
	}
	NewServer(serverThread, resources, DefaultConfig())

	var client *Client
	transport := &pipeToServer{server: serverThread, dir: dir}
	client = NewClient(clientThread, transport, DefaultConfig())
	transport.client = client

	go serverThread.Run()
	go clientThread.Run()
	defer func() {
		serverThread.Shutdown()
		clientThread.Shutdown()
	}()

	done := make(chan status.Code, 1)
	onCompletion := func(c status.Code) { done <- c }

	if dir == DirRead {
		var buf bytes.Buffer
		_, err := client.Read(resourceID, &buf, V2, onCompletion)
		cv.So(err, cv.ShouldBeNil)
		select {
		case code = <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for read transfer completion")
		}
		return code, buf.Bytes()
	}

	_, err := client.Write(resourceID, bytes.NewReader(seed), V2, onCompletion)
	cv.So(err, cv.ShouldBeNil)
	select {
	case code = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for write transfer completion")
	}
	resources.mu.Lock()
	written = append([]byte(nil), resources.data[resourceID]...)
	resources.mu.Unlock()
	return code, written
}

func Test200_scenario_read_transfer_with_no_loss(t *testing.T) {
	cv.Convey("A client Read of a small resource completes with OK and the exact bytes", t, func() {
		seed := bytes.Repeat([]byte("abcd"), 100)
		code, got := runScenario(t, DirRead, 1, seed)
		cv.So(code, cv.ShouldEqual, status.OK)
		cv.So(string(got), cv.ShouldEqual, string(seed))
	})
}

func Test201_scenario_write_transfer_with_no_loss(t *testing.T) {
	cv.Convey("A client Write of a small resource completes with OK and lands the exact bytes server-side", t, func() {
		seed := bytes.Repeat([]byte("wxyz"), 100)
		code, got := runScenario(t, DirWrite, 2, seed)
		cv.So(code, cv.ShouldEqual, status.OK)
		cv.So(string(got), cv.ShouldEqual, string(seed))
	})
}

func Test202_scenario_cancel_unassigned_handle_is_a_no_op(t *testing.T) {
	cv.Convey("Cancelling the zero-value TransferHandle does nothing observable", t, func() {
		clientThread := NewThread(4)
		go clientThread.Run()
		defer clientThread.Shutdown()

		client := NewClient(clientThread, &pipeToServer{server: NewThread(4), dir: DirRead}, DefaultConfig())
		cv.So(func() { client.CancelTransfer(TransferHandle{}) }, cv.ShouldNotPanic)
	})
}

// Test210 is Scenario D: a single lost Data chunk mid-stream makes the
// sink re-anchor at its window_start (one Retransmit Parameters per
// out-of-order chunk that follows the gap), the source resends from
// there, and the
// transfer still completes with the exact bytes afterward. A window
// bigger than one chunk (MaxBytesToReceive > MaxChunkSize) is required
// for the loss to land mid-window rather than at the transfer's very
// last chunk, where the source would otherwise send Completion right
// behind the lost chunk regardless of whether it arrived.
func Test210_scenario_single_lost_data_chunk_triggers_resend(t *testing.T) {
	cv.Convey("A single lost Data chunk triggers a resend from the re-anchored window_start and the transfer still completes correctly", t, func() {
		seed := bytes.Repeat([]byte("0123456789"), 1000) // 10000 bytes, several windows

		cfg := DefaultConfig()
		cfg.MaxBytesToReceive = 4096      // 4 chunks per window
		cfg.ExtendWindowDivisor = 1 << 30 // disable early extension: a window only advances once fully consumed, keeping the round trips this test reasons about deterministic
		cfg.Timeout = 300 * time.Millisecond

		serverThread := NewThread(16)
		clientThread := NewThread(16)

		resources := newMemResources()
		resources.data[3] = seed
		NewServer(serverThread, resources, cfg)

		transport := &pipeToServer{server: serverThread, dir: DirRead}
		var dropped *dropNthDeliver
		transport.deliver = func(client *Client) ChannelOutputDeliverer {
			dropped = &dropNthDeliver{inner: &deliverToClient{client}, dropType: TransferData, n: 2}
			return dropped
		}
		client := NewClient(clientThread, transport, cfg)
		transport.client = client

		go serverThread.Run()
		go clientThread.Run()
		defer func() {
			serverThread.Shutdown()
			clientThread.Shutdown()
		}()

		done := make(chan status.Code, 1)
		var buf bytes.Buffer
		_, err := client.Read(3, &buf, V2, func(c status.Code) { done <- c })
		cv.So(err, cv.ShouldBeNil)

		select {
		case code := <-done:
			cv.So(code, cv.ShouldEqual, status.OK)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for read transfer completion after a lost chunk")
		}
		cv.So(buf.String(), cv.ShouldEqual, string(seed))
		cv.So(dropped.dropped, cv.ShouldBeTrue)
	})
}

// Test211 is Scenario E: a write transfer whose Data chunks never reach
// the sink exhausts its retry budget and terminates with
// status.DeadlineExceeded rather than retrying forever.
func Test211_scenario_write_retry_exhaustion_deadline_exceeded(t *testing.T) {
	cv.Convey("A write transfer that can never deliver Data exhausts its retry budget and ends DeadlineExceeded", t, func() {
		cfg := DefaultConfig()
		cfg.MaxRetries = 2
		cfg.MaxLifetimeRetries = 2
		cfg.Timeout = 100 * time.Millisecond
		cfg.InitialChunkTimeout = 200 * time.Millisecond

		serverThread := NewThread(16)
		clientThread := NewThread(16)

		resources := newMemResources()
		NewServer(serverThread, resources, cfg)

		transport := &pipeToServer{
			server: serverThread,
			dir:    DirWrite,
			dropForward: func(c *Chunk) bool {
				return c.Type == TransferData // every Data chunk is lost in flight
			},
		}
		client := NewClient(clientThread, transport, cfg)
		transport.client = client

		go serverThread.Run()
		go clientThread.Run()
		defer func() {
			serverThread.Shutdown()
			clientThread.Shutdown()
		}()

		done := make(chan status.Code, 1)
		seed := bytes.Repeat([]byte("z"), 200)
		_, err := client.Write(4, bytes.NewReader(seed), V2, func(c status.Code) { done <- c })
		cv.So(err, cv.ShouldBeNil)

		select {
		case code := <-done:
			cv.So(code, cv.ShouldEqual, status.DeadlineExceeded)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for write transfer to give up")
		}
	})
}
