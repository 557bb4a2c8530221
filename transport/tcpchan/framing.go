// Package tcpchan is a net.Conn-backed rpcstack.ChannelOutput: it frames
// each outbound rpcstack.Packet or transfer.Chunk as an 8-byte
// big-endian length prefix followed by the encoded bytes, and hands
// complete frames back to a caller-supplied dispatch function as they
// arrive off the wire.
package tcpchan

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const maxFrame = 1024 * 1024 // 1MB; guards against a misbehaving peer's bogus length prefix

// workspace is a reusable scratch buffer so steady-state traffic does not
// allocate a fresh slice per frame; one is needed per goroutine that
// calls into a given Output concurrently.
type workspace struct {
	buf []byte
}

func newWorkspace(mtu int) *workspace {
	return &workspace{buf: make([]byte, mtu)}
}

// Output is a single net.Conn framed as one rpcstack.ChannelOutput. It is
// safe for one writer at a time (matching rpcstack.Channel's own
// acquire/release discipline) and one reader goroutine running ReadLoop.
type Output struct {
	conn    net.Conn
	name    string
	timeout time.Duration

	mu sync.Mutex
	ws *workspace
}

// NewOutput wraps conn. name is returned by Name(); an empty name reports
// Name()'s ok as false. timeout, if non-zero, bounds every individual
// Read/Write syscall this Output issues.
func NewOutput(conn net.Conn, name string, timeout time.Duration) *Output {
	return &Output{
		conn:    conn,
		name:    name,
		timeout: timeout,
		ws:      newWorkspace(64 * 1024),
	}
}

func (o *Output) Name() (string, bool) {
	return o.name, o.name != ""
}

// AcquireBuffer returns the workspace's scratch buffer. Only one frame
// may be in flight at a time per Output, matching the single
// acquire/release-pair-at-a-time contract rpcstack.Channel already
// enforces on its callers.
func (o *Output) AcquireBuffer() ([]byte, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.ws.buf, nil
}

// SendAndRelease frames the first n bytes of the most recently acquired
// buffer with an 8-byte big-endian length prefix and writes it to conn.
func (o *Output) SendAndRelease(n int) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n > len(o.ws.buf) {
		return fmt.Errorf("tcpchan: send length %d exceeds buffer %d", n, len(o.ws.buf))
	}
	var hdr [8]byte
	binary.BigEndian.PutUint64(hdr[:], uint64(n))
	if err := o.writeFull(hdr[:]); err != nil {
		return err
	}
	return o.writeFull(o.ws.buf[:n])
}

// ReadLoop blocks reading framed messages off conn and calls deliver with
// each frame's payload, until conn errors or is closed. It is meant to
// run in its own goroutine, separate from whatever goroutine calls
// AcquireBuffer/SendAndRelease.
func (o *Output) ReadLoop(deliver func(frame []byte)) error {
	hdrBuf := make([]byte, 8)
	for {
		if err := o.readFull(hdrBuf); err != nil {
			return err
		}
		n := binary.BigEndian.Uint64(hdrBuf)
		if n > maxFrame {
			return fmt.Errorf("tcpchan: frame length %d exceeds max %d", n, maxFrame)
		}
		frame := make([]byte, n)
		if err := o.readFull(frame); err != nil {
			return err
		}
		deliver(frame)
	}
}

func (o *Output) readFull(buf []byte) error {
	if o.timeout > 0 {
		o.conn.SetReadDeadline(time.Now().Add(o.timeout))
	}
	_, err := io.ReadFull(o.conn, buf)
	return err
}

func (o *Output) writeFull(buf []byte) error {
	if o.timeout > 0 {
		o.conn.SetWriteDeadline(time.Now().Add(o.timeout))
	}
	total := 0
	for total < len(buf) {
		n, err := o.conn.Write(buf[total:])
		total += n
		if err != nil {
			return err
		}
	}
	return nil
}

func (o *Output) Close() error { return o.conn.Close() }
