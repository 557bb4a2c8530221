package transfer

import (
	"fmt"
	"time"

	"github.com/glycerine/idem"
	"github.com/tinyrpc/rpcstack/internal/vlog"
)

type eventKind int

const (
	evNewClientTransfer eventKind = iota
	evChunkReceived
	evCancelTransfer
	evTimeout
	evShutdown
)

// event is the single work-queue item kind the transfer thread consumes
// (§4.7). newSession carries everything needed to start a freshly minted
// client session; the other event kinds carry just the identifiers the
// thread needs to look an existing session up.
type event struct {
	kind eventKind

	newSession *session // evNewClientTransfer

	chunkBytes []byte                 // evChunkReceived
	chunkFrom  ChannelOutputDeliverer // evChunkReceived: where to send replies
	dir        Direction              // evChunkReceived: client-perspective direction, set by the RPC method glue that first saw this session

	handle TransferHandle // evCancelTransfer

	sessionID uint32 // evTimeout
}

// Direction is the transfer operation as requested by the client: DirRead
// means the client receives resource bytes (server is the data source);
// DirWrite means the client sends resource bytes (server is the data
// sink). There is no wire field for it (§6's Chunk has none): in
// production it is implied by which of two RPC methods (Read vs Write)
// carried the chunk, exactly as pw_transfer binds direction to the RPC
// method rather than to chunk content.
type Direction int

const (
	DirRead Direction = iota
	DirWrite
)

// ChannelOutputDeliverer is the narrow capability the thread needs to
// reply to an inbound chunk's originating stream; in production this is
// the server-side Call for the inbound transfer RPC, captured when the
// first chunk for a session arrives.
type ChannelOutputDeliverer interface {
	SendChunk(c *Chunk) error
}

// Thread is the single-consumer transfer event loop of §4.7: one
// goroutine runs Run, all session state and all transfer user callbacks
// execute there, and callers elsewhere only ever enqueue events.
type Thread struct {
	events chan event
	timers *timerHeap

	sessions      map[uint32]*session
	nextSessionID uint32

	pendingServerAccept func(start *Chunk, dir Direction, deliver ChannelOutputDeliverer) *session

	halt *idem.Halter
}

// NewThread returns a Thread with a bounded work queue of the given
// capacity (§4.7's "bounded work queue"); the queue never grows past it,
// matching the no-dynamic-allocation mandate for the hot path.
func NewThread(queueCapacity int) *Thread {
	return &Thread{
		events:        make(chan event, queueCapacity),
		timers:        newTimerHeap(),
		sessions:      make(map[uint32]*session),
		nextSessionID: 1,
		halt:          idem.NewHalterNamed("transfer.Thread"),
	}
}

// SetServerAcceptHandler installs the callback the thread uses to decide
// whether to accept an inbound TransferStart for a session id it hasn't
// seen (server side only). It must be set before Run is started.
func (t *Thread) SetServerAcceptHandler(f func(start *Chunk, dir Direction, deliver ChannelOutputDeliverer) *session) {
	t.pendingServerAccept = f
}

// Run drives the event loop until Shutdown is enqueued or Stop is
// called. It is meant to run in its own goroutine.
func (t *Thread) Run() {
	for {
		wait := t.nextTimerWait()
		select {
		case ev := <-t.events:
			if t.handleEvent(ev) {
				t.halt.Done.Close()
				return
			}
		case <-time.After(wait):
			t.fireExpiredTimers()
		case <-t.halt.ReqStop.Chan:
			t.halt.Done.Close()
			return
		}
	}
}

// Stop requests the thread to exit; it does not wait for it to do so.
func (t *Thread) Stop() {
	t.halt.ReqStop.Close()
}

func (t *Thread) nextTimerWait() time.Duration {
	deadline, ok := t.timers.NextDeadline()
	if !ok {
		return 50 * time.Millisecond
	}
	d := time.Until(deadline)
	if d <= 0 {
		return time.Millisecond
	}
	return d
}

// fireExpiredTimers enqueues a Timeout event per expired session rather
// than invoking handleTimeout directly, so timeouts are serialized
// through the same queue as every other event kind (§4.7). It never
// blocks: the thread must not wait on its own queue.
func (t *Thread) fireExpiredTimers() {
	for _, sid := range t.timers.PopExpired(time.Now()) {
		select {
		case t.events <- event{kind: evTimeout, sessionID: sid}:
		default:
			// queue momentarily full; the session's own re-armed timer
			// (or the next timeout check) will retry.
			t.timers.Arm(sid, time.Now())
		}
	}
}

// handleEvent applies one event; it returns true when the thread should
// exit (Shutdown).
func (t *Thread) handleEvent(ev event) bool {
	switch ev.kind {
	case evShutdown:
		return true

	case evNewClientTransfer:
		s := ev.newSession
		t.sessions[s.id] = s
		s.start()
		return false

	case evChunkReceived:
		c, err := DecodeChunk(ev.chunkBytes)
		if err != nil {
			vlog.VV("transfer: dropping undecodable chunk: %v", err)
			return false
		}
		t.routeChunk(c, ev.dir, ev.chunkFrom)
		return false

	case evCancelTransfer:
		if s, ok := t.sessions[ev.handle.id]; ok {
			s.cancel()
		}
		return false

	case evTimeout:
		if s, ok := t.sessions[ev.sessionID]; ok {
			s.handleTimeout()
		}
		return false
	}
	return false
}

func (t *Thread) routeChunk(c *Chunk, dir Direction, deliver ChannelOutputDeliverer) {
	if s, ok := t.sessions[c.SessionID]; ok {
		s.handleChunk(c)
		return
	}
	// Unknown session: only a server accepts a brand-new inbound
	// session, and only in response to TransferStart (V2) or the first
	// data-phase chunk (Legacy, which never sends TransferStart).
	if t.pendingServerAccept == nil {
		vlog.VV("transfer: dropping chunk for unknown session %d (not a server)", c.SessionID)
		return
	}
	s := t.pendingServerAccept(c, dir, deliver)
	if s == nil {
		return
	}
	t.sessions[s.id] = s
	if c.Type != TransferStart {
		// Legacy peer: the chunk that revealed this session also needs
		// to be processed, since there was no separate handshake chunk.
		s.handleChunk(c)
	}
}

func (t *Thread) removeSession(sessionID uint32) {
	delete(t.sessions, sessionID)
	t.timers.Disarm(sessionID)
}

// enqueue pushes ev onto the bounded work queue, blocking if it is full
// -- matching §4.7's "bounded work queue" without silently dropping
// work. Event producers (Client.Read/Write, the RPC dispatch path
// feeding inbound chunks) are expected to call this from outside the
// transfer thread's own goroutine.
func (t *Thread) enqueue(ev event) {
	t.events <- ev
}

// DeliverChunk hands an inbound chunk's raw bytes to the thread, tagged
// with dir (the RPC method the chunk arrived over tells the caller
// which) and deliver (the capability to reply on, used only when this
// chunk turns out to start a brand-new server session).
func (t *Thread) DeliverChunk(raw []byte, dir Direction, deliver ChannelOutputDeliverer) {
	t.enqueue(event{kind: evChunkReceived, chunkBytes: raw, dir: dir, chunkFrom: deliver})
}

// Shutdown enqueues the Shutdown event; Run returns once it is processed.
func (t *Thread) Shutdown() {
	t.enqueue(event{kind: evShutdown})
}

func (t *Thread) String() string {
	return fmt.Sprintf("transfer.Thread{sessions=%d, timers=%d}", len(t.sessions), t.timers.Len())
}
