package transfer

import (
	"io"
	"time"

	"github.com/glycerine/loquet"

	"github.com/tinyrpc/rpcstack/internal/vlog"
	"github.com/tinyrpc/rpcstack/status"
)

type phase int

const (
	phaseInactive phase = iota
	phaseInitiating
	phaseNegotiating
	phaseActive
	phaseCompleting
	phaseTerminated
)

func (p phase) String() string {
	switch p {
	case phaseInactive:
		return "Inactive"
	case phaseInitiating:
		return "Initiating"
	case phaseNegotiating:
		return "Negotiating"
	case phaseActive:
		return "Active"
	case phaseCompleting:
		return "Completing"
	case phaseTerminated:
		return "Terminated"
	default:
		return "phase(invalid)"
	}
}

// session is one side (client or server) of one transfer. Whichever side
// is the data sink (amSink) runs the read-side state table of §4.6;
// whichever side is the data source runs the write-side table. The
// client additionally owns the Initiating/Negotiating handshake phases,
// since Read/Write are always client-invoked operations (§4.8); the
// server's session comes into being reactively, when the transfer thread
// observes an inbound TransferStart (or, for a Legacy peer, the first
// Parameters/Data chunk) for a session id it hasn't seen.
type session struct {
	id         uint32
	resourceID uint32
	isClient   bool
	amSink     bool
	version    ProtocolVersion
	ph         phase

	cfg Config

	windowStart uint64
	windowEnd   uint64

	retries         uint32
	lifetimeRetries uint32

	// sink fields (amSink == true): writes inbound Data to writer.
	writer io.Writer

	// source fields (amSink == false): reads outbound Data from reader,
	// which must support Seek so a Parameters rewind can re-read bytes
	// already sent once but not yet acknowledged (§4.6).
	reader         io.ReadSeeker
	lastSentOffset uint64
	// peerMaxChunkSize is the most recent max_chunk_size advertised by the
	// sink in a Parameters chunk; 0 means the peer hasn't advertised one
	// yet (or advertises no limit), in which case only our own cfg value
	// applies.
	peerMaxChunkSize uint32

	send         func(*Chunk) error
	onCompletion func(status.Code)

	// done is the one-shot completion signal, used exactly as the
	// teacher's ckt.go/hdr.go use a loquet.Chan for a DoneCh lifecycle:
	// Close (no value) unblocks WhenClosed, and the terminal status is
	// read from the plain resultCode field alongside it, not through the
	// channel itself.
	done       *loquet.Chan[bool]
	resultCode status.Code

	thread *Thread
}

func (s *session) armTimer(d time.Duration) {
	s.thread.timers.Arm(s.id, time.Now().Add(d))
}

func (s *session) disarmTimer() {
	s.thread.timers.Disarm(s.id)
}

// start is invoked once, synchronously, when the session is created. For
// a client session it sends the opening chunk (TransferStart for V2; for
// Legacy, Parameters when this side is the sink and nothing when it is
// the source) and arms InitialChunkTimeout in every case. A server
// session is never started this way: it is born already in response to
// an inbound chunk (see Server.accept in server.go).
func (s *session) start() {
	if !s.isClient {
		panic("transfer: start is a client-session operation")
	}

	if s.version == Legacy {
		s.ph = phaseActive
		if s.amSink {
			s.sendParameters(ParametersContinue, 0)
		}
		// source side: waits for the peer's first Parameters before
		// sending any Data, same as the post-handshake V2 case below.
		s.armTimer(s.cfg.InitialChunkTimeout)
		return
	}

	s.ph = phaseInitiating
	s.trySend(&Chunk{
		SessionID:       s.id,
		Type:            TransferStart,
		ResourceID:      s.resourceID,
		ProtocolVersion: s.version,
	})
	s.armTimer(s.cfg.InitialChunkTimeout)
}

// handleChunk applies one inbound chunk to the session's state machine.
// It always runs on the transfer thread (§4.7): no locking is needed.
func (s *session) handleChunk(c *Chunk) {
	if s.ph == phaseTerminated {
		return
	}

	switch {
	case c.Type == TransferCompletion:
		s.handleCompletion(status.Code(c.Status))
		return
	case c.Type == TransferCompletionAck:
		// only meaningful to whichever side sent the Completion; once
		// seen, the session is already Terminated on that side.
		return
	}

	if s.isClient {
		s.handleClientChunk(c)
		return
	}
	s.handleServerChunk(c)
}

func (s *session) handleClientChunk(c *Chunk) {
	switch s.ph {
	case phaseInitiating:
		if c.Type != TransferStartAck {
			return
		}
		s.version = c.ProtocolVersion
		s.disarmTimer()
		s.ph = phaseNegotiating
		s.trySend(&Chunk{SessionID: s.id, Type: TransferStartAckConfirmation})
		if s.amSink {
			s.sendParameters(ParametersContinue, 0)
		} else {
			s.ph = phaseActive
			// source side: awaits the peer's first Parameters (handled
			// by onParameters, which calls sendDataUpToWindow) before
			// sending any Data.
		}
		s.armTimer(s.cfg.Timeout)
		return

	case phaseNegotiating, phaseActive:
		s.handleActiveChunk(c)
		return
	}
}

func (s *session) handleServerChunk(c *Chunk) {
	if s.ph == phaseNegotiating && c.Type == TransferStartAckConfirmation {
		s.disarmTimer()
		s.ph = phaseActive
		if s.amSink {
			s.sendParameters(ParametersContinue, 0)
		}
		// source side: awaits the client's first Parameters, same as the
		// client-as-source path above.
		s.armTimer(s.cfg.Timeout)
		return
	}
	s.handleActiveChunk(c)
}

// handleActiveChunk implements the Receiving/Sending Active-state
// transitions of §4.6, shared by both client and server sessions once
// past any handshake.
func (s *session) handleActiveChunk(c *Chunk) {
	if s.amSink {
		switch c.Type {
		case TransferData:
			s.ph = phaseActive
			s.onData(c)
		}
		return
	}
	switch c.Type {
	case ParametersContinue, ParametersRetransmit:
		s.onParameters(c)
	}
}

// onData implements the read-side Receiving transitions: expected offset
// writes through and may extend the window; an offset behind windowStart
// is a duplicate of data already written and is dropped with no other
// effect; any other unexpected offset is discarded and re-anchors the
// window.
func (s *session) onData(c *Chunk) {
	if c.Offset < s.windowStart {
		vlog.VV("transfer: session %d dropping duplicate data at offset %d (window_start %d)", s.id, c.Offset, s.windowStart)
		return
	}
	if c.Offset != s.windowStart {
		vlog.VV("transfer: session %d unexpected offset %d (want %d), re-anchoring", s.id, c.Offset, s.windowStart)
		s.retries++
		s.lifetimeRetries++
		if s.checkRetryBudget() {
			return
		}
		s.sendParameters(ParametersRetransmit, s.windowStart)
		s.armTimer(s.cfg.Timeout)
		return
	}

	if len(c.Data) > 0 {
		if _, err := s.writer.Write(c.Data); err != nil {
			s.fail(status.DataLoss)
			return
		}
	}
	s.windowStart += uint64(len(c.Data))
	s.retries = 0 // progress resets the per-stall retry count

	remaining := s.windowEnd - s.windowStart
	if remaining <= s.windowCapacity()/uint64(s.cfg.ExtendWindowDivisor) {
		s.sendParameters(ParametersContinue, s.windowStart)
	}
	s.armTimer(s.cfg.Timeout)
}

// sendParameters sends a Parameters-kind chunk; kind distinguishes a
// window extension (Continue) from a re-anchor after loss (Retransmit).
// offset is the window_start to resume from.
func (s *session) sendParameters(kind ChunkType, offset uint64) {
	if kind == ParametersContinue {
		s.windowEnd = offset + s.windowCapacity()
	}
	s.windowStart = offset
	s.trySend(&Chunk{
		SessionID:       s.id,
		Type:            kind,
		Offset:          offset,
		WindowEndOffset: s.windowEnd,
		MaxChunkSize:    s.cfg.MaxChunkSize,
	})
}

func (s *session) windowCapacity() uint64 {
	if s.cfg.MaxBytesToReceive != 0 {
		return s.cfg.MaxBytesToReceive
	}
	return uint64(s.cfg.MaxChunkSize)
}

// onParameters implements the write-side transitions: a new window
// replaces (not extends) the prior one and resets retries; an offset
// behind lastSentOffset triggers a reader rewind.
func (s *session) onParameters(c *Chunk) {
	s.retries = 0
	s.windowStart = c.Offset
	s.windowEnd = c.WindowEndOffset
	if c.MaxChunkSize != 0 {
		s.peerMaxChunkSize = c.MaxChunkSize
	}
	if c.Offset < s.lastSentOffset {
		if _, err := s.reader.Seek(int64(c.Offset), io.SeekStart); err != nil {
			s.fail(status.DataLoss)
			return
		}
		s.lastSentOffset = c.Offset
	}
	s.sendDataUpToWindow()
	s.armTimer(s.cfg.Timeout)
}

// sendDataUpToWindow streams Data chunks from reader until the window
// closes or the reader is exhausted, never exceeding max_chunk_size per
// chunk — our own configured limit, or the sink's advertised limit,
// whichever is smaller (§4.6: the write side must never exceed the
// receiver-advertised max_chunk_size).
func (s *session) sendDataUpToWindow() {
	limit := uint64(s.cfg.MaxChunkSize)
	if s.peerMaxChunkSize != 0 && uint64(s.peerMaxChunkSize) < limit {
		limit = uint64(s.peerMaxChunkSize)
	}
	for s.lastSentOffset < s.windowEnd {
		chunkCap := s.windowEnd - s.lastSentOffset
		if chunkCap > limit {
			chunkCap = limit
		}
		buf := make([]byte, chunkCap)
		n, err := io.ReadFull(s.reader, buf)
		if n > 0 {
			s.trySend(&Chunk{SessionID: s.id, Type: TransferData, Offset: s.lastSentOffset, Data: buf[:n]})
			s.lastSentOffset += uint64(n)
		}
		if err != nil {
			// reader exhausted: tell the peer we're done by sending
			// completion once our last chunk has a chance to arrive.
			s.sendCompletion(status.OK)
			return
		}
	}
}

// sendCompletion announces local completion to the peer. It finishes the
// local side immediately rather than waiting for TransferCompletionAck:
// the ack only tells the peer it can stop retransmitting in response to
// our Completion, it carries no information this side needs back.
func (s *session) sendCompletion(code status.Code) {
	s.disarmTimer()
	s.trySend(&Chunk{SessionID: s.id, Type: TransferCompletion, Status: uint32(code)})
	s.finish(code)
}

// handleCompletion implements "Any -> Completing on Completion(status)":
// flush, ack, invoke on_completion exactly once, and free the session.
func (s *session) handleCompletion(code status.Code) {
	s.disarmTimer()
	if f, ok := s.writer.(interface{ Flush() error }); ok {
		_ = f.Flush()
	}
	s.trySend(&Chunk{SessionID: s.id, Type: TransferCompletionAck})
	s.finish(code)
}

// handleTimeout implements the retry/retransmission policy: re-send the
// last outbound control chunk, bump both retry counters, and terminate
// with DeadlineExceeded once either budget is exhausted.
func (s *session) handleTimeout() {
	if s.ph == phaseTerminated || s.ph == phaseCompleting {
		return
	}
	s.retries++
	s.lifetimeRetries++
	if s.checkRetryBudget() {
		return
	}

	switch {
	case s.ph == phaseInitiating:
		s.trySend(&Chunk{SessionID: s.id, Type: TransferStart, ResourceID: s.resourceID, ProtocolVersion: s.version})
		s.armTimer(s.cfg.InitialChunkTimeout)
	case s.ph == phaseNegotiating && !s.isClient:
		s.trySend(&Chunk{SessionID: s.id, Type: TransferStartAck, ProtocolVersion: s.version})
		s.armTimer(s.cfg.InitialChunkTimeout)
	case s.amSink:
		s.sendParameters(ParametersRetransmit, s.windowStart)
		s.armTimer(s.cfg.Timeout)
	default:
		// re-anchor to the last offset the peer is known to have
		// accepted (windowStart, as of the last Parameters seen) and
		// resend from there.
		if _, err := s.reader.Seek(int64(s.windowStart), io.SeekStart); err == nil {
			s.lastSentOffset = s.windowStart
			s.sendDataUpToWindow()
		}
		s.armTimer(s.cfg.Timeout)
	}
}

// checkRetryBudget terminates the session with DeadlineExceeded if
// either retry budget is exhausted, returning true when it did so.
func (s *session) checkRetryBudget() bool {
	if s.retries > s.cfg.MaxRetries || s.lifetimeRetries > s.cfg.MaxLifetimeRetries {
		s.disarmTimer()
		s.trySend(&Chunk{SessionID: s.id, Type: TransferCompletion, Status: uint32(status.DeadlineExceeded)})
		s.finish(status.DeadlineExceeded)
		return true
	}
	return false
}

// cancel implements local CancelTransfer: terminate with Cancelled,
// idempotent.
func (s *session) cancel() {
	if s.ph == phaseTerminated {
		return
	}
	s.disarmTimer()
	s.trySend(&Chunk{SessionID: s.id, Type: TransferCompletion, Status: uint32(status.Cancelled)})
	s.finish(status.Cancelled)
}

func (s *session) fail(code status.Code) {
	s.disarmTimer()
	s.finish(code)
}

func (s *session) finish(code status.Code) {
	s.ph = phaseTerminated
	s.thread.removeSession(s.id)
	s.resultCode = code
	if s.done != nil {
		s.done.Close()
	}
	if s.onCompletion != nil {
		s.onCompletion(code)
	}
}

func (s *session) trySend(c *Chunk) {
	if err := s.send(c); err != nil {
		vlog.VV("transfer: session %d send failed: %v", s.id, err)
	}
}
