package transfer

import (
	"io"

	"github.com/tinyrpc/rpcstack/internal/vlog"
)

// ResourceHandler resolves a resource id to the stream a server session
// reads from or writes to (§4.2's resource storage capability). It is
// deliberately the narrowest interface that can serve both directions:
// a real implementation might back OpenForRead with a file and
// OpenForWrite with a staging buffer flushed on completion.
type ResourceHandler interface {
	OpenForRead(resourceID uint32) (io.ReadSeeker, error)
	OpenForWrite(resourceID uint32) (io.Writer, error)
}

// Server accepts inbound transfers on behalf of a ResourceHandler. It
// never talks to a transport directly: it is installed as a Thread's
// server-accept handler, and the RPC-method glue that owns the actual
// streaming calls is what supplies each inbound chunk's Direction and
// ChannelOutputDeliverer (there is no direction field on the wire; see
// Direction's doc comment).
type Server struct {
	thread    *Thread
	resources ResourceHandler
	cfg       Config
}

// NewServer returns a Server backed by resources, and installs it as
// thread's accept handler. thread must not have Run called on it yet.
func NewServer(thread *Thread, resources ResourceHandler, cfg Config) *Server {
	s := &Server{thread: thread, resources: resources, cfg: cfg}
	thread.SetServerAcceptHandler(s.accept)
	return s
}

// accept is the Thread's pendingServerAccept callback: it runs on the
// transfer thread, for a chunk whose session id was not already live.
func (srv *Server) accept(start *Chunk, dir Direction, deliver ChannelOutputDeliverer) *session {
	amSink := dir == DirWrite // client writes => server is the data sink
	var (
		w   io.Writer
		r   io.ReadSeeker
		err error
	)
	if amSink {
		w, err = srv.resources.OpenForWrite(start.ResourceID)
	} else {
		r, err = srv.resources.OpenForRead(start.ResourceID)
	}
	if err != nil {
		vlog.VV("transfer: server declining resource %d: %v", start.ResourceID, err)
		return nil
	}

	s := &session{
		id:         start.SessionID,
		resourceID: start.ResourceID,
		isClient:   false,
		amSink:     amSink,
		cfg:        srv.cfg,
		writer:     w,
		reader:     r,
		send:       deliver.SendChunk,
		thread:     srv.thread,
	}

	if start.Type != TransferStart {
		// Legacy peer: no handshake chunk exists, so this first chunk is
		// already data-phase traffic. Thread.routeChunk replays it into
		// handleChunk right after accept returns.
		s.version = Legacy
		s.ph = phaseActive
		return s
	}

	s.version = start.ProtocolVersion
	s.ph = phaseNegotiating
	s.trySend(&Chunk{SessionID: s.id, Type: TransferStartAck, ProtocolVersion: s.version})
	s.armTimer(s.cfg.InitialChunkTimeout)
	return s
}
