package transfer

import (
	"bytes"
	"testing"

	cv "github.com/glycerine/goconvey/convey"

	"github.com/tinyrpc/rpcstack/status"
)

// newTestSinkSession returns a bare Active sink session wired to w, with
// send capturing every chunk instead of going anywhere, for tests that
// drive the read-side state machine directly without a Thread goroutine.
func newTestSinkSession(cfg Config, w *bytes.Buffer) (*session, *[]*Chunk) {
	sent := &[]*Chunk{}
	s := &session{
		id:     1,
		amSink: true,
		cfg:    cfg,
		writer: w,
		thread: NewThread(4),
		send: func(c *Chunk) error {
			*sent = append(*sent, c)
			return nil
		},
	}
	s.windowEnd = s.windowCapacity()
	s.ph = phaseActive
	return s, sent
}

// Test220 is property 6: redelivering a Data chunk at an offset already
// consumed (windowStart has moved past it) must not write its bytes a
// second time or move windowStart again.
func Test220_property_duplicate_data_chunk_is_idempotent(t *testing.T) {
	cv.Convey("A duplicate Data chunk at an already-consumed offset does not double-write or double-advance the window", t, func() {
		var buf bytes.Buffer
		s, _ := newTestSinkSession(DefaultConfig(), &buf)

		first := &Chunk{SessionID: 1, Type: TransferData, Offset: 0, Data: []byte("abcd")}
		s.onData(first)
		cv.So(buf.String(), cv.ShouldEqual, "abcd")
		cv.So(s.windowStart, cv.ShouldEqual, uint64(4))

		// Redeliver the identical chunk. windowStart has already moved to
		// 4, so its offset (0) is now stale: onData must drop it as a
		// duplicate, not write again.
		s.onData(first)
		cv.So(buf.String(), cv.ShouldEqual, "abcd")
		cv.So(s.windowStart, cv.ShouldEqual, uint64(4))
	})
}

// Test221 is property 7: after every round trip is lost, a session's
// retry counters bound further retransmission -- it terminates with
// DeadlineExceeded rather than retrying without limit.
func Test221_property_retry_budget_bounds_retransmission(t *testing.T) {
	cv.Convey("Losing every round trip terminates the session with DeadlineExceeded once the retry budget is spent", t, func() {
		cfg := DefaultConfig()
		cfg.MaxRetries = 3
		cfg.MaxLifetimeRetries = 3

		var buf bytes.Buffer
		s, sent := newTestSinkSession(cfg, &buf)

		attempts := 0
		for s.ph != phaseTerminated && attempts < 100 {
			s.handleTimeout()
			attempts++
		}

		cv.So(s.ph, cv.ShouldEqual, phaseTerminated)
		cv.So(s.resultCode, cv.ShouldEqual, status.DeadlineExceeded)
		// one handleTimeout per retry up to the budget, plus the call that
		// trips checkRetryBudget and finishes the session.
		cv.So(attempts, cv.ShouldEqual, int(cfg.MaxRetries)+1)
		cv.So(len(*sent) > 0, cv.ShouldBeTrue)
	})
}
