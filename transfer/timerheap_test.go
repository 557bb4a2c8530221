package transfer

import (
	"testing"
	"time"

	cv "github.com/glycerine/goconvey/convey"
)

func Test110_timer_heap_pops_in_deadline_order(t *testing.T) {
	cv.Convey("Given three armed timers at different deadlines", t, func() {
		h := newTimerHeap()
		base := time.Now()
		h.Arm(3, base.Add(30*time.Millisecond))
		h.Arm(1, base.Add(10*time.Millisecond))
		h.Arm(2, base.Add(20*time.Millisecond))

		cv.Convey("NextDeadline reports the soonest one", func() {
			d, ok := h.NextDeadline()
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(d, cv.ShouldResemble, base.Add(10*time.Millisecond))
		})

		cv.Convey("PopExpired(now) returns only sessions due by now, soonest first", func() {
			expired := h.PopExpired(base.Add(25 * time.Millisecond))
			cv.So(expired, cv.ShouldResemble, []uint32{1, 2})
			cv.So(h.Len(), cv.ShouldEqual, 1)
		})
	})
}

func Test111_re_arming_replaces_the_existing_deadline(t *testing.T) {
	cv.Convey("Given a session with an already-armed timer", t, func() {
		h := newTimerHeap()
		base := time.Now()
		h.Arm(1, base.Add(100*time.Millisecond))

		cv.Convey("arming it again updates the deadline in place rather than adding a second entry", func() {
			h.Arm(1, base.Add(5*time.Millisecond))
			cv.So(h.Len(), cv.ShouldEqual, 1)
			d, ok := h.NextDeadline()
			cv.So(ok, cv.ShouldBeTrue)
			cv.So(d, cv.ShouldResemble, base.Add(5*time.Millisecond))
		})
	})
}

func Test112_disarm_is_a_no_op_on_an_unarmed_session(t *testing.T) {
	cv.Convey("Disarming a session with no armed timer does nothing and does not panic", t, func() {
		h := newTimerHeap()
		cv.So(func() { h.Disarm(42) }, cv.ShouldNotPanic)
		cv.So(h.Len(), cv.ShouldEqual, 0)
	})
}
