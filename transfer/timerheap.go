package transfer

import (
	"container/heap"
	"fmt"
	"sync"
	"time"
)

// transferTimer is a single armed timeout: the session it will fire a
// Timeout event for, and the deadline at which it fires. Re-arming a
// session's timer updates the existing item in place rather than adding
// a second one, via timerHeap.Arm.
type transferTimer struct {
	sessionID uint32
	deadline  time.Time
	index     int // maintained by container/heap
}

// timerHeapSlice implements heap.Interface over transferTimer pointers,
// soonest deadline first.
type timerHeapSlice []*transferTimer

func (h timerHeapSlice) Len() int            { return len(h) }
func (h timerHeapSlice) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeapSlice) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeapSlice) Push(x any) {
	item := x.(*transferTimer)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *timerHeapSlice) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// timerHeap is the transfer thread's coalesced timer queue (§4.7): one
// outstanding timer per session, guarded by a mutex so the thread's
// timeout-arming calls and the thread's own "what fires next" poll can
// come from different goroutines in tests, even though in production
// only the transfer thread ever touches it.
type timerHeap struct {
	mu    sync.Mutex
	items timerHeapSlice
	bySID map[uint32]*transferTimer
}

func newTimerHeap() *timerHeap {
	return &timerHeap{bySID: make(map[uint32]*transferTimer)}
}

// Arm schedules (or re-schedules) sessionID's single timer to fire at
// deadline, replacing any previously armed deadline for that session.
func (h *timerHeap) Arm(sessionID uint32, deadline time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if item, ok := h.bySID[sessionID]; ok {
		item.deadline = deadline
		heap.Fix(&h.items, item.index)
		return
	}
	item := &transferTimer{sessionID: sessionID, deadline: deadline}
	heap.Push(&h.items, item)
	h.bySID[sessionID] = item
}

// Disarm cancels sessionID's timer, if any. A no-op if none was armed.
func (h *timerHeap) Disarm(sessionID uint32) {
	h.mu.Lock()
	defer h.mu.Unlock()
	item, ok := h.bySID[sessionID]
	if !ok {
		return
	}
	h.removeLocked(item)
}

func (h *timerHeap) removeLocked(item *transferTimer) {
	if item.index < 0 || item.index >= len(h.items) {
		panic(fmt.Sprintf("transfer: timer heap index %d out of range", item.index))
	}
	heap.Remove(&h.items, item.index)
	delete(h.bySID, item.sessionID)
}

// NextDeadline reports the soonest armed deadline, if any.
func (h *timerHeap) NextDeadline() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.items) == 0 {
		return time.Time{}, false
	}
	return h.items[0].deadline, true
}

// PopExpired removes and returns every sessionID whose deadline is at or
// before now, in deadline order.
func (h *timerHeap) PopExpired(now time.Time) []uint32 {
	h.mu.Lock()
	defer h.mu.Unlock()
	var expired []uint32
	for len(h.items) > 0 && !h.items[0].deadline.After(now) {
		item := heap.Pop(&h.items).(*transferTimer)
		delete(h.bySID, item.sessionID)
		expired = append(expired, item.sessionID)
	}
	return expired
}

func (h *timerHeap) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.items)
}
