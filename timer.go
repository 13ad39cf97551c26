package loom

import (
	"container/heap"
	"errors"
	"fmt"
	"time"
)

// TimerID identifies one armed timer. The ID rides in the tag of the
// delivered ClassTimer message.
type TimerID uint32

// timerRec is one pooled timer record.
type timerRec struct {
	id     TimerID
	owner  ActorID
	due    time.Time
	period time.Duration
	armed  bool
}

// timerHeapEntry pairs a due time with the pool index of its record. Each
// record has at most one live heap entry; a cancelled record's entry is
// discarded when it surfaces.
type timerHeapEntry struct {
	due time.Time
	idx int32
}

// timerHeap is a min-heap ordered by due time.
type timerHeap []timerHeapEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].due.Before(h[j].due) }

func (h timerHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *timerHeap) Push(x any) { *h = append(*h, x.(timerHeapEntry)) }

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]

	return e
}

// armTimer allocates and schedules a timer record.
func (rt *Runtime) armTimer(owner ActorID, delay time.Duration,
	period time.Duration) (TimerID, error) {

	idx, rec := rt.timerPool.Alloc()
	if rec == nil {
		return 0, fmt.Errorf("%w: timer pool", ErrNoMemory)
	}

	rt.nextTimerID++
	rec.id = TimerID(rt.nextTimerID)
	rec.owner = owner
	rec.due = time.Now().Add(delay)
	rec.period = period
	rec.armed = true

	rt.timersByID[rec.id] = idx
	heap.Push(&rt.timerHeap, timerHeapEntry{due: rec.due, idx: idx})

	log.TraceS(rt.lctx, "Timer armed",
		"timer_id", rec.id,
		"owner", owner,
		"delay", delay,
		"period", period)

	return rec.id, nil
}

// After arms a one-shot timer owned by the calling actor. On expiry the
// actor receives a ClassTimer message whose tag is the returned ID.
func (c *ActorContext) After(d time.Duration) (TimerID, error) {
	return c.rt.armTimer(c.a.id, d, 0)
}

// Every arms a periodic timer that first fires after one period and then
// re-arms at due+period, so long-term drift does not accumulate.
func (c *ActorContext) Every(period time.Duration) (TimerID, error) {
	if period <= 0 {
		return 0, fmt.Errorf("%w: non-positive period",
			ErrInvalidArgument)
	}

	return c.rt.armTimer(c.a.id, period, period)
}

// CancelTimer disarms a timer. Cancelling an already-fired or unknown
// timer is a no-op: cancellation is idempotent.
func (c *ActorContext) CancelTimer(id TimerID) error {
	rt := c.rt
	idx, ok := rt.timersByID[id]
	if !ok {
		return nil
	}

	rt.timerPool.Get(idx).armed = false
	delete(rt.timersByID, id)

	return nil
}

// cancelTimersOf disarms every timer owned by a dying actor.
func (rt *Runtime) cancelTimersOf(owner ActorID) {
	for id, idx := range rt.timersByID {
		rec := rt.timerPool.Get(idx)
		if rec.owner != owner {
			continue
		}

		rec.armed = false
		delete(rt.timersByID, id)
	}
}

// fireTimers delivers a ClassTimer message for every due timer and
// re-arms periodic ones. A transient entry-pool exhaustion retries the
// delivery shortly instead of dropping the expiry.
func (rt *Runtime) fireTimers() {
	ts := time.Now()
	for len(rt.timerHeap) > 0 {
		top := rt.timerHeap[0]
		if top.due.After(ts) {
			return
		}
		heap.Pop(&rt.timerHeap)

		rec := rt.timerPool.Get(top.idx)
		if !rec.armed {
			// Cancelled while scheduled; reclaim on surfacing.
			rt.timerPool.Free(top.idx)
			continue
		}

		err := rt.notify(
			InvalidActor, rec.owner, ClassTimer, uint32(rec.id),
			nil,
		)
		switch {
		case err == nil:

		case errors.Is(err, ErrNoMemory):
			// Mailbox entries are exhausted right now; retry the
			// expiry shortly rather than losing it.
			rec.due = ts.Add(time.Millisecond)
			heap.Push(&rt.timerHeap, timerHeapEntry{
				due: rec.due,
				idx: top.idx,
			})

			continue

		default:
			// Owner is gone; the timer dies with it.
			rec.armed = false
			delete(rt.timersByID, rec.id)
			rt.timerPool.Free(top.idx)

			continue
		}

		if rec.period > 0 {
			rec.due = rec.due.Add(rec.period)
			heap.Push(&rt.timerHeap, timerHeapEntry{
				due: rec.due,
				idx: top.idx,
			})
		} else {
			rec.armed = false
			delete(rt.timersByID, rec.id)
			rt.timerPool.Free(top.idx)
		}
	}
}
