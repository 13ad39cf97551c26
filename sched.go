package loom

import (
	"container/heap"
	"fmt"
	"time"

	"github.com/roasbeef/loom/internal/fiber"
	"github.com/roasbeef/loom/internal/pool"
)

// Forever is the timeout value meaning "wait indefinitely". Any negative
// duration works; this is the conventional spelling.
const Forever time.Duration = -1

// waitEntry is one pending wait deadline. Entries are invalidated lazily:
// a woken actor bumps its wakeSeq, and stale entries are skipped when they
// surface at the heap top.
type waitEntry struct {
	at   time.Time
	slot int32
	seq  uint64
}

// waitHeap is a min-heap of wait deadlines.
type waitHeap []waitEntry

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }

func (h waitHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *waitHeap) Push(x any) { *h = append(*h, x.(waitEntry)) }

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]

	return e
}

// enqueueReady appends the actor to the tail of its priority queue.
func (rt *Runtime) enqueueReady(a *actorRec) {
	q := &rt.runq[a.prio]
	a.runqNext = pool.Invalid
	if q.tail == pool.Invalid {
		q.head = a.idx
	} else {
		rt.actors[q.tail].runqNext = a.idx
	}
	q.tail = a.idx
	q.n++
}

// popFrom removes and returns the head of one priority queue, or nil.
func (rt *Runtime) popFrom(p Priority) *actorRec {
	q := &rt.runq[p]
	if q.head == pool.Invalid {
		return nil
	}

	a := &rt.actors[q.head]
	q.head = a.runqNext
	if q.head == pool.Invalid {
		q.tail = pool.Invalid
	}
	a.runqNext = pool.Invalid
	q.n--

	return a
}

// popReady removes the head of the highest non-empty priority queue.
func (rt *Runtime) popReady() *actorRec {
	for p := PriorityCritical; p < numPriorities; p++ {
		if a := rt.popFrom(p); a != nil {
			return a
		}
	}

	return nil
}

// makeReady transitions a blocked actor into the ready set with the given
// wake code. Ready or running actors are left alone.
func (rt *Runtime) makeReady(a *actorRec, code wakeCode) {
	switch a.state {
	case stateReady, stateRunning, stateDead:
		return
	}

	a.wake = code
	a.wakeSeq++
	a.state = stateReady
	rt.enqueueReady(a)
}

// block parks the calling actor in the given blocked state until a waker
// moves it back to ready. A non-zero deadline arms a timeout. Returns the
// wake code the actor was resumed with. Must be called on the actor's own
// fiber.
func (rt *Runtime) block(a *actorRec, st actorState,
	deadline time.Time) wakeCode {

	a.state = st
	a.wake = wakeNone
	if !deadline.IsZero() {
		heap.Push(&rt.waitHeap, waitEntry{
			at:   deadline,
			slot: a.idx,
			seq:  a.wakeSeq,
		})
	}

	rt.switchToSched(a)

	return a.wake
}

// switchToSched hands the execution token back to the scheduler and parks
// the actor. An abort resume unwinds the actor via panic; the fiber entry
// wrapper turns that into a killed exit.
func (rt *Runtime) switchToSched(a *actorRec) {
	mode := fiber.Switch(a.fctx, rt.schedFctx)
	if mode == fiber.ModeAbort {
		panic(abortSignal{})
	}
}

// deadlineFromTimeout converts the uniform timeout convention into an
// absolute deadline: zero means the caller already handled the
// non-blocking case, negative means no deadline.
func deadlineFromTimeout(timeout time.Duration) time.Time {
	if timeout > 0 {
		return time.Now().Add(timeout)
	}

	return time.Time{}
}

// expireWaits fires the timeout of every blocked actor whose wait
// deadline has passed.
func (rt *Runtime) expireWaits() {
	ts := time.Now()
	for len(rt.waitHeap) > 0 {
		top := rt.waitHeap[0]
		if top.at.After(ts) {
			return
		}
		heap.Pop(&rt.waitHeap)

		a := &rt.actors[top.slot]
		if a.wakeSeq != top.seq {
			// Stale: the actor was woken (or died) since arming.
			continue
		}

		switch a.state {
		case stateBlockedRecv, stateBlockedIO, stateBlockedTimer,
			stateBlockedRelease, stateBlockedBus, stateBlockedSelect:

			rt.makeReady(a, wakeTimeout)
		}
	}
}

// unqueue unlinks a ready actor from its priority queue.
func (rt *Runtime) unqueue(a *actorRec) {
	q := &rt.runq[a.prio]
	prev := pool.Invalid
	for idx := q.head; idx != pool.Invalid; {
		cur := &rt.actors[idx]
		if idx != a.idx {
			prev, idx = idx, cur.runqNext
			continue
		}

		if prev == pool.Invalid {
			q.head = cur.runqNext
		} else {
			rt.actors[prev].runqNext = cur.runqNext
		}
		if q.tail == idx {
			q.tail = prev
		}
		cur.runqNext = pool.Invalid
		q.n--

		return
	}
}

// runActor switches into one popped actor; yielders are requeued at the
// tail of their class.
func (rt *Runtime) runActor(a *actorRec) {
	rt.current = a.idx

	a.state = stateRunning
	fiber.Switch(rt.schedFctx, a.fctx)
	rt.current = pool.Invalid

	// A yield leaves the actor ready; round-robin within the class by
	// requeueing at the tail.
	if a.state == stateReady {
		rt.enqueueReady(a)
	}
}

// nextDeadline returns the nearest pending deadline across wait timeouts
// and timers, or zero when none is armed.
func (rt *Runtime) nextDeadline() time.Time {
	var next time.Time
	if len(rt.waitHeap) > 0 {
		next = rt.waitHeap[0].at
	}
	if len(rt.timerHeap) > 0 {
		due := rt.timerHeap[0].due
		if next.IsZero() || due.Before(next) {
			next = due
		}
	}

	return next
}

// idleSleep parks the scheduler until the nearest deadline, an I/O wake,
// or the bounded idle interval, whichever comes first.
func (rt *Runtime) idleSleep() {
	d := rt.cfg.SchedulerIdleSleep
	if next := rt.nextDeadline(); !next.IsZero() {
		until := time.Until(next)
		if until <= 0 {
			return
		}
		if until < d {
			d = until
		}
	}

	select {
	case <-rt.wakeCh:
	case <-time.After(d):
	}
}

// Run drives the scheduler until Shutdown is requested or the last actor
// exits. It must be called from the host thread that owns the runtime.
func (rt *Runtime) Run() error {
	if rt.running {
		return fmt.Errorf("%w: runtime already running",
			ErrInvalidArgument)
	}
	rt.running = true
	defer func() {
		rt.running = false
	}()

	log.InfoS(rt.lctx, "Scheduler running",
		"runtime_id", rt.id,
		"live_actors", rt.liveCount)

	for {
		if rt.stop.Load() {
			rt.terminateAll()

			log.InfoS(rt.lctx, "Scheduler stopped",
				"runtime_id", rt.id)

			return nil
		}

		rt.drainCompletions()
		rt.fireTimers()
		rt.expireWaits()

		if rt.liveCount == 0 {
			log.InfoS(rt.lctx, "All actors exited",
				"runtime_id", rt.id)

			return nil
		}

		a := rt.popReady()
		if a == nil {
			rt.idleSleep()
			continue
		}

		rt.runActor(a)
	}
}

// Step performs one external-loop pass: drain I/O completions, fire due
// timers, then run each currently-ready actor exactly once. It reports
// whether any actor ran, letting a foreign event loop idle when the
// runtime does. Actors made ready during the pass wait for the next one.
func (rt *Runtime) Step() bool {
	if rt.stop.Load() {
		rt.terminateAll()

		return false
	}

	rt.drainCompletions()
	rt.fireTimers()
	rt.expireWaits()

	var counts [numPriorities]int
	for p := range rt.runq {
		counts[p] = rt.runq[p].n
	}

	ran := false
	for p := PriorityCritical; p < numPriorities; p++ {
		for i := 0; i < counts[p]; i++ {
			a := rt.popFrom(p)
			if a == nil {
				break
			}
			rt.runActor(a)
			ran = true
		}
	}

	return ran
}

// terminateAll aborts every remaining actor, leaving the runtime empty.
func (rt *Runtime) terminateAll() {
	for i := range rt.actors {
		a := &rt.actors[i]
		if a.state == stateDead {
			continue
		}

		rt.current = a.idx
		fiber.SwitchAbort(rt.schedFctx, a.fctx)
		rt.current = pool.Invalid
	}

	// Every queue node is now stale; reset the ready set wholesale.
	for p := range rt.runq {
		rt.runq[p] = runQueue{
			head: pool.Invalid,
			tail: pool.Invalid,
		}
	}
	rt.waitHeap = rt.waitHeap[:0]
}

// Yield hands the processor to the scheduler, requeueing the caller at the
// tail of its priority class.
func (c *ActorContext) Yield() {
	c.a.state = stateReady
	c.rt.switchToSched(c.a)
}

// Sleep blocks the calling actor for at least d. A non-positive duration
// degenerates to a yield.
func (c *ActorContext) Sleep(d time.Duration) error {
	if d <= 0 {
		c.Yield()

		return nil
	}

	c.rt.block(c.a, stateBlockedTimer, time.Now().Add(d))

	return nil
}
