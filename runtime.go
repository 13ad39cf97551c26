// Package loom is an embeddable actor runtime: isolated lightweight actors
// that communicate only by message passing, coordinated by a cooperative
// scheduler on a single host thread. Blocking primitives suspend the
// calling actor's fiber and hand control back to the scheduler; timers,
// I/O completions, message arrival, and bus publishes move blocked actors
// back to the ready set.
//
// One Runtime owns all state: the actor table, message pools, buses,
// timers, and registries. All actor-visible operations run on the
// scheduler thread; the only concurrent touch points are the per-provider
// I/O completion rings and Shutdown.
package loom

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/roasbeef/loom/internal/arena"
	"github.com/roasbeef/loom/internal/fiber"
	"github.com/roasbeef/loom/internal/pool"
)

// exitSignal is the panic payload Exit uses to unwind an actor's stack
// back to the fiber entry wrapper.
type exitSignal struct {
	reason ExitReason
}

// abortSignal is the panic payload used when a parked actor is resumed in
// abort mode (kill or shutdown).
type abortSignal struct{}

// runQueue is one priority class's FIFO of ready actors, chained
// intrusively through actorRec.runqNext.
type runQueue struct {
	head int32
	tail int32
	n    int
}

// Runtime is one actor runtime instance. Create with New, populate with
// Spawn, then drive with Run (blocking) or Step (external-loop mode).
//
// Thread model: every method except Shutdown and the completion-ring Push
// must be called from the scheduler thread — that is, from actor code, or
// from the host thread while Run is not executing.
type Runtime struct {
	cfg Config

	// id distinguishes runtimes when several are embedded in one
	// process; it only appears in log attributes.
	id uuid.UUID

	// lctx is the context attached to structured log calls.
	lctx context.Context

	actors    []actorRec
	nextID    uint64
	liveCount int

	runq    [numPriorities]runQueue
	current int32

	schedFctx *fiber.Context

	// abortReturn is the fiber a dying actor hands the execution token
	// to. Normally the scheduler; temporarily the killer's own fiber
	// during a synchronous Kill.
	abortReturn *fiber.Context

	arenaAlloc *arena.Arena

	entryPool *pool.Pool[msgEntry]
	dataPool  *pool.Pool[payloadBlock]
	syncPool  *pool.Pool[syncRec]
	linkPool  *pool.Pool[linkEntry]
	monPool   *pool.Pool[monEntry]
	timerPool *pool.Pool[timerRec]

	timerHeap   timerHeap
	timersByID  map[TimerID]int32
	nextTimerID uint32

	waitHeap waitHeap

	buses     []busRec
	nextBusID uint32

	names map[string]ActorID

	nextCorr   uint32
	nextMonRef uint32

	providers []*providerRec

	// wakeCh nudges an idle scheduler when a provider pushes a
	// completion or a foreign thread requests shutdown.
	wakeCh chan struct{}

	stop    atomic.Bool
	running bool
}

// New creates a runtime with the given configuration. All pools and the
// stack arena are allocated here; nothing pooled is allocated afterward.
func New(cfg Config) (*Runtime, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	rt := &Runtime{
		cfg:        cfg,
		id:         uuid.New(),
		lctx:       context.Background(),
		actors:     make([]actorRec, cfg.MaxActors),
		current:    pool.Invalid,
		schedFctx:  fiber.NewContext(),
		arenaAlloc: arena.New(cfg.StackArenaSize),
		entryPool:  pool.New[msgEntry]("mailbox-entries", cfg.MailboxEntryPoolSize),
		dataPool:   pool.New[payloadBlock]("message-data", cfg.MessageDataPoolSize),
		syncPool:   pool.New[syncRec]("sync-buffers", cfg.SyncBufferPoolSize),
		linkPool:   pool.New[linkEntry]("links", cfg.LinkEntryPoolSize),
		monPool:    pool.New[monEntry]("monitors", cfg.MonitorEntryPoolSize),
		timerPool:  pool.New[timerRec]("timers", cfg.TimerEntryPoolSize),
		timersByID: make(map[TimerID]int32),
		buses:      make([]busRec, cfg.MaxBuses),
		names:      make(map[string]ActorID),
		wakeCh:     make(chan struct{}, 1),
	}
	rt.abortReturn = rt.schedFctx

	// Payload and sync buffers are carved once, at full message size.
	for i := 0; i < rt.dataPool.Cap(); i++ {
		rt.dataPool.Get(int32(i)).buf = make([]byte, cfg.MaxMessageSize)
	}
	for i := 0; i < rt.syncPool.Cap(); i++ {
		rt.syncPool.Get(int32(i)).buf = make([]byte, cfg.MaxMessageSize)
	}

	for p := range rt.runq {
		rt.runq[p] = runQueue{head: pool.Invalid, tail: pool.Invalid}
	}

	log.InfoS(rt.lctx, "Runtime initialized",
		"runtime_id", rt.id,
		"max_actors", cfg.MaxActors,
		"arena_bytes", cfg.StackArenaSize)

	return rt, nil
}

// Config returns a copy of the runtime's configuration.
func (rt *Runtime) Config() Config {
	return rt.cfg
}

// Shutdown requests a graceful stop. It is the one Runtime method safe to
// call from any thread: the scheduler notices the flag at its next pass,
// terminates every remaining actor (killed reason, full cleanup sequence),
// and Run returns.
func (rt *Runtime) Shutdown() {
	rt.stop.Store(true)
	rt.poke()
}

// poke nudges the scheduler out of an idle sleep.
func (rt *Runtime) poke() {
	select {
	case rt.wakeCh <- struct{}{}:
	default:
	}
}

// Cleanup releases the runtime's backing memory. The runtime must not be
// used afterward. It is not required for correctness (the GC reclaims a
// dropped runtime), but mirrors the explicit lifecycle of embedded hosts.
func (rt *Runtime) Cleanup() {
	rt.actors = nil
	rt.arenaAlloc = nil
	rt.entryPool = nil
	rt.dataPool = nil
	rt.syncPool = nil
	rt.linkPool = nil
	rt.monPool = nil
	rt.timerPool = nil
	rt.timersByID = nil
	rt.buses = nil
	rt.names = nil
	rt.providers = nil

	log.InfoS(rt.lctx, "Runtime cleaned up", "runtime_id", rt.id)
}

// actorEntry builds the fiber entry wrapper for one actor. The wrapper
// runs the user function, converts panics and Exit/abort signals into exit
// reasons, performs the termination sequence, and hands the execution
// token back to the scheduler for good.
func (rt *Runtime) actorEntry(a *actorRec) func(first fiber.Mode) {
	return func(first fiber.Mode) {
		if first == fiber.ModeAbort {
			// Aborted before ever running.
			rt.finalize(a, ExitKilled)
			fiber.Hand(rt.abortReturn)

			return
		}

		reason := ExitNormal
		func() {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				switch sig := r.(type) {
				case exitSignal:
					reason = sig.reason

				case abortSignal:
					reason = ExitKilled

				default:
					reason = ExitCrash
					log.ErrorS(rt.lctx, "Actor panicked",
						fmt.Errorf("panic: %v", r),
						"actor_id", a.id)
				}
			}()

			a.fn(&ActorContext{rt: rt, a: a}, a.arg)
		}()

		rt.finalize(a, reason)
		fiber.Hand(rt.abortReturn)
	}
}

// finalize runs the termination sequence on a dying actor, in order:
// cancel its timers, unsubscribe it from every bus, signal synchronous
// counterparties with closed status, notify link partners, notify
// monitors, then free its stack and mailbox and mark the slot dead.
func (rt *Runtime) finalize(a *actorRec, reason ExitReason) {
	// A trampled stack guard escalates any exit into a crash.
	if reason != ExitCrash && !rt.stackGuardsOK(a) {
		log.WarnS(rt.lctx, "Stack guard corrupted at exit", nil,
			"actor_id", a.id)
		reason = ExitCrash
	}

	log.DebugS(rt.lctx, "Actor terminating",
		"actor_id", a.id,
		"reason", reason)

	rt.cancelTimersOf(a.id)
	rt.unsubscribeAllBuses(a)

	// Any sync message this actor still owes a release for — held or
	// queued — resolves its sender with closed status. If this actor is
	// itself mid synchronous send, detach its record so the receiver's
	// eventual release is a no-op.
	rt.releaseDeliveredWith(a, true)
	rt.flushMailbox(a)
	rt.detachSyncSend(a)

	rt.dropLinks(a, reason)
	rt.dropMonitors(a, reason)

	rt.releaseStack(a)
	if a.name != "" {
		delete(rt.names, a.name)
		a.name = ""
	}

	a.wakeSeq++
	a.state = stateDead
	a.arg = nil
	a.fn = nil
	rt.liveCount--
}

// Kill terminates the target. The target never runs again and cannot
// observe the kill: its fiber is unwound at its current suspension point
// and the full termination sequence runs before Kill returns. Killing
// yourself terminates immediately and does not return.
func (rt *Runtime) Kill(id ActorID) error {
	a, err := rt.lookup(id)
	if err != nil {
		return err
	}

	if rt.current == a.idx {
		panic(abortSignal{})
	}

	// A ready target sits in a run queue; unlink it before unwinding so
	// the queue never holds a dead slot.
	if a.state == stateReady {
		rt.unqueue(a)
	}

	// Hand the token to the target in abort mode and take it back once
	// its termination sequence has run.
	from := rt.schedFctx
	if rt.current != pool.Invalid {
		from = rt.actors[rt.current].fctx
	}

	prevReturn := rt.abortReturn
	prevCurrent := rt.current
	rt.abortReturn = from
	rt.current = a.idx

	fiber.SwitchAbort(from, a.fctx)

	rt.current = prevCurrent
	rt.abortReturn = prevReturn

	return nil
}

// Exit terminates the calling actor with a normal exit reason. It does not
// return.
func (c *ActorContext) Exit() {
	panic(exitSignal{reason: ExitNormal})
}

// Self returns the calling actor's ID.
func (c *ActorContext) Self() ActorID {
	return c.a.id
}

// Runtime returns the runtime the calling actor lives in.
func (c *ActorContext) Runtime() *Runtime {
	return c.rt
}

// Stack returns the actor's own stack scratch region. The region is
// guard-bracketed arena (or heap) memory owned by the actor for its
// lifetime; overruns are detected at exit and reported as a crash.
func (c *ActorContext) Stack() []byte {
	if c.a.onHeap {
		hs := c.a.heapStack

		return hs[arena.GuardSize : len(hs)-arena.GuardSize]
	}

	return c.a.stack.Data
}

// Kill terminates another actor from actor code.
func (c *ActorContext) Kill(id ActorID) error {
	return c.rt.Kill(id)
}

// Spawn creates a new actor from actor code.
func (c *ActorContext) Spawn(fn ActorFunc, arg any,
	opts ...SpawnOption) (ActorID, error) {

	return c.rt.Spawn(fn, arg, opts...)
}

// RuntimeStats is a point-in-time snapshot of runtime occupancy, exposed
// for embedding hosts and tests.
type RuntimeStats struct {
	LiveActors     int
	ArenaBytesUsed int
	MailboxEntries int
	PayloadBlocks  int
	SyncBuffers    int
	Links          int
	Monitors       int
	Timers         int
	Buses          int
}

// Stats snapshots current occupancy counters.
func (rt *Runtime) Stats() RuntimeStats {
	liveBuses := 0
	for i := range rt.buses {
		if rt.buses[i].active {
			liveBuses++
		}
	}

	return RuntimeStats{
		LiveActors:     rt.liveCount,
		ArenaBytesUsed: rt.arenaAlloc.InUse(),
		MailboxEntries: rt.entryPool.InUse(),
		PayloadBlocks:  rt.dataPool.InUse(),
		SyncBuffers:    rt.syncPool.InUse(),
		Links:          rt.linkPool.InUse(),
		Monitors:       rt.monPool.InUse(),
		Timers:         rt.timerPool.InUse(),
		Buses:          liveBuses,
	}
}
