package loom

import (
	"fmt"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/loom/internal/arena"
	"github.com/roasbeef/loom/internal/fiber"
	"github.com/roasbeef/loom/internal/pool"
)

// ActorID uniquely identifies an actor for the lifetime of a runtime. IDs
// are monotonic and never reused, so a stale ID held after death fails
// validation instead of aliasing a newer occupant of the same slot.
type ActorID uint64

// InvalidActor is the reserved zero ID. No live actor ever carries it.
const InvalidActor ActorID = 0

// Priority is an actor's scheduling class. Scheduling is strict between
// classes and round-robin within one.
type Priority uint8

const (
	// PriorityCritical preempts every other class at each scheduling
	// point.
	PriorityCritical Priority = iota

	// PriorityHigh runs before normal and low work.
	PriorityHigh

	// PriorityNormal is the default class.
	PriorityNormal

	// PriorityLow runs only when nothing else is ready.
	PriorityLow

	numPriorities
)

// String returns the conventional name of the priority class.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// ExitReason records why an actor terminated. It rides in the tag of
// link_exit messages, so partners can route on it.
type ExitReason uint32

const (
	// ExitNormal means the actor's function returned or it called Exit.
	ExitNormal ExitReason = iota

	// ExitCrash means the actor panicked or its stack guards were found
	// corrupted at exit.
	ExitCrash

	// ExitKilled means the actor was terminated by Kill or by its
	// supervisor.
	ExitKilled
)

// String returns the conventional name of the exit reason.
func (r ExitReason) String() string {
	switch r {
	case ExitNormal:
		return "normal"
	case ExitCrash:
		return "crash"
	case ExitKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// actorState tracks where an actor is in its lifecycle and, when blocked,
// what class of predicate it waits on.
type actorState uint8

const (
	stateDead actorState = iota
	stateReady
	stateRunning
	stateBlockedRecv
	stateBlockedIO
	stateBlockedTimer
	stateBlockedRelease
	stateBlockedBus
	stateBlockedSelect
)

// wakeCode tells a resuming blocking primitive why it was woken.
type wakeCode uint8

const (
	wakeNone wakeCode = iota
	wakeDelivered
	wakeTimeout
	wakeClosed
	wakeReleased
	wakeIO
	wakeBusPub
)

// ActorFunc is an actor's main function. It runs on the actor's fiber and
// may call any blocking primitive on ctx. Returning terminates the actor
// with a normal exit.
type ActorFunc func(ctx *ActorContext, arg any)

// InitFunc optionally transforms the spawn argument before the actor's
// main function sees it. It runs on the spawner's flow of control, so it
// can capture or copy spawner-owned data safely.
type InitFunc func(arg any) any

// ioResult is the I/O status slot a completion parks its outcome in until
// the resuming primitive reads it.
type ioResult struct {
	n   int
	err error
}

// actorRec is one slot of the actor table. A slot is recycled after death
// but the ID it carried is not.
type actorRec struct {
	id   ActorID
	idx  int32
	name string
	prio Priority

	fn  ActorFunc
	arg any

	state actorState

	fctx      *fiber.Context
	stack     arena.Stack
	heapStack []byte
	onHeap    bool

	mbox      mailbox
	delivered []int32

	// wait predicate bookkeeping, meaningful only while blocked.
	wake       wakeCode
	wakeSeq    uint64
	waitFilter Filter
	waitBus    BusID
	waitSel    []SelectSource
	syncTarget ActorID
	waitSync   int32

	// ioSeq stamps submitted I/O requests so a stale completion after a
	// timeout cannot satisfy a later wait.
	ioSeq uint64
	ioRes ioResult

	links   []int32
	mons    []int32
	watches []int32
	busSubs fn.Set[BusID]

	runqNext int32
}

// reset prepares a recycled slot for a fresh spawn.
func (a *actorRec) reset() {
	a.name = ""
	a.state = stateReady
	a.wake = wakeNone
	a.wakeSeq++
	a.syncTarget = InvalidActor
	a.waitSync = pool.Invalid
	a.mbox.reset()
	a.delivered = a.delivered[:0]
	a.links = a.links[:0]
	a.mons = a.mons[:0]
	a.watches = a.watches[:0]
	a.busSubs = fn.NewSet[BusID]()
	a.runqNext = pool.Invalid
}

// spawnOpts collects the optional spawn parameters.
type spawnOpts struct {
	name      fn.Option[string]
	prio      Priority
	stackSize fn.Option[int]
	heapStack bool
	initFn    InitFunc
}

// SpawnOption is a functional option for Spawn.
type SpawnOption func(*spawnOpts)

// WithName registers the actor under a global name at spawn time. The
// spawn fails with ErrExists if the name is taken.
func WithName(name string) SpawnOption {
	return func(o *spawnOpts) {
		o.name = fn.Some(name)
	}
}

// WithPriority sets the actor's scheduling class.
func WithPriority(p Priority) SpawnOption {
	return func(o *spawnOpts) {
		o.prio = p
	}
}

// WithStackSize overrides the default stack reservation for this actor.
func WithStackSize(size int) SpawnOption {
	return func(o *spawnOpts) {
		o.stackSize = fn.Some(size)
	}
}

// WithHeapStack permits falling back to a heap-allocated stack when the
// arena is exhausted. Without it, arena exhaustion fails the spawn with
// ErrNoMemory.
func WithHeapStack() SpawnOption {
	return func(o *spawnOpts) {
		o.heapStack = true
	}
}

// WithInit installs an init transform that runs on the spawner's flow and
// whose return value replaces the argument handed to the actor function.
func WithInit(initFn InitFunc) SpawnOption {
	return func(o *spawnOpts) {
		o.initFn = initFn
	}
}

// Spawn creates a new actor running fn with the given argument and places
// it at the tail of its priority's run queue. It returns the new actor's
// ID, or ErrNoMemory when no table slot or stack is available, or
// ErrExists on a name conflict.
func (rt *Runtime) Spawn(fn ActorFunc, arg any,
	opts ...SpawnOption) (ActorID, error) {

	o := spawnOpts{prio: PriorityNormal}
	for _, opt := range opts {
		opt(&o)
	}

	if fn == nil {
		return InvalidActor, fmt.Errorf("%w: nil actor function",
			ErrInvalidArgument)
	}

	// Locate a dead slot.
	slot := int32(-1)
	for i := range rt.actors {
		if rt.actors[i].state == stateDead {
			slot = int32(i)
			break
		}
	}
	if slot < 0 {
		return InvalidActor, fmt.Errorf("%w: actor table full",
			ErrNoMemory)
	}

	a := &rt.actors[slot]
	a.reset()
	a.idx = slot
	a.prio = o.prio
	a.fn = fn
	a.arg = arg

	// Allocate the stack before consuming an ID, so a failed spawn
	// leaves no trace.
	size := o.stackSize.UnwrapOr(rt.cfg.DefaultStackSize)
	stack, err := rt.arenaAlloc.Alloc(size)
	switch {
	case err == nil:
		a.stack = stack
		a.onHeap = false

	case o.heapStack:
		// Opt-in heap fallback when the arena is exhausted.
		buf := make([]byte, size+2*arena.GuardSize)
		arena.StampHeapGuards(buf)
		a.heapStack = buf
		a.onHeap = true

	default:
		a.state = stateDead
		return InvalidActor, fmt.Errorf("%w: stack arena", ErrNoMemory)
	}

	rt.nextID++
	a.id = ActorID(rt.nextID)

	// Register the optional name before the actor becomes runnable.
	if o.name.IsSome() {
		name := o.name.UnwrapOr("")
		if err := rt.registerName(a.id, name); err != nil {
			rt.releaseStack(a)
			a.state = stateDead

			return InvalidActor, err
		}
		a.name = name
	}

	// Run the init transform on the spawner's flow; its result replaces
	// the actor argument.
	if o.initFn != nil {
		a.arg = o.initFn(a.arg)
	}

	a.fctx = fiber.NewContext()
	fiber.Start(a.fctx, rt.actorEntry(a))

	rt.liveCount++
	rt.enqueueReady(a)

	log.DebugS(rt.lctx, "Spawned actor",
		"actor_id", a.id,
		"priority", a.prio,
		"name", a.name)

	return a.id, nil
}

// lookup resolves an ActorID to its live record. Dead slots and stale IDs
// fail uniformly.
func (rt *Runtime) lookup(id ActorID) (*actorRec, error) {
	if id == InvalidActor {
		return nil, fmt.Errorf("%w: invalid actor id",
			ErrInvalidArgument)
	}
	for i := range rt.actors {
		a := &rt.actors[i]
		if a.state != stateDead && a.id == id {
			return a, nil
		}
	}

	return nil, fmt.Errorf("%w: actor %d", ErrInvalidArgument, id)
}

// releaseStack returns the actor's stack to wherever it came from.
func (rt *Runtime) releaseStack(a *actorRec) {
	if a.onHeap {
		a.heapStack = nil
		return
	}
	rt.arenaAlloc.Free(a.stack)
	a.stack = arena.Stack{}
}

// stackGuardsOK reports whether the actor's stack guards survived its run.
func (rt *Runtime) stackGuardsOK(a *actorRec) bool {
	if a.onHeap {
		return arena.CheckHeapGuards(a.heapStack)
	}

	return rt.arenaAlloc.CheckGuards(a.stack)
}
