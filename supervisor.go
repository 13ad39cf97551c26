package loom

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
)

// RestartPolicy decides whether a dead child is brought back.
type RestartPolicy uint8

const (
	// RestartPermanent children are always restarted.
	RestartPermanent RestartPolicy = iota

	// RestartTransient children are restarted unless they exited
	// normally.
	RestartTransient

	// RestartTemporary children are never restarted.
	RestartTemporary
)

// Strategy decides how far a child's death reaches.
type Strategy uint8

const (
	// OneForOne restarts only the dead child.
	OneForOne Strategy = iota

	// OneForAll terminates every remaining child in reverse spawn
	// order, then restarts all children in forward order.
	OneForAll

	// RestForOne terminates the children spawned after the dead one in
	// reverse order, then restarts the dead child and those later
	// children in forward order.
	RestForOne
)

// supervisorStopTag marks the runtime-originated notify that tells a
// supervisor to wind down its children and exit.
const supervisorStopTag uint32 = 0x53544f50

// ChildSpec describes one supervised child.
type ChildSpec struct {
	// Name optionally registers the child globally. The supervisor
	// relies on death deregistration to re-register on restart; a
	// restart that loses the name race is treated as a crash.
	Name string

	// Start is the child's main function.
	Start ActorFunc

	// Init optionally transforms Arg at each (re)start.
	Init InitFunc

	// Arg is handed to each incarnation of the child.
	Arg any

	// Restart is the child's restart policy.
	Restart RestartPolicy

	// Priority optionally overrides the child's scheduling class.
	Priority fn.Option[Priority]

	// StackSize optionally overrides the child's stack reservation.
	StackSize fn.Option[int]

	// HeapStack permits heap fallback for the child's stack.
	HeapStack bool
}

// SupervisorConfig describes a supervisor: its children in start order,
// the strategy tying their fates together, and the restart intensity that
// bounds how hard it tries before giving up.
type SupervisorConfig struct {
	// Children are started in declared order.
	Children []ChildSpec

	// Strategy selects the restart scope.
	Strategy Strategy

	// MaxRestarts is the number of restart events tolerated within
	// RestartPeriod; one more and the supervisor shuts down.
	MaxRestarts int

	// RestartPeriod is the sliding intensity window.
	RestartPeriod time.Duration

	// OnShutdown runs right before the supervisor gives up and
	// terminates its remaining children.
	OnShutdown func()

	// Priority optionally overrides the supervisor's own class; it
	// defaults to high so death notifications outrun ordinary load.
	Priority fn.Option[Priority]
}

// supChild tracks one child slot.
type supChild struct {
	id    ActorID
	ref   MonitorRef
	alive bool

	// gone marks a child that left for good: temporary after death, or
	// transient after a normal exit.
	gone bool
}

// supState is the supervisor actor's private state.
type supState struct {
	cfg      SupervisorConfig
	children []supChild
	ledger   []time.Time
}

// StartSupervisor spawns a supervisor actor that starts and watches the
// configured children. The returned ID is an ordinary actor ID: it can be
// monitored, linked, or killed like any other actor.
func (rt *Runtime) StartSupervisor(cfg SupervisorConfig) (ActorID, error) {
	if len(cfg.Children) == 0 {
		return InvalidActor, fmt.Errorf("%w: supervisor with no "+
			"children", ErrInvalidArgument)
	}
	for i := range cfg.Children {
		if cfg.Children[i].Start == nil {
			return InvalidActor, fmt.Errorf("%w: child %d has no "+
				"start function", ErrInvalidArgument, i)
		}
	}
	if cfg.MaxRestarts < 0 {
		return InvalidActor, fmt.Errorf("%w: negative max restarts",
			ErrInvalidArgument)
	}
	if cfg.MaxRestarts > 0 && cfg.RestartPeriod <= 0 {
		return InvalidActor, fmt.Errorf("%w: restart intensity "+
			"without a period", ErrInvalidArgument)
	}

	st := &supState{
		cfg:      cfg,
		children: make([]supChild, len(cfg.Children)),
	}

	return rt.Spawn(supervisorMain, st,
		WithPriority(cfg.Priority.UnwrapOr(PriorityHigh)))
}

// StopSupervisor asks a supervisor to terminate its children (reverse
// spawn order) and exit normally. Delivery is asynchronous; monitor the
// supervisor to observe completion.
func (rt *Runtime) StopSupervisor(id ActorID) error {
	return rt.notify(InvalidActor, id, ClassNotify, supervisorStopTag,
		nil)
}

// supervisorMain is the supervisor actor body: start all children, then
// react to monitor downs per policy and strategy until stopped.
func supervisorMain(c *ActorContext, arg any) {
	st := arg.(*supState)

	for i := range st.cfg.Children {
		if err := st.startChild(c, i); err != nil {
			log.ErrorS(c.rt.lctx, "Supervisor failed to start "+
				"child", err,
				"supervisor", c.Self(),
				"child_index", i)

			st.stopAll(c)
			panic(exitSignal{reason: ExitCrash})
		}
	}

	for {
		msg, err := c.Recv(Forever)
		if err != nil {
			continue
		}

		switch msg.Class {
		case ClassMonitorDown:
			st.onChildDown(c, msg.Sender, ExitReason(msg.Tag))

		case ClassNotify:
			if msg.Tag == supervisorStopTag &&
				msg.Sender == InvalidActor {

				st.stopAll(c)

				return
			}
		}
	}
}

// startChild spawns and monitors the child at slot i.
func (st *supState) startChild(c *ActorContext, i int) error {
	spec := &st.cfg.Children[i]

	var opts []SpawnOption
	if spec.Name != "" {
		opts = append(opts, WithName(spec.Name))
	}
	if spec.Priority.IsSome() {
		opts = append(opts,
			WithPriority(spec.Priority.UnwrapOr(PriorityNormal)))
	}
	if spec.StackSize.IsSome() {
		opts = append(opts,
			WithStackSize(spec.StackSize.UnwrapOr(0)))
	}
	if spec.HeapStack {
		opts = append(opts, WithHeapStack())
	}
	if spec.Init != nil {
		opts = append(opts, WithInit(spec.Init))
	}

	id, err := c.Spawn(spec.Start, spec.Arg, opts...)
	if err != nil {
		return err
	}

	ref, err := c.Monitor(id)
	if err != nil {
		_ = c.Kill(id)

		return err
	}

	st.children[i] = supChild{id: id, ref: ref, alive: true}

	return nil
}

// pruneLedger drops restart timestamps older than the intensity window.
func (st *supState) pruneLedger(ts time.Time) {
	if st.cfg.RestartPeriod <= 0 {
		st.ledger = st.ledger[:0]

		return
	}

	cutoff := ts.Add(-st.cfg.RestartPeriod)
	kept := st.ledger[:0]
	for _, t := range st.ledger {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	st.ledger = kept
}

// noteRestart records one restart event, shutting the supervisor down
// when the intensity bound is already spent. It only returns if the
// restart may proceed.
func (st *supState) noteRestart(c *ActorContext) {
	ts := time.Now()
	st.pruneLedger(ts)

	if len(st.ledger) >= st.cfg.MaxRestarts {
		log.WarnS(c.rt.lctx, "Supervisor restart intensity exceeded",
			nil,
			"supervisor", c.Self(),
			"max_restarts", st.cfg.MaxRestarts,
			"period", st.cfg.RestartPeriod)

		if st.cfg.OnShutdown != nil {
			st.cfg.OnShutdown()
		}
		st.stopAll(c)
		panic(exitSignal{reason: ExitNormal})
	}

	st.ledger = append(st.ledger, ts)
}

// onChildDown applies the child's restart policy and the supervisor's
// strategy to one death notification.
func (st *supState) onChildDown(c *ActorContext, dead ActorID,
	reason ExitReason) {

	idx := -1
	for i := range st.children {
		if st.children[i].alive && st.children[i].id == dead {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	ch := &st.children[idx]
	ch.alive = false
	spec := &st.cfg.Children[idx]

	log.DebugS(c.rt.lctx, "Supervised child died",
		"supervisor", c.Self(),
		"child", dead,
		"reason", reason,
		"policy", spec.Restart)

	switch {
	case spec.Restart == RestartTemporary:
		ch.gone = true

		return

	case spec.Restart == RestartTransient && reason == ExitNormal:
		ch.gone = true

		return
	}

	st.noteRestart(c)

	switch st.cfg.Strategy {
	case OneForOne:
		st.restartOne(c, idx)

	case OneForAll:
		st.stopRange(c, len(st.children)-1, 0)
		st.restartRange(c, 0, len(st.children)-1)

	case RestForOne:
		st.stopRange(c, len(st.children)-1, idx)
		st.restartRange(c, idx, len(st.children)-1)
	}
}

// restartOne restarts the child at slot i, treating each failed attempt
// as a further restart event against the intensity budget.
func (st *supState) restartOne(c *ActorContext, i int) {
	if st.children[i].gone {
		return
	}

	for {
		err := st.startChild(c, i)
		if err == nil {
			return
		}

		// A failed restart (name taken, pools exhausted) counts as a
		// crash of the fresh incarnation.
		log.WarnS(c.rt.lctx, "Child restart failed", err,
			"supervisor", c.Self(),
			"child_index", i)

		st.noteRestart(c)
	}
}

// restartRange restarts slots lo..hi in forward order.
func (st *supState) restartRange(c *ActorContext, lo, hi int) {
	for i := lo; i <= hi; i++ {
		st.restartOne(c, i)
	}
}

// stopRange terminates live children from slot hi down to lo. Each child
// is demonitored first so its killed exit does not loop back as a down
// notification.
func (st *supState) stopRange(c *ActorContext, hi, lo int) {
	for i := hi; i >= lo; i-- {
		ch := &st.children[i]
		if !ch.alive {
			continue
		}

		_ = c.Demonitor(ch.ref)
		_ = c.Kill(ch.id)
		ch.alive = false
	}
}

// stopAll terminates every live child in reverse spawn order.
func (st *supState) stopAll(c *ActorContext) {
	st.stopRange(c, len(st.children)-1, 0)
}
