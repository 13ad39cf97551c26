package loom

import (
	"errors"
	"fmt"
)

// linkEntry is one direction of a symmetric link. A link between two
// actors consumes two pool entries, one in each actor's link list.
type linkEntry struct {
	peer ActorID
}

// monEntry is one asymmetric monitor: watcher is told when target dies;
// target never learns it is watched.
type monEntry struct {
	watcher ActorID
	target  ActorID
	ref     MonitorRef
}

// MonitorRef identifies one monitor for Demonitor.
type MonitorRef uint32

// linkedTo reports whether the actor already holds a link entry toward
// peer.
func (rt *Runtime) linkedTo(a *actorRec, peer ActorID) bool {
	for _, idx := range a.links {
		if rt.linkPool.Get(idx).peer == peer {
			return true
		}
	}

	return false
}

// Link establishes a symmetric death notification between the caller and
// the target: whichever dies first, the survivor receives a ClassLinkExit
// message whose tag carries the exit reason. Linking twice is a no-op.
func (c *ActorContext) Link(id ActorID) error {
	rt, a := c.rt, c.a

	if id == a.id {
		return fmt.Errorf("%w: link to self", ErrInvalidArgument)
	}
	t, err := rt.lookup(id)
	if err != nil {
		return err
	}
	if rt.linkedTo(a, id) {
		return nil
	}

	fwd, fe := rt.linkPool.Alloc()
	if fe == nil {
		return fmt.Errorf("%w: link pool", ErrNoMemory)
	}
	rev, re := rt.linkPool.Alloc()
	if re == nil {
		rt.linkPool.Free(fwd)

		return fmt.Errorf("%w: link pool", ErrNoMemory)
	}

	fe.peer = id
	re.peer = a.id
	a.links = append(a.links, fwd)
	t.links = append(t.links, rev)

	return nil
}

// Unlink removes the link between the caller and the target in both
// directions. Unlinking an unlinked pair is a no-op.
func (c *ActorContext) Unlink(id ActorID) error {
	rt, a := c.rt, c.a

	rt.removeLinkTo(a, id)
	if t, err := rt.lookup(id); err == nil {
		rt.removeLinkTo(t, a.id)
	}

	return nil
}

// removeLinkTo drops the actor's link entry toward peer, if present.
func (rt *Runtime) removeLinkTo(a *actorRec, peer ActorID) {
	for i, idx := range a.links {
		if rt.linkPool.Get(idx).peer != peer {
			continue
		}

		rt.linkPool.Free(idx)
		a.links = append(a.links[:i], a.links[i+1:]...)

		return
	}
}

// dropLinks notifies every link partner of the actor's death and releases
// both directions of each link. Best effort: a partner whose notification
// cannot be allocated still loses the link.
func (rt *Runtime) dropLinks(a *actorRec, reason ExitReason) {
	for _, idx := range a.links {
		peer := rt.linkPool.Get(idx).peer
		rt.linkPool.Free(idx)

		p, err := rt.lookup(peer)
		if err != nil {
			continue
		}
		rt.removeLinkTo(p, a.id)

		err = rt.notify(a.id, peer, ClassLinkExit, uint32(reason), nil)
		if err != nil && !errors.Is(err, ErrInvalidArgument) {
			log.WarnS(rt.lctx, "Dropped link exit notification",
				err,
				"dead", a.id,
				"peer", peer)
		}
	}
	a.links = a.links[:0]
}

// Monitor starts watching the target: when it dies, the caller receives a
// ClassMonitorDown message from the target whose tag carries the exit
// reason. Returns a reference for Demonitor.
func (c *ActorContext) Monitor(id ActorID) (MonitorRef, error) {
	rt, a := c.rt, c.a

	if id == a.id {
		return 0, fmt.Errorf("%w: monitor self", ErrInvalidArgument)
	}
	t, err := rt.lookup(id)
	if err != nil {
		return 0, err
	}

	idx, e := rt.monPool.Alloc()
	if e == nil {
		return 0, fmt.Errorf("%w: monitor pool", ErrNoMemory)
	}

	rt.nextMonRef++
	e.watcher = a.id
	e.target = id
	e.ref = MonitorRef(rt.nextMonRef)

	a.watches = append(a.watches, idx)
	t.mons = append(t.mons, idx)

	return e.ref, nil
}

// Demonitor stops watching. Idempotent: an unknown or already-fired
// reference is a no-op.
func (c *ActorContext) Demonitor(ref MonitorRef) error {
	rt, a := c.rt, c.a

	for i, idx := range a.watches {
		e := rt.monPool.Get(idx)
		if e.ref != ref {
			continue
		}

		if t, err := rt.lookup(e.target); err == nil {
			removeMonIdx(&t.mons, idx)
		}
		a.watches = append(a.watches[:i], a.watches[i+1:]...)
		rt.monPool.Free(idx)

		return nil
	}

	return nil
}

// removeMonIdx drops one pool index from a monitor list.
func removeMonIdx(list *[]int32, idx int32) {
	for i, v := range *list {
		if v == idx {
			*list = append((*list)[:i], (*list)[i+1:]...)

			return
		}
	}
}

// dropMonitors resolves every monitor touching a dying actor: watchers of
// the actor are notified, and monitors the actor held on others are
// discarded silently.
func (rt *Runtime) dropMonitors(a *actorRec, reason ExitReason) {
	// Watchers of this actor get the down notification.
	for _, idx := range a.mons {
		e := rt.monPool.Get(idx)
		watcher := e.watcher

		if w, err := rt.lookup(watcher); err == nil {
			removeMonIdx(&w.watches, idx)

			err = rt.notify(
				a.id, watcher, ClassMonitorDown,
				uint32(reason), nil,
			)
			if err != nil {
				log.WarnS(rt.lctx,
					"Dropped monitor down notification",
					err,
					"dead", a.id,
					"watcher", watcher)
			}
		}
		rt.monPool.Free(idx)
	}
	a.mons = a.mons[:0]

	// Monitors this actor held on others die with it.
	for _, idx := range a.watches {
		e := rt.monPool.Get(idx)
		if t, err := rt.lookup(e.target); err == nil {
			removeMonIdx(&t.mons, idx)
		}
		rt.monPool.Free(idx)
	}
	a.watches = a.watches[:0]
}
