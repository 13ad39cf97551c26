package loom

import (
	"fmt"
	"time"
)

// BusID identifies one publish/subscribe bus.
type BusID uint32

// BusConfig sizes one bus. Zero fields inherit the runtime defaults.
type BusConfig struct {
	// Capacity is the ring size in entries.
	Capacity int

	// MaxEntrySize is the payload capacity of one entry in bytes.
	MaxEntrySize int

	// MaxSubscribers caps the subscriber table.
	MaxSubscribers int

	// ConsumeAfterReads, when positive, makes an entry reclaimable as
	// soon as it has been read that many times.
	ConsumeAfterReads int

	// MaxEntryAge, when positive, makes an entry reclaimable once it
	// has been in the ring that long, read or not.
	MaxEntryAge time.Duration
}

// busEntry is one ring slot.
type busEntry struct {
	seq      uint64
	at       time.Time
	buf      []byte
	n        int
	reads    int
	consumed bool
}

// busSub is one subscriber cursor: the next sequence this actor expects.
type busSub struct {
	actor ActorID
	next  uint64
	live  bool
}

// busRec is one bus slot.
type busRec struct {
	id     BusID
	active bool
	cfg    BusConfig

	entries []busEntry
	base    uint64
	tip     uint64

	subs []busSub
}

// at returns the ring slot holding sequence seq.
func (b *busRec) at(seq uint64) *busEntry {
	return &b.entries[seq%uint64(len(b.entries))]
}

// aged reports whether the entry has outlived the bus's age policy.
func (b *busRec) aged(e *busEntry, ts time.Time) bool {
	return b.cfg.MaxEntryAge > 0 && ts.Sub(e.at) > b.cfg.MaxEntryAge
}

// reclaimable reports whether the oldest retained copy of this entry may
// be dropped: consumed, aged, or already read past by every live
// subscriber.
func (b *busRec) reclaimable(e *busEntry, ts time.Time) bool {
	if e.consumed || b.aged(e, ts) {
		return true
	}
	for i := range b.subs {
		s := &b.subs[i]
		if s.live && s.next <= e.seq {
			return false
		}
	}

	return true
}

// advanceBase drops every leading reclaimable entry.
func (b *busRec) advanceBase(ts time.Time) {
	for b.base < b.tip {
		if !b.reclaimable(b.at(b.base), ts) {
			return
		}
		b.base++
	}
}

// BusCreate allocates a bus. Zero config fields inherit the runtime
// defaults; ErrNoMemory means every bus slot is taken.
func (rt *Runtime) BusCreate(cfg BusConfig) (BusID, error) {
	if cfg.Capacity <= 0 {
		cfg.Capacity = rt.cfg.MaxBusEntries
	}
	if cfg.MaxEntrySize <= 0 {
		cfg.MaxEntrySize = rt.cfg.MaxMessageSize
	}
	if cfg.MaxSubscribers <= 0 {
		cfg.MaxSubscribers = rt.cfg.MaxBusSubscribers
	}
	if cfg.ConsumeAfterReads < 0 || cfg.MaxEntryAge < 0 {
		return 0, fmt.Errorf("%w: negative bus policy",
			ErrInvalidArgument)
	}

	slot := -1
	for i := range rt.buses {
		if !rt.buses[i].active {
			slot = i
			break
		}
	}
	if slot < 0 {
		return 0, fmt.Errorf("%w: bus table full", ErrNoMemory)
	}

	rt.nextBusID++
	b := &rt.buses[slot]
	*b = busRec{
		id:      BusID(rt.nextBusID),
		active:  true,
		cfg:     cfg,
		entries: make([]busEntry, cfg.Capacity),
		subs:    make([]busSub, cfg.MaxSubscribers),
	}
	for i := range b.entries {
		b.entries[i].buf = make([]byte, cfg.MaxEntrySize)
	}

	log.DebugS(rt.lctx, "Bus created",
		"bus_id", b.id,
		"capacity", cfg.Capacity,
		"max_subscribers", cfg.MaxSubscribers)

	return b.id, nil
}

// BusDestroy tears down a bus. It fails while subscribers remain; they
// must unsubscribe (or die) first.
func (rt *Runtime) BusDestroy(id BusID) error {
	b, err := rt.lookupBus(id)
	if err != nil {
		return err
	}

	for i := range b.subs {
		if b.subs[i].live {
			return fmt.Errorf("%w: bus %d still has subscribers",
				ErrExists, id)
		}
	}

	b.active = false
	b.entries = nil
	b.subs = nil

	return nil
}

// lookupBus resolves a BusID to its active record.
func (rt *Runtime) lookupBus(id BusID) (*busRec, error) {
	for i := range rt.buses {
		b := &rt.buses[i]
		if b.active && b.id == id {
			return b, nil
		}
	}

	return nil, fmt.Errorf("%w: unknown bus %d", ErrInvalidArgument, id)
}

// BusInfo is a diagnostic snapshot of one bus.
type BusInfo struct {
	Capacity    int
	Tip         uint64
	Base        uint64
	Subscribers int
}

// BusInfo reports the bus's current occupancy.
func (rt *Runtime) BusInfo(id BusID) (BusInfo, error) {
	b, err := rt.lookupBus(id)
	if err != nil {
		return BusInfo{}, err
	}

	subs := 0
	for i := range b.subs {
		if b.subs[i].live {
			subs++
		}
	}

	return BusInfo{
		Capacity:    len(b.entries),
		Tip:         b.tip,
		Base:        b.base,
		Subscribers: subs,
	}, nil
}

// busPublish appends one entry, overwriting the oldest only when it is
// reclaimable. A full ring with an unreclaimable oldest entry fails with
// ErrWouldBlock: the writer retries or drops.
func (rt *Runtime) busPublish(id BusID, data []byte) error {
	b, err := rt.lookupBus(id)
	if err != nil {
		return err
	}
	if len(data) > b.cfg.MaxEntrySize {
		return fmt.Errorf("%w: payload %d exceeds bus entry size %d",
			ErrInvalidArgument, len(data), b.cfg.MaxEntrySize)
	}

	ts := time.Now()
	b.advanceBase(ts)
	if b.tip-b.base == uint64(len(b.entries)) {
		return fmt.Errorf("%w: bus %d ring full", ErrWouldBlock, id)
	}

	e := b.at(b.tip)
	e.seq = b.tip
	e.at = ts
	e.n = copy(e.buf, data)
	e.reads = 0
	e.consumed = false
	b.tip++

	// Wake every subscriber parked on this bus, whether via ReadWait or
	// a select source.
	for i := range b.subs {
		s := &b.subs[i]
		if !s.live {
			continue
		}
		a, err := rt.lookup(s.actor)
		if err != nil {
			continue
		}

		switch a.state {
		case stateBlockedBus:
			if a.waitBus == id {
				rt.makeReady(a, wakeBusPub)
			}

		case stateBlockedSelect:
			for j := range a.waitSel {
				src := &a.waitSel[j]
				if src.kind == srcBus && src.bus == id {
					rt.makeReady(a, wakeBusPub)
					break
				}
			}
		}
	}

	return nil
}

// findSub returns the live subscriber slot of an actor on this bus.
func (b *busRec) findSub(id ActorID) *busSub {
	for i := range b.subs {
		if b.subs[i].live && b.subs[i].actor == id {
			return &b.subs[i]
		}
	}

	return nil
}

// busTryRead copies the subscriber's next entry into buf and advances the
// cursor. A cursor that fell behind the reclaim horizon snaps forward
// first (loss permitted by the bus policy that reclaimed the entries).
func (rt *Runtime) busTryRead(b *busRec, sub *busSub,
	buf []byte) (int, bool, error) {

	ts := time.Now()
	if sub.next < b.base {
		sub.next = b.base
	}

	for sub.next < b.tip {
		e := b.at(sub.next)
		if e.consumed || b.aged(e, ts) {
			// Logically gone; only physical reclamation lags.
			sub.next++
			continue
		}

		if len(buf) < e.n {
			return 0, false, fmt.Errorf("%w: read buffer %d "+
				"smaller than entry %d", ErrInvalidArgument,
				len(buf), e.n)
		}

		n := copy(buf, e.buf[:e.n])
		e.reads++
		if b.cfg.ConsumeAfterReads > 0 &&
			e.reads >= b.cfg.ConsumeAfterReads {

			e.consumed = true
		}
		sub.next++
		b.advanceBase(ts)

		return n, true, nil
	}

	return 0, false, nil
}

// BusSubscribe adds the calling actor to the bus's subscriber table. The
// cursor starts at the current tip: the subscriber observes every entry
// published from this moment on, in order. Subscribing twice is a no-op.
func (c *ActorContext) BusSubscribe(id BusID) error {
	b, err := c.rt.lookupBus(id)
	if err != nil {
		return err
	}

	if b.findSub(c.a.id) != nil {
		return nil
	}

	for i := range b.subs {
		s := &b.subs[i]
		if s.live {
			continue
		}
		*s = busSub{actor: c.a.id, next: b.tip, live: true}
		c.a.busSubs.Add(id)

		return nil
	}

	return fmt.Errorf("%w: bus %d subscriber table full", ErrNoMemory,
		id)
}

// BusUnsubscribe removes the calling actor from the bus. Entries it was
// holding back become reclaimable.
func (c *ActorContext) BusUnsubscribe(id BusID) error {
	b, err := c.rt.lookupBus(id)
	if err != nil {
		return err
	}

	sub := b.findSub(c.a.id)
	if sub == nil {
		return fmt.Errorf("%w: not subscribed to bus %d", ErrNotFound,
			id)
	}

	sub.live = false
	c.a.busSubs.Remove(id)

	return nil
}

// unsubscribeAllBuses removes a dying actor from every bus it subscribed
// to.
func (rt *Runtime) unsubscribeAllBuses(a *actorRec) {
	for _, id := range a.busSubs.ToSlice() {
		b, err := rt.lookupBus(id)
		if err != nil {
			continue
		}
		if sub := b.findSub(a.id); sub != nil {
			sub.live = false
		}
	}
	a.busSubs = nil
}

// BusPublish appends an entry to the bus from actor code.
func (c *ActorContext) BusPublish(id BusID, data []byte) error {
	return c.rt.busPublish(id, data)
}

// BusRead performs a non-blocking read at the calling actor's cursor,
// returning ErrWouldBlock when the cursor is at the publish tip.
func (c *ActorContext) BusRead(id BusID, buf []byte) (int, error) {
	b, err := c.rt.lookupBus(id)
	if err != nil {
		return 0, err
	}
	sub := b.findSub(c.a.id)
	if sub == nil {
		return 0, fmt.Errorf("%w: not subscribed to bus %d",
			ErrInvalidArgument, id)
	}

	n, ok, err := c.rt.busTryRead(b, sub, buf)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: bus %d cursor at tip",
			ErrWouldBlock, id)
	}

	return n, nil
}

// BusReadWait reads at the calling actor's cursor, blocking until a new
// publish arrives or the timeout fires.
func (c *ActorContext) BusReadWait(id BusID, buf []byte,
	timeout time.Duration) (int, error) {

	rt, a := c.rt, c.a
	deadline := deadlineFromTimeout(timeout)

	for {
		b, err := rt.lookupBus(id)
		if err != nil {
			return 0, err
		}
		sub := b.findSub(a.id)
		if sub == nil {
			return 0, fmt.Errorf("%w: not subscribed to bus %d",
				ErrInvalidArgument, id)
		}

		n, ok, err := rt.busTryRead(b, sub, buf)
		if err != nil {
			return 0, err
		}
		if ok {
			return n, nil
		}

		if timeout == 0 {
			return 0, fmt.Errorf("%w: bus %d cursor at tip",
				ErrWouldBlock, id)
		}

		a.waitBus = id
		code := rt.block(a, stateBlockedBus, deadline)
		if code == wakeTimeout {
			return 0, fmt.Errorf("%w: bus %d read", ErrTimeout, id)
		}
	}
}
