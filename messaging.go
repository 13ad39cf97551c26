package loom

import (
	"fmt"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/loom/internal/pool"
)

// ActorContext is the per-actor handle passed to every ActorFunc. All
// blocking primitives live here and must only be called from the owning
// actor's fiber.
type ActorContext struct {
	rt *Runtime
	a  *actorRec
}

// allocEntry builds a pooled mailbox entry carrying a copy of data in a
// payload block. Exhaustion of either pool fails with ErrNoMemory and
// leaves both pools untouched.
func (rt *Runtime) allocEntry(sender ActorID, class MsgClass, tag uint32,
	data []byte) (int32, error) {

	if len(data) > rt.cfg.MaxMessageSize {
		return pool.Invalid, fmt.Errorf("%w: payload %d exceeds max "+
			"message size %d", ErrInvalidArgument, len(data),
			rt.cfg.MaxMessageSize)
	}

	ei, e := rt.entryPool.Alloc()
	if e == nil {
		return pool.Invalid, fmt.Errorf("%w: mailbox entry pool",
			ErrNoMemory)
	}

	e.sender = sender
	e.class = class
	e.tag = tag
	e.dataIdx = pool.Invalid
	e.dataLen = 0
	e.syncIdx = pool.Invalid
	e.next = pool.Invalid

	if len(data) > 0 {
		di, blk := rt.dataPool.Alloc()
		if blk == nil {
			rt.entryPool.Free(ei)

			return pool.Invalid, fmt.Errorf("%w: message data pool",
				ErrNoMemory)
		}
		copy(blk.buf, data)
		e.dataIdx = di
		e.dataLen = len(data)
	}

	return ei, nil
}

// deliverEntry appends the entry to the target's mailbox and wakes the
// target if the arrival satisfies its wait predicate.
func (rt *Runtime) deliverEntry(to *actorRec, idx int32) {
	to.mbox.push(rt.entryPool, idx)
	rt.wakeOnDelivery(to, rt.entryPool.Get(idx))
}

// wakeOnDelivery transitions a blocked receiver to ready when the newly
// arrived entry satisfies its receive filter or one of its select
// sources.
func (rt *Runtime) wakeOnDelivery(to *actorRec, e *msgEntry) {
	switch to.state {
	case stateBlockedRecv:
		if to.waitFilter.matches(e) {
			rt.makeReady(to, wakeDelivered)
		}

	case stateBlockedSelect:
		for i := range to.waitSel {
			s := &to.waitSel[i]
			if s.kind == srcMailbox && s.filter.matches(e) {
				rt.makeReady(to, wakeDelivered)

				return
			}
		}
	}
}

// notify is the shared async send path.
func (rt *Runtime) notify(sender ActorID, to ActorID, class MsgClass,
	tag uint32, data []byte) error {

	t, err := rt.lookup(to)
	if err != nil {
		return err
	}

	idx, err := rt.allocEntry(sender, class, tag, data)
	if err != nil {
		return err
	}
	rt.deliverEntry(t, idx)

	log.TraceS(rt.lctx, "Notified",
		"from", sender,
		"to", to,
		"class", class,
		"tag", tag,
		"len", len(data))

	return nil
}

// Notify sends a fire-and-forget message. The payload is copied into a
// pooled block; ErrNoMemory means the pools are exhausted right now and a
// retry after backoff (or after the receiver drains) is expected to
// succeed.
func (c *ActorContext) Notify(to ActorID, tag uint32, data []byte) error {
	return c.rt.notify(c.a.id, to, ClassNotify, tag, data)
}

// buildMessage converts a dequeued entry into the receiver-facing Message
// and records it as delivered: its pooled storage stays owned by the
// message until the receiver's next receive operation or an explicit
// Release.
func (rt *Runtime) buildMessage(a *actorRec, idx int32) *Message {
	e := rt.entryPool.Get(idx)
	m := &Message{
		Sender: e.sender,
		Class:  e.class,
		Tag:    e.tag,
		entry:  idx,
	}

	switch {
	case e.syncIdx != pool.Invalid:
		rec := rt.syncPool.Get(e.syncIdx)
		m.Data = rec.buf[:rec.n]

	case e.dataIdx != pool.Invalid:
		m.Data = rt.dataPool.Get(e.dataIdx).buf[:e.dataLen]
	}

	a.delivered = append(a.delivered, idx)

	return m
}

// releaseEntry returns an entry's storage to its pools. closed controls
// what a blocked synchronous sender behind this entry is told: released
// normally or that its receiver died.
func (rt *Runtime) releaseEntry(idx int32, closed bool) {
	e := rt.entryPool.Get(idx)
	if e.dataIdx != pool.Invalid {
		rt.dataPool.Free(e.dataIdx)
		e.dataIdx = pool.Invalid
	}
	if e.syncIdx != pool.Invalid {
		rt.releaseSyncRec(e.syncIdx, closed)
		e.syncIdx = pool.Invalid
	}
	rt.entryPool.Free(idx)
}

// releaseSyncRec resolves the rendezvous behind one sync buffer: the
// still-blocked sender (if any) is woken with release or closed status,
// and the buffer returns to the pool.
func (rt *Runtime) releaseSyncRec(si int32, closed bool) {
	rec := rt.syncPool.Get(si)
	if rec.sender != InvalidActor {
		s, err := rt.lookup(rec.sender)
		if err == nil && s.state == stateBlockedRelease &&
			s.waitSync == si {

			code := wakeReleased
			if closed {
				code = wakeClosed
			}
			rt.makeReady(s, code)
		}
		rec.sender = InvalidActor
	}
	rt.syncPool.Free(si)
}

// releaseDeliveredWith returns every previously delivered message's
// storage, resolving any sync rendezvous among them.
func (rt *Runtime) releaseDeliveredWith(a *actorRec, closed bool) {
	for _, idx := range a.delivered {
		rt.releaseEntry(idx, closed)
	}
	a.delivered = a.delivered[:0]
}

// flushMailbox drains and frees every queued entry of a dying actor,
// resolving queued sync senders with closed status.
func (rt *Runtime) flushMailbox(a *actorRec) {
	for {
		idx := a.mbox.popHead(rt.entryPool)
		if idx == pool.Invalid {
			return
		}
		rt.releaseEntry(idx, true)
	}
}

// detachSyncSend disconnects a dying actor from a synchronous send it has
// in flight, so the receiver's eventual release finds nobody to wake.
func (rt *Runtime) detachSyncSend(a *actorRec) {
	if a.waitSync == pool.Invalid {
		return
	}
	rec := rt.syncPool.Get(a.waitSync)
	if rec.sender == a.id {
		rec.sender = InvalidActor
	}
	a.waitSync = pool.Invalid
}

// recvCommon implements both plain and selective receive. Entering a
// receive implicitly releases every previously delivered message,
// including the release leg of a delivered synchronous send.
func (c *ActorContext) recvCommon(filter Filter, timeout time.Duration,
	selective bool) (*Message, error) {

	rt, a := c.rt, c.a
	rt.releaseDeliveredWith(a, false)

	deadline := deadlineFromTimeout(timeout)
	for {
		var idx int32
		if selective {
			idx = a.mbox.popMatch(rt.entryPool, &filter)
		} else {
			idx = a.mbox.popHead(rt.entryPool)
		}
		if idx != pool.Invalid {
			return rt.buildMessage(a, idx), nil
		}

		if timeout == 0 {
			return nil, ErrWouldBlock
		}

		a.waitFilter = filter
		code := rt.block(a, stateBlockedRecv, deadline)
		if code == wakeTimeout {
			return nil, ErrTimeout
		}
	}
}

// Recv dequeues the oldest mailbox message, blocking per the uniform
// timeout convention: zero fails immediately with ErrWouldBlock, negative
// waits indefinitely, positive waits until the deadline (ErrTimeout).
func (c *ActorContext) Recv(timeout time.Duration) (*Message, error) {
	return c.recvCommon(Filter{}, timeout, false)
}

// RecvMatch dequeues the oldest message satisfying the filter, leaving
// non-matching messages queued in their original order.
func (c *ActorContext) RecvMatch(filter Filter,
	timeout time.Duration) (*Message, error) {

	return c.recvCommon(filter, timeout, true)
}

// Release explicitly returns a delivered message's storage ahead of the
// next receive. For a synchronous message this resumes the blocked
// sender.
func (c *ActorContext) Release(msg *Message) error {
	if msg == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidArgument)
	}

	a := c.a
	for i, idx := range a.delivered {
		if idx != msg.entry {
			continue
		}

		c.rt.releaseEntry(idx, false)
		a.delivered = append(a.delivered[:i], a.delivered[i+1:]...)

		return nil
	}

	return fmt.Errorf("%w: message not held", ErrNotFound)
}

// Request sends a tag-correlated request and blocks for the matching
// reply. The correlation tag is drawn from a runtime-wide counter; the
// receive filter is class-qualified, so correlation tags may alias user
// tags without confusion.
func (c *ActorContext) Request(to ActorID, data []byte,
	timeout time.Duration) (*Message, error) {

	rt := c.rt

	rt.nextCorr++
	corr := rt.nextCorr

	if err := rt.notify(c.a.id, to, ClassRequest, corr, data); err != nil {
		return nil, err
	}

	return c.recvCommon(Filter{
		Class: fn.Some(ClassReply),
		Tag:   fn.Some(corr),
	}, timeout, true)
}

// Reply answers a previously received request, echoing its correlation
// tag back to the requester.
func (c *ActorContext) Reply(req *Message, data []byte) error {
	if req == nil || req.Class != ClassRequest {
		return fmt.Errorf("%w: not a request message",
			ErrInvalidArgument)
	}

	return c.rt.notify(c.a.id, req.Sender, ClassReply, req.Tag, data)
}

// SendSync delivers a message with backpressure: the payload is pinned in
// a sync buffer and the caller blocks until the receiver releases it —
// explicitly, implicitly via its next receive, or by dying (ErrClosed).
// Self-sends and direct two-actor cycles are rejected; longer synchronous
// cycles are the caller's responsibility. The timeout must be non-zero:
// a synchronous send cannot complete without waiting.
func (c *ActorContext) SendSync(to ActorID, tag uint32, data []byte,
	timeout time.Duration) error {

	rt, a := c.rt, c.a

	if timeout == 0 {
		return fmt.Errorf("%w: zero timeout on synchronous send",
			ErrInvalidArgument)
	}
	if to == a.id {
		return fmt.Errorf("%w: synchronous send to self",
			ErrInvalidArgument)
	}
	if len(data) > rt.cfg.MaxMessageSize {
		return fmt.Errorf("%w: payload %d exceeds max message size %d",
			ErrInvalidArgument, len(data), rt.cfg.MaxMessageSize)
	}

	t, err := rt.lookup(to)
	if err != nil {
		return err
	}

	// Reject the trivial rendezvous deadlock: the target is itself
	// blocked on a synchronous send to us.
	if t.state == stateBlockedRelease && t.syncTarget == a.id {
		return fmt.Errorf("%w: synchronous send cycle with %d",
			ErrInvalidArgument, to)
	}

	si, rec := rt.syncPool.Alloc()
	if rec == nil {
		return fmt.Errorf("%w: sync buffer pool", ErrNoMemory)
	}
	rec.n = copy(rec.buf, data)
	rec.sender = a.id

	ei, e := rt.entryPool.Alloc()
	if e == nil {
		rec.sender = InvalidActor
		rt.syncPool.Free(si)

		return fmt.Errorf("%w: mailbox entry pool", ErrNoMemory)
	}
	e.sender = a.id
	e.class = ClassNotify
	e.tag = tag
	e.dataIdx = pool.Invalid
	e.dataLen = rec.n
	e.syncIdx = si
	e.next = pool.Invalid

	a.syncTarget = to
	a.waitSync = si
	rt.deliverEntry(t, ei)

	code := rt.block(a, stateBlockedRelease, deadlineFromTimeout(timeout))

	a.syncTarget = InvalidActor
	switch code {
	case wakeReleased:
		a.waitSync = pool.Invalid

		return nil

	case wakeClosed:
		a.waitSync = pool.Invalid

		return fmt.Errorf("%w: receiver died before release",
			ErrClosed)

	case wakeTimeout:
		// The message stays queued; detach so the eventual release
		// finds nobody to wake.
		rt.detachSyncSend(a)

		return fmt.Errorf("%w: release", ErrTimeout)

	default:
		a.waitSync = pool.Invalid

		return fmt.Errorf("%w: unexpected wake %d",
			ErrInvalidArgument, code)
	}
}
