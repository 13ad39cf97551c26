package loom

import (
	"github.com/lightningnetwork/lnd/fn/v2"

	"github.com/roasbeef/loom/internal/pool"
)

// MsgClass partitions mailbox traffic so selective receives can filter
// runtime notifications from user messages.
type MsgClass uint8

const (
	// ClassNotify is a fire-and-forget user message, including the
	// message leg of a synchronous send.
	ClassNotify MsgClass = iota

	// ClassRequest is the request leg of a tag-correlated RPC.
	ClassRequest

	// ClassReply is the reply leg of a tag-correlated RPC.
	ClassReply

	// ClassTimer is a timer expiry notification; the tag carries the
	// timer ID and the sender is the runtime.
	ClassTimer

	// ClassLinkExit notifies a link partner of a death; the tag carries
	// the exit reason.
	ClassLinkExit

	// ClassMonitorDown notifies a watcher of its target's death; the
	// tag carries the exit reason and the sender is the deceased.
	ClassMonitorDown

	// ClassBusEvent is reserved for internal bus wake notifications.
	ClassBusEvent
)

// String returns a short class tag for logs.
func (c MsgClass) String() string {
	switch c {
	case ClassNotify:
		return "notify"
	case ClassRequest:
		return "request"
	case ClassReply:
		return "reply"
	case ClassTimer:
		return "timer"
	case ClassLinkExit:
		return "link_exit"
	case ClassMonitorDown:
		return "monitor_down"
	case ClassBusEvent:
		return "bus_event"
	default:
		return "unknown"
	}
}

// Message is the receiver-side view of one mailbox entry. Data aliases
// pooled storage owned by the message: it stays valid until the receiver's
// next receive operation or an explicit Release, whichever comes first.
type Message struct {
	// Sender is the actor that sent the message, or InvalidActor for
	// timer messages. For link_exit and monitor_down it is the actor
	// that died.
	Sender ActorID

	// Class is the message class.
	Class MsgClass

	// Tag is the 32-bit discriminator: user-defined for notify,
	// correlation tag for request/reply, timer ID for timer, exit
	// reason for link_exit and monitor_down.
	Tag uint32

	// Data is the payload. Nil for payload-free classes.
	Data []byte

	// entry is the pool index of the backing mailbox entry, used to
	// return the storage once the receiver is done with it.
	entry int32
}

// Filter is the triple a selective receive matches against. Each field is
// independently either a concrete value or a wildcard (None).
type Filter struct {
	// From matches the sender when set.
	From fn.Option[ActorID]

	// Class matches the message class when set.
	Class fn.Option[MsgClass]

	// Tag matches the tag when set.
	Tag fn.Option[uint32]
}

// matches reports whether the entry satisfies every set field.
func (f *Filter) matches(e *msgEntry) bool {
	if f.From.IsSome() && f.From.UnwrapOr(InvalidActor) != e.sender {
		return false
	}
	if f.Class.IsSome() && f.Class.UnwrapOr(0) != e.class {
		return false
	}
	if f.Tag.IsSome() && f.Tag.UnwrapOr(0) != e.tag {
		return false
	}

	return true
}

// msgEntry is one pooled mailbox entry. Entries chain through the shared
// entry pool by index, forming each actor's FIFO.
type msgEntry struct {
	sender  ActorID
	class   MsgClass
	tag     uint32
	dataIdx int32
	dataLen int
	syncIdx int32
	next    int32
}

// payloadBlock is one async payload slot, MaxMessageSize bytes.
type payloadBlock struct {
	buf []byte
}

// syncRec is one pinned synchronous-send buffer plus the rendezvous state
// tying it back to the blocked sender. A sender of zero means the sender
// gave up (timeout) or died, and release just reclaims the slot.
type syncRec struct {
	buf    []byte
	n      int
	sender ActorID
}

// mailbox is a bounded FIFO of pooled entries belonging to one actor,
// chained by pool index.
type mailbox struct {
	head  int32
	tail  int32
	count int
}

// reset empties the mailbox bookkeeping (entries must already be freed).
func (m *mailbox) reset() {
	m.head = pool.Invalid
	m.tail = pool.Invalid
	m.count = 0
}

// push appends the entry at the tail.
func (m *mailbox) push(entries *pool.Pool[msgEntry], idx int32) {
	entries.Get(idx).next = pool.Invalid
	if m.tail == pool.Invalid {
		m.head = idx
	} else {
		entries.Get(m.tail).next = idx
	}
	m.tail = idx
	m.count++
}

// popHead removes and returns the head entry index, or Invalid when
// empty.
func (m *mailbox) popHead(entries *pool.Pool[msgEntry]) int32 {
	idx := m.head
	if idx == pool.Invalid {
		return pool.Invalid
	}
	m.head = entries.Get(idx).next
	if m.head == pool.Invalid {
		m.tail = pool.Invalid
	}
	m.count--

	return idx
}

// popMatch removes and returns the first entry satisfying the filter,
// leaving every non-matching entry in place and in order.
func (m *mailbox) popMatch(entries *pool.Pool[msgEntry],
	filter *Filter) int32 {

	prev := pool.Invalid
	for idx := m.head; idx != pool.Invalid; {
		e := entries.Get(idx)
		if filter.matches(e) {
			if prev == pool.Invalid {
				m.head = e.next
			} else {
				entries.Get(prev).next = e.next
			}
			if m.tail == idx {
				m.tail = prev
			}
			m.count--

			return idx
		}

		prev, idx = idx, e.next
	}

	return pool.Invalid
}
