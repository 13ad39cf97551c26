package loom

import (
	"fmt"
	"time"

	"github.com/roasbeef/loom/internal/pool"
)

// srcKind discriminates select source types.
type srcKind uint8

const (
	srcMailbox srcKind = iota
	srcBus
)

// SelectSource is one arm of a multi-source wait. Build with
// SourceMailbox or SourceBus.
type SelectSource struct {
	kind   srcKind
	filter Filter
	bus    BusID
	buf    []byte
}

// SourceMailbox waits for a mailbox message matching the filter. A zero
// filter matches any message.
func SourceMailbox(filter Filter) SelectSource {
	return SelectSource{kind: srcMailbox, filter: filter}
}

// SourceBus waits for a readable entry on a bus the caller subscribes to.
// A resolved read lands in buf.
func SourceBus(id BusID, buf []byte) SelectSource {
	return SelectSource{kind: srcBus, bus: id, buf: buf}
}

// SelectResult reports the winning source. Msg is set for mailbox wins, N
// for bus wins (bytes copied into the source's buffer).
type SelectResult struct {
	Index int
	Msg   *Message
	N     int
}

// Select waits on several sources at once and resolves with the first one
// ready; ties break toward the lowest index. Bus sources must already be
// subscribed. Resolution of a bus source advances the caller's cursor.
func (c *ActorContext) Select(sources []SelectSource,
	timeout time.Duration) (SelectResult, error) {

	rt, a := c.rt, c.a
	if len(sources) == 0 {
		return SelectResult{}, fmt.Errorf("%w: empty select",
			ErrInvalidArgument)
	}

	// Validate bus sources up front so a bad arm fails loudly instead
	// of silently never resolving.
	for i := range sources {
		s := &sources[i]
		if s.kind != srcBus {
			continue
		}
		b, err := rt.lookupBus(s.bus)
		if err != nil {
			return SelectResult{}, err
		}
		if b.findSub(a.id) == nil {
			return SelectResult{}, fmt.Errorf("%w: select on bus "+
				"%d without subscription", ErrInvalidArgument,
				s.bus)
		}
	}

	rt.releaseDeliveredWith(a, false)

	deadline := deadlineFromTimeout(timeout)
	for {
		for i := range sources {
			s := &sources[i]
			switch s.kind {
			case srcMailbox:
				idx := a.mbox.popMatch(rt.entryPool, &s.filter)
				if idx == pool.Invalid {
					continue
				}

				return SelectResult{
					Index: i,
					Msg:   rt.buildMessage(a, idx),
				}, nil

			case srcBus:
				b, err := rt.lookupBus(s.bus)
				if err != nil {
					return SelectResult{}, err
				}
				sub := b.findSub(a.id)
				if sub == nil {
					return SelectResult{}, fmt.Errorf(
						"%w: subscription lost on bus "+
							"%d", ErrInvalidArgument,
						s.bus)
				}

				n, ok, err := rt.busTryRead(b, sub, s.buf)
				if err != nil {
					return SelectResult{}, err
				}
				if ok {
					return SelectResult{Index: i, N: n}, nil
				}
			}
		}

		if timeout == 0 {
			return SelectResult{}, fmt.Errorf("%w: no source ready",
				ErrWouldBlock)
		}

		a.waitSel = sources
		code := rt.block(a, stateBlockedSelect, deadline)
		a.waitSel = nil
		if code == wakeTimeout {
			return SelectResult{}, fmt.Errorf("%w: select",
				ErrTimeout)
		}
	}
}
