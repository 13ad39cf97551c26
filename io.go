package loom

import (
	"fmt"
	"time"

	"github.com/roasbeef/loom/internal/ring"
)

// IOOp is the request family an I/O provider maps onto its platform
// primitives.
type IOOp uint8

const (
	// IORead reads from a stream or datagram fd.
	IORead IOOp = iota

	// IOWrite writes to a stream or datagram fd.
	IOWrite

	// IOAccept accepts one connection on a listening fd.
	IOAccept

	// IOConnect establishes an outbound connection.
	IOConnect

	// IOFileRead reads from a file at Offset.
	IOFileRead

	// IOFileWrite writes to a file at Offset.
	IOFileWrite

	// IOFileSync flushes a file to stable storage.
	IOFileSync
)

// IORequest describes one operation handed to a provider. The runtime
// stamps Owner and Seq at submit time; providers must echo both in the
// completion.
type IORequest struct {
	// Op selects the request family.
	Op IOOp

	// FD is the provider-scoped descriptor the operation targets.
	FD int

	// Buf is the transfer buffer for read/write families. The provider
	// may touch it only between Submit and the completion push.
	Buf []byte

	// Offset positions file operations.
	Offset int64

	// Owner is the waiting actor, stamped by the runtime.
	Owner ActorID

	// Seq matches the completion to the wait that submitted it,
	// stamped by the runtime.
	Seq uint64
}

// IOCompletion is the record a provider pushes when a request finishes.
type IOCompletion struct {
	// Actor is the waiting actor, echoed from the request.
	Actor ActorID

	// Seq is echoed from the request.
	Seq uint64

	// N is the resulting byte count.
	N int

	// Err carries the outcome; ErrClosed when the fd was closed under
	// the waiter.
	Err error
}

// IOProvider is the contract an I/O backend implements. Submit, Cancel,
// and Close are called on the scheduler thread; the provider's own
// threads interact with the runtime only by pushing completions into the
// CompletionQueue it was attached with.
type IOProvider interface {
	// Submit starts one operation. The deadline is advisory; the
	// runtime enforces the wait timeout itself and cancels on expiry.
	Submit(req *IORequest, owner ActorID, deadline time.Time) error

	// Cancel abandons an in-flight request after the waiter gave up. A
	// late completion for it is ignored by the runtime.
	Cancel(req *IORequest) error

	// Close releases a descriptor. Blocked operations on it should
	// complete with ErrClosed.
	Close(fd int) error
}

// CompletionQueue is the single bridge between a provider's threads and
// the scheduler: a bounded lock-free ring plus an idle wake.
type CompletionQueue struct {
	rt *Runtime
	rb *ring.Ring[IOCompletion]
}

// Push appends a completion from any thread and nudges an idle scheduler.
// Returns false if the ring is full; the provider should retry, since a
// dropped completion strands its waiter until the wait's own deadline.
func (q *CompletionQueue) Push(comp IOCompletion) bool {
	ok := q.rb.Push(comp)
	q.rt.poke()

	return ok
}

// providerRec pairs one attached provider with its completion ring.
type providerRec struct {
	p IOProvider
	q *CompletionQueue
}

// AttachProvider registers an I/O provider and returns the completion
// queue its worker threads push into. Attach providers before Run.
func (rt *Runtime) AttachProvider(p IOProvider) (*CompletionQueue, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidArgument)
	}

	q := &CompletionQueue{
		rt: rt,
		rb: ring.New[IOCompletion](rt.cfg.CompletionQueueSize),
	}
	rt.providers = append(rt.providers, &providerRec{p: p, q: q})

	return q, nil
}

// drainCompletions moves every pending completion into its waiting
// actor's I/O status slot and readies the actor. Stale completions (the
// waiter timed out or died since submitting) are dropped.
func (rt *Runtime) drainCompletions() {
	for _, pr := range rt.providers {
		var comp IOCompletion
		for pr.q.rb.Pop(&comp) {
			a, err := rt.lookup(comp.Actor)
			if err != nil {
				continue
			}
			if a.state != stateBlockedIO || a.ioSeq != comp.Seq {
				continue
			}

			a.ioRes = ioResult{n: comp.N, err: comp.Err}
			rt.makeReady(a, wakeIO)
		}
	}
}

// DoIO submits a request to the provider and blocks until its completion
// arrives or the timeout fires, returning the completion's byte count and
// status. On timeout the request is cancelled and a late completion is
// discarded. The timeout must be non-zero: an I/O wait cannot resolve
// without blocking.
func (c *ActorContext) DoIO(p IOProvider, req *IORequest,
	timeout time.Duration) (int, error) {

	rt, a := c.rt, c.a

	if p == nil || req == nil {
		return 0, fmt.Errorf("%w: nil provider or request",
			ErrInvalidArgument)
	}
	if timeout == 0 {
		return 0, fmt.Errorf("%w: zero timeout on I/O wait",
			ErrInvalidArgument)
	}

	a.ioSeq++
	req.Owner = a.id
	req.Seq = a.ioSeq

	deadline := deadlineFromTimeout(timeout)
	if err := p.Submit(req, a.id, deadline); err != nil {
		return 0, err
	}

	code := rt.block(a, stateBlockedIO, deadline)
	switch code {
	case wakeIO:
		return a.ioRes.n, a.ioRes.err

	case wakeTimeout:
		// Give up on the request; bump the sequence so a late
		// completion cannot satisfy a future wait.
		a.ioSeq++
		if err := p.Cancel(req); err != nil {
			log.WarnS(rt.lctx, "I/O cancel failed", err,
				"actor_id", a.id,
				"fd", req.FD)
		}

		return 0, fmt.Errorf("%w: i/o wait", ErrTimeout)

	default:
		return 0, fmt.Errorf("%w: unexpected wake %d",
			ErrInvalidArgument, code)
	}
}
