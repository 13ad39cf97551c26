package loom

import "fmt"

// The runtime surfaces every failure as one of a small set of sentinel
// errors so callers can route on errors.Is without string matching.
// Operations wrap these with context via %w.
var (
	// ErrNoMemory indicates a fixed pool, the actor table, or the stack
	// arena is exhausted. Recoverable: the caller may retry after
	// backing off or draining.
	ErrNoMemory = fmt.Errorf("out of pool memory")

	// ErrInvalidArgument indicates a stale or malformed identifier, a
	// self-directed synchronous send, or an otherwise unusable argument.
	ErrInvalidArgument = fmt.Errorf("invalid argument")

	// ErrTimeout indicates a blocking primitive waited until its
	// deadline and the predicate never became true.
	ErrTimeout = fmt.Errorf("timed out")

	// ErrWouldBlock indicates a non-blocking call (timeout of zero)
	// found the predicate unsatisfied. Distinct from ErrTimeout so a
	// caller can tell "I chose not to wait" from "I waited in vain".
	ErrWouldBlock = fmt.Errorf("would block")

	// ErrClosed indicates the peer side of a rendezvous died: a
	// synchronous receiver exited without releasing, or an I/O fd was
	// closed under a blocked actor.
	ErrClosed = fmt.Errorf("peer closed")

	// ErrNotFound indicates a registry lookup missed.
	ErrNotFound = fmt.Errorf("not found")

	// ErrExists indicates a name registration conflict.
	ErrExists = fmt.Errorf("already exists")
)
