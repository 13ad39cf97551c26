// Package ring implements the bounded lock-free ring buffer carrying I/O
// completion records from provider threads into the scheduler. The design
// is the per-slot sequence number scheme (Vyukov), which is safe for
// multiple producers even though each provider conventionally owns a
// single producer thread.
package ring

import (
	"runtime"
	"sync/atomic"
)

// Ring is a bounded MPSC-capable ring buffer. Push may be called from
// provider threads; Pop only from the scheduler thread.
type Ring[T any] struct {
	mask    uint64
	enqueue atomic.Uint64
	dequeue atomic.Uint64
	cells   []cell[T]
}

type cell[T any] struct {
	seq atomic.Uint64
	val T
}

// New creates a ring with the given capacity, rounded up to a power of
// two (minimum 2).
func New[T any](capacity int) *Ring[T] {
	capPow2 := uint64(2)
	for capPow2 < uint64(capacity) {
		capPow2 <<= 1
	}

	r := &Ring[T]{
		mask:  capPow2 - 1,
		cells: make([]cell[T], capPow2),
	}
	for i := range r.cells {
		r.cells[i].seq.Store(uint64(i))
	}

	return r
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return len(r.cells)
}

// Push appends v, returning false if the ring is full. Safe to call from
// any thread.
func (r *Ring[T]) Push(v T) bool {
	for {
		pos := r.enqueue.Load()
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		dif := int64(seq) - int64(pos)

		switch {
		case dif == 0:
			if r.enqueue.CompareAndSwap(pos, pos+1) {
				c.val = v
				c.seq.Store(pos + 1)

				return true
			}

		case dif < 0:
			// Full.
			return false

		default:
			runtime.Gosched()
		}
	}
}

// Pop removes the oldest element into out, returning false when the ring
// is empty. Single consumer: the scheduler thread.
func (r *Ring[T]) Pop(out *T) bool {
	for {
		pos := r.dequeue.Load()
		c := &r.cells[pos&r.mask]
		seq := c.seq.Load()
		dif := int64(seq) - int64(pos+1)

		switch {
		case dif == 0:
			if r.dequeue.CompareAndSwap(pos, pos+1) {
				*out = c.val
				c.seq.Store(pos + r.mask + 1)

				return true
			}

		case dif < 0:
			// Empty.
			return false

		default:
			runtime.Gosched()
		}
	}
}
