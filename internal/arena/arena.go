// Package arena implements the fixed stack arena backing actor stacks. The
// arena is a single contiguous byte block managed by an address-sorted free
// list with first-fit allocation and forward/backward coalescing on free.
// Every allocated stack is bracketed by an 8-byte guard pattern at both
// ends; stacks grow toward lower addresses, so the low guard is the one an
// overflow strikes first.
package arena

import (
	"encoding/binary"
	"fmt"
)

const (
	// GuardSize is the size in bytes of the guard region written at each
	// end of an allocated stack.
	GuardSize = 8

	// guardPattern is the sentinel value stamped into both guard regions.
	// A mismatch at free time means the stack over- or underflowed.
	guardPattern uint64 = 0xdeadfade5afe57ac

	// minSplit is the smallest remainder worth keeping as a standalone
	// free block. Splitting below this just churns the free list, so the
	// whole block is handed out instead.
	minSplit = 64

	// align is the allocation granularity. Stack bases must sit on a
	// 16-byte boundary per the switch ABI contract.
	align = 16
)

// ErrExhausted is returned by Alloc when no free block can satisfy the
// request. Callers may fall back to the heap or fail the spawn.
var ErrExhausted = fmt.Errorf("stack arena exhausted")

// Stack is one allocation out of the arena. Data excludes the guard
// regions; Data[0] sits just above the low guard.
type Stack struct {
	// off is the arena offset of the low guard.
	off int

	// size is the full reserved size including both guards.
	size int

	// Data is the usable stack memory between the guards.
	Data []byte
}

// freeBlock is a node in the address-sorted free list.
type freeBlock struct {
	off  int
	size int
	next *freeBlock
}

// Arena is a fixed-size stack allocator. It is not safe for concurrent
// use; ownership follows the scheduler thread.
type Arena struct {
	mem  []byte
	free *freeBlock

	inUse  int
	allocs int
}

// New creates an arena of the given size in bytes.
func New(size int) *Arena {
	a := &Arena{
		mem: make([]byte, size),
	}
	a.free = &freeBlock{off: 0, size: size}

	return a
}

// Size returns the total arena capacity in bytes.
func (a *Arena) Size() int {
	return len(a.mem)
}

// InUse returns the number of bytes currently allocated, guards included.
func (a *Arena) InUse() int {
	return a.inUse
}

// Allocs returns the number of live allocations.
func (a *Arena) Allocs() int {
	return a.allocs
}

// Alloc reserves a stack with at least size usable bytes. The reservation
// is first-fit over the address-sorted free list; a remainder smaller than
// the minimum split size is absorbed into the allocation rather than left
// as a fragment. Both guard regions are stamped before return.
func (a *Arena) Alloc(size int) (Stack, error) {
	if size <= 0 {
		return Stack{}, fmt.Errorf("invalid stack size %d", size)
	}

	// Round the full reservation (guards included) up to the alignment
	// granularity so every block, and therefore every free remainder,
	// stays aligned.
	need := roundUp(size+2*GuardSize, align)

	var prev *freeBlock
	for blk := a.free; blk != nil; prev, blk = blk, blk.next {
		if blk.size < need {
			continue
		}

		rest := blk.size - need
		if rest >= minSplit {
			// Keep the tail as a free block; hand out the head.
			tail := &freeBlock{
				off:  blk.off + need,
				size: rest,
				next: blk.next,
			}
			if prev == nil {
				a.free = tail
			} else {
				prev.next = tail
			}
		} else {
			// Absorb the remainder to avoid fragmentation churn.
			need = blk.size
			if prev == nil {
				a.free = blk.next
			} else {
				prev.next = blk.next
			}
		}

		s := Stack{
			off:  blk.off,
			size: need,
			Data: a.mem[blk.off+GuardSize : blk.off+need-GuardSize],
		}
		a.stampGuards(s)
		a.inUse += need
		a.allocs++

		return s, nil
	}

	return Stack{}, ErrExhausted
}

// Free returns a stack to the arena, coalescing with adjacent free blocks
// in both directions. The guard check is the caller's business (CheckGuards)
// and is deliberately not repeated here; freeing a corrupted stack is legal.
func (a *Arena) Free(s Stack) {
	a.inUse -= s.size
	a.allocs--

	// Walk to the insertion point keeping the list address sorted.
	var prev *freeBlock
	next := a.free
	for next != nil && next.off < s.off {
		prev, next = next, next.next
	}

	blk := &freeBlock{off: s.off, size: s.size, next: next}
	if prev == nil {
		a.free = blk
	} else {
		prev.next = blk
	}

	// Forward coalesce with the successor.
	if next != nil && blk.off+blk.size == next.off {
		blk.size += next.size
		blk.next = next.next
	}

	// Backward coalesce with the predecessor.
	if prev != nil && prev.off+prev.size == blk.off {
		prev.size += blk.size
		prev.next = blk.next
	}
}

// CheckGuards reports whether both guard patterns of the stack are intact.
// The low guard is the interesting one: stacks grow downward, so overflow
// tramples it first.
func (a *Arena) CheckGuards(s Stack) bool {
	lo := binary.LittleEndian.Uint64(a.mem[s.off:])
	hi := binary.LittleEndian.Uint64(a.mem[s.off+s.size-GuardSize:])

	return lo == guardPattern && hi == guardPattern
}

// stampGuards writes the guard pattern at both ends of the reservation.
func (a *Arena) stampGuards(s Stack) {
	binary.LittleEndian.PutUint64(a.mem[s.off:], guardPattern)
	binary.LittleEndian.PutUint64(
		a.mem[s.off+s.size-GuardSize:], guardPattern,
	)
}

// StampHeapGuards brackets a heap-allocated stack buffer with the same
// guard pattern used inside the arena, returning the usable interior. The
// buffer must be at least 2*GuardSize+1 bytes.
func StampHeapGuards(buf []byte) []byte {
	binary.LittleEndian.PutUint64(buf, guardPattern)
	binary.LittleEndian.PutUint64(buf[len(buf)-GuardSize:], guardPattern)

	return buf[GuardSize : len(buf)-GuardSize]
}

// CheckHeapGuards reports whether a heap stack buffer bracketed by
// StampHeapGuards still carries intact guards.
func CheckHeapGuards(buf []byte) bool {
	lo := binary.LittleEndian.Uint64(buf)
	hi := binary.LittleEndian.Uint64(buf[len(buf)-GuardSize:])

	return lo == guardPattern && hi == guardPattern
}

// roundUp rounds n up to the next multiple of m (m a power of two).
func roundUp(n, m int) int {
	return (n + m - 1) &^ (m - 1)
}
