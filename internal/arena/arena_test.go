package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestArenaAllocFree tests that allocations come out of the arena with
// intact guards and that freeing returns the bytes.
func TestArenaAllocFree(t *testing.T) {
	t.Parallel()

	a := New(4096)

	s, err := a.Alloc(512)
	require.NoError(t, err)
	require.Len(t, s.Data, 512)
	require.True(t, a.CheckGuards(s), "fresh stack must have intact guards")
	require.Equal(t, 1, a.Allocs())

	a.Free(s)
	require.Equal(t, 0, a.Allocs())
	require.Equal(t, 0, a.InUse())
}

// TestArenaExhaustion tests that an arena refuses allocations it cannot
// hold and recovers after a free.
func TestArenaExhaustion(t *testing.T) {
	t.Parallel()

	a := New(1024)

	s, err := a.Alloc(900)
	require.NoError(t, err)

	_, err = a.Alloc(900)
	require.ErrorIs(t, err, ErrExhausted)

	a.Free(s)
	_, err = a.Alloc(900)
	require.NoError(t, err)
}

// TestArenaCoalescing tests that adjacent free blocks merge in both
// directions, so a span freed piecewise can be reallocated whole.
func TestArenaCoalescing(t *testing.T) {
	t.Parallel()

	a := New(4096)

	s1, err := a.Alloc(1000)
	require.NoError(t, err)
	s2, err := a.Alloc(1000)
	require.NoError(t, err)
	s3, err := a.Alloc(1000)
	require.NoError(t, err)

	// Free the middle, then its neighbors: forward and backward merges
	// must reassemble one block big enough for a triple-size request.
	a.Free(s2)
	a.Free(s1)
	a.Free(s3)

	_, err = a.Alloc(3000)
	require.NoError(t, err, "coalesced free space should satisfy a "+
		"request spanning all three blocks")
}

// TestArenaGuardCorruption tests that trampling either guard region is
// detected.
func TestArenaGuardCorruption(t *testing.T) {
	t.Parallel()

	a := New(2048)

	s, err := a.Alloc(256)
	require.NoError(t, err)

	// Overflow strikes the low guard first: stacks grow downward.
	a.mem[s.off] ^= 0xff
	require.False(t, a.CheckGuards(s), "low guard corruption must be "+
		"detected")

	// Restore and trample the high guard instead.
	a.mem[s.off] ^= 0xff
	require.True(t, a.CheckGuards(s))
	a.mem[s.off+s.size-1] ^= 0xff
	require.False(t, a.CheckGuards(s), "high guard corruption must be "+
		"detected")
}

// TestArenaMinSplitAbsorbed tests that a remainder below the split
// threshold is absorbed into the allocation instead of becoming a
// fragment.
func TestArenaMinSplitAbsorbed(t *testing.T) {
	t.Parallel()

	a := New(1024)

	// Leaves less than minSplit behind, so the whole arena is handed
	// out.
	s, err := a.Alloc(1024 - 2*GuardSize - minSplit/2)
	require.NoError(t, err)
	require.Equal(t, 1024, a.InUse())

	_, err = a.Alloc(16)
	require.ErrorIs(t, err, ErrExhausted)

	a.Free(s)
	require.Equal(t, 0, a.InUse())
}

// TestHeapGuards tests the guard bracket used for heap-fallback stacks.
func TestHeapGuards(t *testing.T) {
	t.Parallel()

	buf := make([]byte, 256+2*GuardSize)
	inner := StampHeapGuards(buf)
	require.Len(t, inner, 256)
	require.True(t, CheckHeapGuards(buf))

	buf[0] ^= 0xff
	require.False(t, CheckHeapGuards(buf))
}
