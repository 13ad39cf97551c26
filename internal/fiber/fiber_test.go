package fiber

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestSwitchHandoff tests that Switch transfers execution strictly: the
// events of two fibers interleave in handoff order with no overlap.
func TestSwitchHandoff(t *testing.T) {
	t.Parallel()

	main := NewContext()
	worker := NewContext()

	var events []string
	Start(worker, func(first Mode) {
		require.Equal(t, ModeRun, first)
		events = append(events, "worker-1")

		mode := Switch(worker, main)
		require.Equal(t, ModeRun, mode)
		events = append(events, "worker-2")

		Hand(main)
	})

	events = append(events, "main-1")
	Switch(main, worker)
	events = append(events, "main-2")
	Switch(main, worker)
	events = append(events, "main-3")

	require.Equal(t, []string{
		"main-1", "worker-1", "main-2", "worker-2", "main-3",
	}, events)
}

// TestAbortBeforeFirstRun tests that a fiber aborted before it ever ran
// observes ModeAbort as its first resume.
func TestAbortBeforeFirstRun(t *testing.T) {
	t.Parallel()

	main := NewContext()
	worker := NewContext()

	ran := false
	Start(worker, func(first Mode) {
		if first == ModeAbort {
			Hand(main)
			return
		}
		ran = true
		Hand(main)
	})

	SwitchAbort(main, worker)
	require.False(t, ran, "aborted fiber must not run its body")
}

// TestAbortWhileParked tests that a parked fiber resumed in abort mode
// sees the abort from its suspension point.
func TestAbortWhileParked(t *testing.T) {
	t.Parallel()

	main := NewContext()
	worker := NewContext()

	var sawAbort bool
	Start(worker, func(first Mode) {
		require.Equal(t, ModeRun, first)

		mode := Switch(worker, main)
		sawAbort = mode == ModeAbort
		Hand(main)
	})

	Switch(main, worker)
	SwitchAbort(main, worker)
	require.True(t, sawAbort, "parked fiber must observe the abort mode")
}
