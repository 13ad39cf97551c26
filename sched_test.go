package loom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPriorityStrictness tests that a high-priority ready actor always
// runs before a lower-priority one.
func TestPriorityStrictness(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	var order []string
	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		order = append(order, "low")
	}, nil, WithPriority(PriorityLow))
	require.NoError(t, err)

	_, err = rt.Spawn(func(c *ActorContext, arg any) {
		// Yield twice: the low actor must still not run while this
		// one keeps coming back ready.
		order = append(order, "high")
		c.Yield()
		order = append(order, "high")
		c.Yield()
		order = append(order, "high")
	}, nil, WithPriority(PriorityHigh))
	require.NoError(t, err)

	runToCompletion(t, rt)
	require.Equal(t, []string{"high", "high", "high", "low"}, order)
}

// TestRoundRobinWithinClass tests FIFO requeue on yield: two same-class
// actors alternate.
func TestRoundRobinWithinClass(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	var order []string
	mk := func(tag string) ActorFunc {
		return func(c *ActorContext, arg any) {
			for i := 0; i < 3; i++ {
				order = append(order, tag)
				c.Yield()
			}
		}
	}

	_, err := rt.Spawn(mk("a"), nil)
	require.NoError(t, err)
	_, err = rt.Spawn(mk("b"), nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

// TestStepRunsEachReadyActorOnce tests external-loop mode: one pass runs
// every currently-ready actor exactly once, even perpetual yielders.
func TestStepRunsEachReadyActorOnce(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		_, err := rt.Spawn(func(c *ActorContext, arg any) {
			for {
				counts[i]++
				c.Yield()
			}
		}, nil)
		require.NoError(t, err)
	}

	require.True(t, rt.Step())
	require.Equal(t, []int{1, 1}, counts)

	require.True(t, rt.Step())
	require.Equal(t, []int{2, 2}, counts)

	// Shutdown through step mode unwinds the yielders.
	rt.Shutdown()
	require.False(t, rt.Step())
	require.Equal(t, 0, rt.Stats().LiveActors)
}

// TestStepReportsIdle tests that Step returns false when no actor is
// ready.
func TestStepReportsIdle(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		_, _ = c.Recv(Forever)
	}, nil)
	require.NoError(t, err)

	require.True(t, rt.Step(), "first pass runs the actor into its wait")
	require.False(t, rt.Step(), "second pass has nothing ready")

	rt.Shutdown()
	rt.Step()
}

// TestSleepDuration tests that Sleep blocks for at least the requested
// time.
func TestSleepDuration(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	var elapsed time.Duration
	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		start := time.Now()
		require.NoError(t, c.Sleep(30*time.Millisecond))
		elapsed = time.Since(start)
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
	require.GreaterOrEqual(t, elapsed, 30*time.Millisecond)
}

// TestCriticalOutranksEveryone tests the full class ordering in one
// ready set.
func TestCriticalOutranksEveryone(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	var order []Priority
	for _, p := range []Priority{
		PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical,
	} {
		p := p
		_, err := rt.Spawn(func(c *ActorContext, arg any) {
			order = append(order, p)
		}, nil, WithPriority(p))
		require.NoError(t, err)
	}

	runToCompletion(t, rt)
	require.Equal(t, []Priority{
		PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow,
	}, order)
}
