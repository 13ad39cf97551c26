package loom

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestRegisterWhereis tests the name lifecycle: claim, resolve, release.
func TestRegisterWhereis(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		require.NoError(t, c.Register("worker"))

		id, err := c.Whereis("worker")
		require.NoError(t, err)
		require.Equal(t, c.Self(), id)

		// One name per actor, and no renaming over it.
		err = c.Register("other")
		require.ErrorIs(t, err, ErrExists)

		require.NoError(t, c.Runtime().Unregister("worker"))
		_, err = c.Whereis("worker")
		require.ErrorIs(t, err, ErrNotFound)

		// After release the actor can take a name again.
		require.NoError(t, c.Register("renamed"))
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}

// TestSpawnNameConflict tests that WithName fails the spawn cleanly when
// the name is taken.
func TestSpawnNameConflict(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		_, _ = c.Recv(Forever)
	}, nil, WithName("singleton"))
	require.NoError(t, err)

	before := rt.Stats()
	_, err = rt.Spawn(func(c *ActorContext, arg any) {}, nil,
		WithName("singleton"))
	require.ErrorIs(t, err, ErrExists)

	// The failed spawn released its slot and stack.
	after := rt.Stats()
	require.Equal(t, before.LiveActors, after.LiveActors)
	require.Equal(t, before.ArenaBytesUsed, after.ArenaBytesUsed)

	rt.Shutdown()
	require.NoError(t, rt.Run())
}

// TestNameFreedOnDeath tests automatic deregistration in the
// termination sequence.
func TestNameFreedOnDeath(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	_, err := rt.Spawn(func(c *ActorContext, arg any) {}, nil,
		WithName("ephemeral"))
	require.NoError(t, err)

	runToCompletion(t, rt)

	_, err = rt.Whereis("ephemeral")
	require.ErrorIs(t, err, ErrNotFound)
}

// TestWhereisUnknown tests the lookup miss.
func TestWhereisUnknown(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())
	_, err := rt.Whereis("nobody")
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, rt.Unregister("nobody"), ErrNotFound)
}
