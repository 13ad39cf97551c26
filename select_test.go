package loom

import (
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
)

// TestSelectMailboxAlreadyReady tests immediate resolution against a
// queued message.
func TestSelectMailboxAlreadyReady(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	receiver, err := rt.Spawn(func(c *ActorContext, arg any) {
		// Wait for the message to be queued first.
		c.Yield()
		res, err := c.Select([]SelectSource{
			SourceMailbox(Filter{Tag: fn.Some(uint32(9))}),
		}, time.Second)
		require.NoError(t, err)
		require.Equal(t, 0, res.Index)
		require.NotNil(t, res.Msg)
		require.Equal(t, uint32(9), res.Msg.Tag)
	}, nil)
	require.NoError(t, err)

	_, err = rt.Spawn(func(c *ActorContext, arg any) {
		require.NoError(t, c.Notify(receiver, 9, []byte("sel")))
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}

// TestSelectWakesOnBusPublish tests that a publish resolves a blocked
// select on its bus source and advances the subscriber's cursor.
func TestSelectWakesOnBusPublish(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	bus, err := rt.BusCreate(BusConfig{})
	require.NoError(t, err)

	var publisher ActorID
	_, err = rt.Spawn(func(c *ActorContext, arg any) {
		require.NoError(t, c.BusSubscribe(bus))
		require.NoError(t, c.Notify(publisher, 0, nil))

		buf := make([]byte, 8)
		res, err := c.Select([]SelectSource{
			SourceMailbox(Filter{Tag: fn.Some(uint32(1))}),
			SourceBus(bus, buf),
		}, time.Second)
		require.NoError(t, err)
		require.Equal(t, 1, res.Index)
		require.Equal(t, 3, res.N)
		require.Equal(t, []byte("pub"), buf[:res.N])

		// The cursor advanced with the resolution.
		_, err = c.BusRead(bus, buf)
		require.ErrorIs(t, err, ErrWouldBlock)
	}, nil)
	require.NoError(t, err)

	publisher, err = rt.Spawn(func(c *ActorContext, arg any) {
		_, err := c.Recv(Forever)
		require.NoError(t, err)
		require.NoError(t, c.BusPublish(bus, []byte("pub")))
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}

// TestSelectTieBreaksByIndex tests first-listed-wins when several
// sources are ready at once.
func TestSelectTieBreaksByIndex(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	bus, err := rt.BusCreate(BusConfig{})
	require.NoError(t, err)

	receiver, err := rt.Spawn(func(c *ActorContext, arg any) {
		require.NoError(t, c.BusSubscribe(bus))

		// Wait until both the bus entry and the mailbox message are
		// in place.
		_, err := c.RecvMatch(Filter{Tag: fn.Some(uint32(99))},
			Forever)
		require.NoError(t, err)

		buf := make([]byte, 8)
		res, err := c.Select([]SelectSource{
			SourceBus(bus, buf),
			SourceMailbox(Filter{}),
		}, time.Second)
		require.NoError(t, err)
		require.Equal(t, 0, res.Index, "bus listed first must win "+
			"the tie")

		// The mailbox message is still there for a later receive.
		msg, err := c.Recv(0)
		require.NoError(t, err)
		require.Equal(t, uint32(5), msg.Tag)
	}, nil)
	require.NoError(t, err)

	_, err = rt.Spawn(func(c *ActorContext, arg any) {
		require.NoError(t, c.BusPublish(bus, []byte{1}))
		require.NoError(t, c.Notify(receiver, 5, nil))
		require.NoError(t, c.Notify(receiver, 99, nil))
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}

// TestSelectTimeoutAndWouldBlock tests the uniform timeout semantics on
// select.
func TestSelectTimeoutAndWouldBlock(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	_, err := rt.Spawn(func(c *ActorContext, arg any) {
		src := []SelectSource{SourceMailbox(Filter{})}

		_, err := c.Select(src, 0)
		require.ErrorIs(t, err, ErrWouldBlock)

		start := time.Now()
		_, err = c.Select(src, 20*time.Millisecond)
		require.ErrorIs(t, err, ErrTimeout)
		require.GreaterOrEqual(t, time.Since(start),
			20*time.Millisecond)
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}

// TestSelectRequiresSubscription tests that a bus arm without a
// subscription is rejected up front.
func TestSelectRequiresSubscription(t *testing.T) {
	t.Parallel()

	rt := newTestRuntime(t, testConfig())

	bus, err := rt.BusCreate(BusConfig{})
	require.NoError(t, err)

	_, err = rt.Spawn(func(c *ActorContext, arg any) {
		buf := make([]byte, 8)
		_, err := c.Select([]SelectSource{
			SourceBus(bus, buf),
		}, time.Second)
		require.ErrorIs(t, err, ErrInvalidArgument)
	}, nil)
	require.NoError(t, err)

	runToCompletion(t, rt)
}
