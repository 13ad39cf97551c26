package loom

import (
	"testing"

	"github.com/lightningnetwork/lnd/fn/v2"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestFIFOPerPairInvariant verifies that for any payload sequence, a
// receiver observes exactly the sender's order.
func TestFIFOPerPairInvariant(t *testing.T) {
	rapid.Check(t, func(rt_ *rapid.T) {
		payloads := rapid.SliceOfN(rapid.Byte(), 1, 40).
			Draw(rt_, "payloads")

		rt := newTestRuntime(t, testConfig())

		var got []byte
		receiver, err := rt.Spawn(func(c *ActorContext, arg any) {
			for range payloads {
				msg, err := c.Recv(Forever)
				require.NoError(t, err)
				got = append(got, msg.Data[0])
			}
		}, nil)
		require.NoError(t, err)

		_, err = rt.Spawn(func(c *ActorContext, arg any) {
			for _, p := range payloads {
				for {
					err := c.Notify(receiver, 0,
						[]byte{p})
					if err == nil {
						break
					}
					// Pool pressure: let the receiver
					// drain.
					c.Yield()
				}
			}
		}, nil)
		require.NoError(t, err)

		runToCompletion(t, rt)

		// PROPERTY: delivery order equals send order, nothing lost.
		require.Equal(t, payloads, got)
	})
}

// TestSelectiveReceivePreservation verifies that selective receives never
// reorder the messages they skip: after pulling out every message of one
// tag, a full drain returns the remainder in original order.
func TestSelectiveReceivePreservation(t *testing.T) {
	rapid.Check(t, func(rt_ *rapid.T) {
		tags := rapid.SliceOfN(
			rapid.Uint32Range(1, 3), 2, 30,
		).Draw(rt_, "tags")
		pick := rapid.Uint32Range(1, 3).Draw(rt_, "pick")

		rt := newTestRuntime(t, testConfig())

		var matched, rest []uint32
		receiver, err := rt.Spawn(func(c *ActorContext, arg any) {
			// Wait for the go signal so the whole sequence is
			// queued first.
			_, err := c.RecvMatch(Filter{
				Tag: fn.Some(uint32(100)),
			}, Forever)
			require.NoError(t, err)

			// Selectively drain the picked tag.
			for {
				msg, err := c.RecvMatch(Filter{
					Tag: fn.Some(pick),
				}, 0)
				if err != nil {
					require.ErrorIs(t, err, ErrWouldBlock)
					break
				}
				matched = append(matched, msg.Tag)
			}

			// Plain-drain the rest.
			for {
				msg, err := c.Recv(0)
				if err != nil {
					break
				}
				rest = append(rest, msg.Tag)
			}
		}, nil)
		require.NoError(t, err)

		_, err = rt.Spawn(func(c *ActorContext, arg any) {
			for _, tag := range tags {
				require.NoError(t, c.Notify(receiver, tag,
					nil))
			}
			require.NoError(t, c.Notify(receiver, 100, nil))
		}, nil)
		require.NoError(t, err)

		runToCompletion(t, rt)

		// PROPERTY: every picked message was matched, in order.
		var wantMatched, wantRest []uint32
		for _, tag := range tags {
			if tag == pick {
				wantMatched = append(wantMatched, tag)
			} else {
				wantRest = append(wantRest, tag)
			}
		}
		require.Equal(t, wantMatched, matched)

		// PROPERTY: the skipped messages kept their relative order.
		require.Equal(t, wantRest, rest)
	})
}

// TestBusSequencingInvariant verifies that a subscriber present from the
// start observes every sequence in increasing order with no gaps, for
// arbitrary ring capacities.
func TestBusSequencingInvariant(t *testing.T) {
	rapid.Check(t, func(rt_ *rapid.T) {
		capacity := rapid.IntRange(1, 8).Draw(rt_, "capacity")
		total := rapid.IntRange(1, 60).Draw(rt_, "total")

		rt := newTestRuntime(t, testConfig())

		bus, err := rt.BusCreate(BusConfig{Capacity: capacity})
		require.NoError(t, err)

		var got []byte
		var publisher ActorID
		_, err = rt.Spawn(func(c *ActorContext, arg any) {
			require.NoError(t, c.BusSubscribe(bus))
			require.NoError(t, c.Notify(publisher, 0, nil))

			buf := make([]byte, 1)
			for len(got) < total {
				_, err := c.BusReadWait(bus, buf, Forever)
				require.NoError(t, err)
				got = append(got, buf[0])
			}
			require.NoError(t, c.BusUnsubscribe(bus))
		}, nil)
		require.NoError(t, err)

		publisher, err = rt.Spawn(func(c *ActorContext, arg any) {
			_, err := c.Recv(Forever)
			require.NoError(t, err)

			for v := 0; v < total; v++ {
				for {
					err := c.BusPublish(bus,
						[]byte{byte(v)})
					if err == nil {
						break
					}
					require.ErrorIs(t, err, ErrWouldBlock)
					c.Yield()
				}
			}
		}, nil)
		require.NoError(t, err)

		runToCompletion(t, rt)

		// PROPERTY: monotonically increasing, no gaps, none
		// duplicated.
		require.Len(t, got, total)
		for v := 0; v < total; v++ {
			require.Equal(t, byte(v), got[v])
		}
	})
}
