package loom

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// testConfig returns a runtime configuration sized for tests: small
// pools so exhaustion paths are reachable, and a short idle sleep so
// timer-driven tests converge quickly.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxActors = 32
	cfg.StackArenaSize = 256 * 1024
	cfg.DefaultStackSize = 4 * 1024
	cfg.SchedulerIdleSleep = time.Millisecond

	return cfg
}

// newTestRuntime builds a runtime or fails the test.
func newTestRuntime(t *testing.T, cfg Config) *Runtime {
	t.Helper()

	rt, err := New(cfg)
	require.NoError(t, err)

	return rt
}

// runToCompletion drives the runtime and fails the test if it does not
// wind down on its own within the deadline. It protects against actor
// deadlocks hanging the whole test binary.
func runToCompletion(t *testing.T, rt *Runtime) {
	t.Helper()

	done := make(chan error, 1)
	go func() {
		done <- rt.Run()
	}()

	select {
	case err := <-done:
		require.NoError(t, err)

	case <-time.After(10 * time.Second):
		rt.Shutdown()
		<-done
		t.Fatal("runtime did not wind down in time")
	}
}
