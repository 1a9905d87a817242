package ensemble

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlacement_HighestVersionWins(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("v4", "", "4.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	_, err = rr.Register("v5", "", "5.0.0", 1, RunnerDedicated)
	require.NoError(t, err)

	// Fewer free slots, but a newer version: still preferred.
	key, ok := rr.pickAndAssign("", "test.aaa")
	require.True(t, ok)
	assert.Equal(t, "v5", key)
}

func TestPlacement_FullTierFallsThrough(t *testing.T) {
	rr := newRunnerRegistry(time.Second, 2*time.Second, time.Second, false)
	_, err := rr.Register("v5", "", "5.0.0", 1, RunnerDedicated)
	require.NoError(t, err)
	_, err = rr.Register("v4", "", "4.0.0", 10, RunnerDedicated)
	require.NoError(t, err)

	key, ok := rr.pickAndAssign("", "test.aaa")
	require.True(t, ok)
	assert.Equal(t, "v5", key)

	// v5 is now full; the next placement lands on the older tier.
	key, ok = rr.pickAndAssign("", "test.bbb")
	require.True(t, ok)
	assert.Equal(t, "v4", key)
}

func TestPlacement_MostFreeSlotsWithinTier(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("busy", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	_, err = rr.Register("idle", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		rr.Assign("busy", InstanceID("test.busy-"+string(rune('a'+i))))
	}

	key, ok := rr.pickAndAssign("", "test.aaa")
	require.True(t, ok)
	assert.Equal(t, "idle", key)
}

func TestPlacement_DedicatedBeatsServerlessInTier(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("sls", "", "1.0.0", 0, RunnerServerless)
	require.NoError(t, err)
	_, err = rr.Register("ded", "", "1.0.0", 5, RunnerDedicated)
	require.NoError(t, err)

	key, ok := rr.pickAndAssign("", "test.aaa")
	require.True(t, ok)
	assert.Equal(t, "ded", key)
}

func TestPlacement_ServerlessAbsorbsOverflow(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("ded", "", "1.0.0", 1, RunnerDedicated)
	require.NoError(t, err)
	_, err = rr.Register("sls", "", "1.0.0", 0, RunnerServerless)
	require.NoError(t, err)

	key, ok := rr.pickAndAssign("", "test.aaa")
	require.True(t, ok)
	assert.Equal(t, "ded", key)

	// Dedicated capacity exhausted: overflow goes serverless, which is
	// never slot-limited.
	for i := 0; i < 3; i++ {
		key, ok = rr.pickAndAssign("", InstanceID("test.more-"+string(rune('a'+i))))
		require.True(t, ok)
		assert.Equal(t, "sls", key)
	}
}

func TestPlacement_PoolsAreIsolated(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("other", "gpu", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)

	_, ok := rr.pickAndAssign("", "test.aaa")
	assert.False(t, ok)
}

// Orchestrator-level placement behavior.

func TestPlace_SleepPolicyParksOnNoCapacity(t *testing.T) {
	o := newTestOrchestrator(t) // no runners at all

	def, _ := counterDefinition("counter", CrashPolicySleep)
	require.NoError(t, o.Register(def))

	id, err := o.CreateOrGet(context.Background(), NewRef("counter"), nil)
	require.NoError(t, err)

	st, err := o.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateSleeping, st)
}

func TestPlace_RestartPolicyQueuesUntilTimeout(t *testing.T) {
	o := newTestOrchestrator(t, WithPlacementWait(80*time.Millisecond))

	def, _ := counterDefinition("job", CrashPolicyRestart)
	require.NoError(t, o.Register(def))

	start := time.Now()
	_, err := o.CreateOrGet(context.Background(), NewRef("job"), nil)
	assert.ErrorIs(t, err, ErrPlacementTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestPlace_QueuedCreateProceedsWhenCapacityArrives(t *testing.T) {
	o := newTestOrchestrator(t, WithPlacementWait(5*time.Second))

	def, _ := counterDefinition("job", CrashPolicyRestart)
	require.NoError(t, o.Register(def))

	done := make(chan error, 1)
	var id InstanceID
	go func() {
		var err error
		id, err = o.CreateOrGet(context.Background(), NewRef("job"), nil)
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, o.RegisterRunner("late", "", "1.0.0", 10, RunnerDedicated))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("queued create never completed")
	}

	st, err := o.State(id)
	require.NoError(t, err)
	assert.Equal(t, StateActive, st)
}

func TestPlace_ServerlessPoolQueuesEvenForSleepPolicy(t *testing.T) {
	o := newTestOrchestrator(t,
		WithPlacementWait(80*time.Millisecond),
		WithServerlessPool("lambdas"))

	def, _ := counterDefinition("fn", CrashPolicySleep)
	def.Pool = "lambdas"
	require.NoError(t, o.Register(def))

	// Declared serverless: the shortage is transient, so even the sleep
	// policy queues (and here times out) instead of parking.
	_, err := o.CreateOrGet(context.Background(), NewRef("fn"), nil)
	assert.ErrorIs(t, err, ErrPlacementTimeout)
}
