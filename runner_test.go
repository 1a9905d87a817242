package ensemble

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *RunnerRegistry {
	return newRunnerRegistry(50*time.Millisecond, 100*time.Millisecond, 100*time.Millisecond, true)
}

func TestRunnerRegister_InvalidVersion(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "not-semver", 10, RunnerDedicated)
	assert.Error(t, err)
}

func TestRunnerRegister_ReconnectEvicts(t *testing.T) {
	rr := newTestRegistry()

	r1, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("r1", "test.aaa")

	r2, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)

	// Same key: new epoch, hosted set carried over.
	assert.Equal(t, r1.epoch+1, r2.epoch)
	assert.Equal(t, []InstanceID{"test.aaa"}, rr.Hosted("r1"))
	assert.Equal(t, 1, rr.count())
}

func TestRunnerHeartbeat_UnknownAndEvicted(t *testing.T) {
	rr := newTestRegistry()
	assert.ErrorIs(t, rr.Heartbeat("nope"), ErrUnknownRunner)

	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	require.NoError(t, rr.Heartbeat("r1"))

	// Silence past both thresholds confirms the runner lost; a late
	// heartbeat is told to re-register.
	now := time.Now()
	rr.sweep(now.Add(60 * time.Millisecond))
	rr.sweep(now.Add(200 * time.Millisecond))
	assert.ErrorIs(t, rr.Heartbeat("r1"), ErrRunnerEvicted)
}

func TestRunnerLiveness_SuspectedRecovers(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)

	rr.sweep(time.Now().Add(60 * time.Millisecond))
	require.NoError(t, rr.Heartbeat("r1"))

	// Recovered: further sweeps inside the suspect window keep it alive.
	rr.sweep(time.Now().Add(20 * time.Millisecond))
	require.NoError(t, rr.Heartbeat("r1"))
}

func TestRunnerLost_EmitsEventWithHostedInstances(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("r1", "test.aaa")
	rr.Assign("r1", "test.bbb")

	now := time.Now()
	rr.sweep(now.Add(60 * time.Millisecond))
	rr.sweep(now.Add(200 * time.Millisecond))

	select {
	case ev := <-rr.events:
		assert.Equal(t, "r1", ev.runnerKey)
		assert.Equal(t, EventRunnerLost, ev.event)
		assert.ElementsMatch(t, []InstanceID{"test.aaa", "test.bbb"}, ev.instances)
	default:
		t.Fatal("expected a runner-lost event")
	}
}

func TestRunnerLost_EmptyRunnerRemovedSilently(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)

	now := time.Now()
	rr.sweep(now.Add(60 * time.Millisecond))
	rr.sweep(now.Add(200 * time.Millisecond))

	assert.Equal(t, 0, rr.count())
	select {
	case ev := <-rr.events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestRunnerDrain_EmitsGoingAway(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("r1", "test.aaa")

	require.NoError(t, rr.Drain("r1"))

	select {
	case ev := <-rr.events:
		assert.Equal(t, EventRunnerGoingAway, ev.event)
		assert.Equal(t, []InstanceID{"test.aaa"}, ev.instances)
	default:
		t.Fatal("expected a going-away event")
	}

	// Draining runners accept no placements.
	_, ok := rr.pickAndAssign("", "test.ccc")
	assert.False(t, ok)
}

func TestRunnerDrain_GraceElapsedForcesReschedule(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("r1", "test.aaa")

	require.NoError(t, rr.Drain("r1"))
	<-rr.events // going-away

	rr.sweep(time.Now().Add(150 * time.Millisecond))
	select {
	case ev := <-rr.events:
		assert.Equal(t, EventRunnerLostForced, ev.event)
		assert.Equal(t, []InstanceID{"test.aaa"}, ev.instances)
	default:
		t.Fatal("expected a forced-reschedule event")
	}
}

func TestRunnerRelease_RemovesDrainedRunner(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("r1", "", "1.0.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("r1", "test.aaa")
	require.NoError(t, rr.Drain("r1"))
	<-rr.events

	rr.Release("r1", "test.aaa")
	assert.Equal(t, 0, rr.count())
}

func TestRunnerRegister_UpgradeDrainsLowerVersions(t *testing.T) {
	rr := newTestRegistry()
	_, err := rr.Register("old", "workers", "1.2.0", 10, RunnerDedicated)
	require.NoError(t, err)
	rr.Assign("old", "test.aaa")

	_, err = rr.Register("new", "workers", "1.3.0", 10, RunnerDedicated)
	require.NoError(t, err)

	select {
	case ev := <-rr.events:
		assert.Equal(t, "old", ev.runnerKey)
		assert.Equal(t, EventRunnerGoingAway, ev.event)
	default:
		t.Fatal("expected the old runner to start draining")
	}

	// New placements land on the upgraded runner.
	key, ok := rr.pickAndAssign("workers", "test.bbb")
	require.True(t, ok)
	assert.Equal(t, "new", key)
}

func TestRunnerRegister_NoUpgradeDrainWhenDisabled(t *testing.T) {
	rr := newRunnerRegistry(time.Second, 2*time.Second, time.Second, false)
	_, err := rr.Register("old", "workers", "1.2.0", 10, RunnerDedicated)
	require.NoError(t, err)
	_, err = rr.Register("new", "workers", "1.3.0", 10, RunnerDedicated)
	require.NoError(t, err)

	select {
	case ev := <-rr.events:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}
