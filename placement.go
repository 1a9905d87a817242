package ensemble

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// errPlacementSleep tells the caller the crash policy chose dormancy over
// queueing when no capacity was available. Internal only.
var errPlacementSleep = fmt.Errorf("no capacity, policy prefers sleep")

// pickAndAssign chooses a runner for the instance and records the
// assignment in one step under the registry lock, so two placements can
// never land the same instance twice.
//
// Selection is spread-based: the highest code version wins outright;
// within a version tier the dedicated runner with the most free slots is
// preferred. Serverless runners sit outside the slot comparison and are
// used when their tier has no dedicated capacity. A full higher tier
// falls through to the next version down.
func (rr *RunnerRegistry) pickAndAssign(pool string, id InstanceID) (string, bool) {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	var best *Runner
	for _, r := range rr.runners {
		if r.Pool != pool || r.draining || r.liveness != RunnerAlive {
			continue
		}
		if r.free() <= 0 {
			continue
		}
		if best == nil || placeBefore(r, best) {
			best = r
		}
	}
	if best == nil {
		return "", false
	}
	best.hosted[id] = struct{}{}
	return best.Key, true
}

// placeBefore reports whether a should be preferred over b.
func placeBefore(a, b *Runner) bool {
	if !a.Version.Equal(b.Version) {
		return a.Version.GreaterThan(b.Version)
	}
	// Same tier: dedicated capacity beats on-demand invocation.
	if (a.Kind == RunnerServerless) != (b.Kind == RunnerServerless) {
		return b.Kind == RunnerServerless
	}
	return a.free() > b.free()
}

// poolServerless reports whether the pool is backed by serverless runners
// (any registered, alive or not) or was declared serverless up front.
func (rr *RunnerRegistry) poolServerless(pool string) bool {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	for _, r := range rr.runners {
		if r.Pool == pool && r.Kind == RunnerServerless {
			return true
		}
	}
	return false
}

// place finds a runner for the instance, queueing with backoff when the
// crash policy says Queue. wait bounds the total time queued; zero means
// wait forever. Returns errPlacementSleep when the policy absorbs the
// shortage by sleeping, ErrPlacementTimeout past the wait.
func (o *Orchestrator) place(ctx context.Context, id InstanceID, def *definition, wait time.Duration) (string, error) {
	var deadline <-chan time.Time
	if wait > 0 {
		t := time.NewTimer(wait)
		defer t.Stop()
		deadline = t.C
	}

	backoff := 25 * time.Millisecond
	queued := false

	for {
		if key, ok := o.runners.pickAndAssign(def.Pool, id); ok {
			if queued {
				o.metrics.placementsQueued.Dec()
			}
			return key, nil
		}

		ev := EventNoCapacity
		if o.serverlessPools[def.Pool] || o.runners.poolServerless(def.Pool) {
			ev = EventNoCapacityServerless
		}
		verdict := Decide(ev, def.Policy)
		if verdict == VerdictSleep {
			if queued {
				o.metrics.placementsQueued.Dec()
			}
			return "", errPlacementSleep
		}

		if !queued {
			queued = true
			o.metrics.placementsQueued.Inc()
			slog.Info("placement queued", "id", id, "pool", def.Pool, "event", ev.String())
		}

		changed := o.runners.changed()
		t := time.NewTimer(backoff)
		select {
		case <-changed:
			t.Stop()
		case <-t.C:
		case <-deadline:
			t.Stop()
			o.metrics.placementsQueued.Dec()
			o.metrics.placementTimeouts.Inc()
			return "", ErrPlacementTimeout
		case <-ctx.Done():
			t.Stop()
			o.metrics.placementsQueued.Dec()
			return "", ctx.Err()
		case <-o.done:
			t.Stop()
			o.metrics.placementsQueued.Dec()
			return "", ErrOrchestratorDown
		}

		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
}
