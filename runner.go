package ensemble

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
)

// RunnerKind distinguishes capacity-managed worker processes from
// serverless pools that are invoked on demand.
type RunnerKind int

const (
	RunnerDedicated RunnerKind = iota
	RunnerServerless
)

// RunnerLiveness tracks heartbeat health. A suspected runner that
// heartbeats again before confirmation is treated as continuously alive.
type RunnerLiveness int

const (
	RunnerAlive RunnerLiveness = iota
	RunnerSuspected
	RunnerLost
)

func (l RunnerLiveness) String() string {
	switch l {
	case RunnerAlive:
		return "alive"
	case RunnerSuspected:
		return "suspected"
	case RunnerLost:
		return "lost"
	default:
		return "unknown"
	}
}

// Runner is one connected worker process. The key is stable across
// restarts; a reconnect with the same key evicts the previous entry.
type Runner struct {
	Key      string
	Pool     string
	Version  *semver.Version
	Capacity int
	Kind     RunnerKind

	epoch         int64
	liveness      RunnerLiveness
	lastHeartbeat time.Time
	draining      bool
	drainStarted  time.Time
	hosted        map[InstanceID]struct{}
}

func (r *Runner) free() int {
	if r.Kind == RunnerServerless {
		// On-demand invocation; never slot-limited.
		return 1 << 30
	}
	return r.Capacity - len(r.hosted)
}

// runnerEvent is delivered to the orchestrator when the registry decides
// the hosted instances of a runner need crash-policy handling.
type runnerEvent struct {
	runnerKey string
	event     CrashEvent
	instances []InstanceID
}

// RunnerRegistry is the linearizable table of connected runners. All
// mutation happens under one mutex; placement reads the same snapshot.
type RunnerRegistry struct {
	mu      sync.Mutex
	runners map[string]*Runner
	notify  chan struct{} // closed and swapped on every change

	suspectAfter   time.Duration
	lostAfter      time.Duration
	drainGrace     time.Duration
	drainOnUpgrade bool

	events chan runnerEvent
	done   chan struct{}
}

func newRunnerRegistry(suspectAfter, lostAfter, drainGrace time.Duration, drainOnUpgrade bool) *RunnerRegistry {
	return &RunnerRegistry{
		runners:        make(map[string]*Runner),
		notify:         make(chan struct{}),
		suspectAfter:   suspectAfter,
		lostAfter:      lostAfter,
		drainGrace:     drainGrace,
		drainOnUpgrade: drainOnUpgrade,
		events:         make(chan runnerEvent, 64),
		done:           make(chan struct{}),
	}
}

// changed returns a channel closed on the next registry mutation. Queued
// placements wait on it instead of polling.
func (rr *RunnerRegistry) changed() <-chan struct{} {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return rr.notify
}

// broadcast must be called with mu held.
func (rr *RunnerRegistry) broadcast() {
	close(rr.notify)
	rr.notify = make(chan struct{})
}

// Register connects a runner. An existing entry with the same key is
// evicted immediately: it is assumed to be a stale connection left over
// from a crash, not a genuine duplicate. The hosted set carries over so a
// fast reconnect is treated as continuous liveness.
func (rr *RunnerRegistry) Register(key, pool, version string, capacity int, kind RunnerKind) (*Runner, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("runner %s: invalid version %q: %w", key, version, err)
	}

	rr.mu.Lock()
	prev := rr.runners[key]
	r := &Runner{
		Key:           key,
		Pool:          pool,
		Version:       v,
		Capacity:      capacity,
		Kind:          kind,
		liveness:      RunnerAlive,
		lastHeartbeat: time.Now(),
		hosted:        make(map[InstanceID]struct{}),
	}
	if prev != nil {
		r.epoch = prev.epoch + 1
		if prev.liveness != RunnerLost {
			// Continuously alive: keep the hosted set. A runner that was
			// already confirmed lost had its instances rescheduled, so a
			// late reconnect starts empty.
			r.hosted = prev.hosted
		}
		slog.Info("runner evicted by reconnect", "runner", key, "epoch", r.epoch)
	}
	rr.runners[key] = r
	rr.broadcast()

	var toDrain []string
	if rr.drainOnUpgrade {
		for _, other := range rr.runners {
			if other.Key != key && other.Pool == pool && !other.draining &&
				other.liveness != RunnerLost && other.Version.LessThan(v) {
				toDrain = append(toDrain, other.Key)
			}
		}
	}
	rr.mu.Unlock()

	slog.Info("runner registered", "runner", key, "pool", pool, "version", version,
		"capacity", capacity, "serverless", kind == RunnerServerless)

	for _, stale := range toDrain {
		if err := rr.Drain(stale); err != nil {
			slog.Warn("upgrade drain failed", "runner", stale, "error", err)
		}
	}

	return r, nil
}

// Heartbeat refreshes liveness. A suspected runner goes back to alive; a
// confirmed-lost runner must Register again.
func (rr *RunnerRegistry) Heartbeat(key string) error {
	rr.mu.Lock()
	defer rr.mu.Unlock()

	r, ok := rr.runners[key]
	if !ok {
		return ErrUnknownRunner
	}
	if r.liveness == RunnerLost {
		return ErrRunnerEvicted
	}
	r.lastHeartbeat = time.Now()
	if r.liveness == RunnerSuspected {
		slog.Info("runner recovered from suspected state", "runner", key)
		r.liveness = RunnerAlive
	}
	return nil
}

// Drain starts cooperative shutdown of a runner: it stops receiving
// placements and each hosted instance is handed to the crash policy
// engine with RunnerGoingAway. Instances still hosted when the grace
// period elapses are forcibly rescheduled.
func (rr *RunnerRegistry) Drain(key string) error {
	rr.mu.Lock()
	r, ok := rr.runners[key]
	if !ok {
		rr.mu.Unlock()
		return ErrUnknownRunner
	}
	if r.draining {
		rr.mu.Unlock()
		return nil
	}
	r.draining = true
	r.drainStarted = time.Now()
	hosted := hostedIDs(r)
	rr.broadcast()
	rr.mu.Unlock()

	slog.Info("runner draining", "runner", key, "hosted", len(hosted))
	rr.emit(runnerEvent{runnerKey: key, event: EventRunnerGoingAway, instances: hosted})
	return nil
}

// Disconnect removes a runner after graceful drain completion.
func (rr *RunnerRegistry) Disconnect(key string) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if _, ok := rr.runners[key]; ok {
		delete(rr.runners, key)
		rr.broadcast()
		slog.Info("runner disconnected", "runner", key)
	}
}

// Assign records that an instance is hosted on the runner. Must only be
// called for runners returned by pick, under the placement path.
func (rr *RunnerRegistry) Assign(key string, id InstanceID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	if r, ok := rr.runners[key]; ok {
		r.hosted[id] = struct{}{}
	}
}

// Release drops an instance from its runner's hosted set. Removes the
// runner entry entirely when it was lost or drained down to zero.
func (rr *RunnerRegistry) Release(key string, id InstanceID) {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	r, ok := rr.runners[key]
	if !ok {
		return
	}
	delete(r.hosted, id)
	if len(r.hosted) == 0 && (r.liveness == RunnerLost || r.draining) {
		delete(rr.runners, key)
		slog.Info("runner removed", "runner", key, "liveness", r.liveness.String())
	}
	rr.broadcast()
}

// Hosted returns the ids currently assigned to the runner.
func (rr *RunnerRegistry) Hosted(key string) []InstanceID {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	r, ok := rr.runners[key]
	if !ok {
		return nil
	}
	return hostedIDs(r)
}

// Snapshot returns copies of all runner records for the admin surface.
type RunnerInfo struct {
	Key        string `json:"key"`
	Pool       string `json:"pool"`
	Version    string `json:"version"`
	Capacity   int    `json:"capacity"`
	Hosted     int    `json:"hosted"`
	Liveness   string `json:"liveness"`
	Draining   bool   `json:"draining"`
	Serverless bool   `json:"serverless"`
}

func (rr *RunnerRegistry) Snapshot() []RunnerInfo {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	out := make([]RunnerInfo, 0, len(rr.runners))
	for _, r := range rr.runners {
		out = append(out, RunnerInfo{
			Key:        r.Key,
			Pool:       r.Pool,
			Version:    r.Version.String(),
			Capacity:   r.Capacity,
			Hosted:     len(r.hosted),
			Liveness:   r.liveness.String(),
			Draining:   r.draining,
			Serverless: r.Kind == RunnerServerless,
		})
	}
	return out
}

func (rr *RunnerRegistry) count() int {
	rr.mu.Lock()
	defer rr.mu.Unlock()
	return len(rr.runners)
}

// monitor is the background liveness loop: alive → suspected after a
// missed heartbeat, suspected → lost after the loss threshold, plus drain
// grace enforcement.
func (rr *RunnerRegistry) monitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-rr.done:
			return
		case <-ticker.C:
			rr.sweep(time.Now())
		}
	}
}

func (rr *RunnerRegistry) sweep(now time.Time) {
	var lost, forced []runnerEvent

	rr.mu.Lock()
	for key, r := range rr.runners {
		switch r.liveness {
		case RunnerAlive:
			if now.Sub(r.lastHeartbeat) >= rr.suspectAfter {
				r.liveness = RunnerSuspected
				slog.Warn("runner suspected", "runner", key,
					"silent", now.Sub(r.lastHeartbeat).String())
			}
		case RunnerSuspected:
			if now.Sub(r.lastHeartbeat) >= rr.lostAfter {
				r.liveness = RunnerLost
				hosted := hostedIDs(r)
				slog.Error("runner confirmed lost", "runner", key, "hosted", len(hosted))
				if len(hosted) == 0 {
					delete(rr.runners, key)
				} else {
					lost = append(lost, runnerEvent{runnerKey: key, event: EventRunnerLost, instances: hosted})
				}
				rr.broadcast()
			}
		}

		if r.draining && len(r.hosted) > 0 && now.Sub(r.drainStarted) >= rr.drainGrace {
			hosted := hostedIDs(r)
			slog.Warn("drain grace elapsed, forcing reschedule", "runner", key, "remaining", len(hosted))
			forced = append(forced, runnerEvent{runnerKey: key, event: EventRunnerLostForced, instances: hosted})
			r.drainStarted = now.Add(rr.drainGrace) // don't re-fire every sweep
		}
	}
	rr.mu.Unlock()

	for _, ev := range lost {
		rr.emit(ev)
	}
	for _, ev := range forced {
		rr.emit(ev)
	}
}

func (rr *RunnerRegistry) emit(ev runnerEvent) {
	select {
	case rr.events <- ev:
	case <-rr.done:
	}
}

func (rr *RunnerRegistry) stop() {
	close(rr.done)
}

func hostedIDs(r *Runner) []InstanceID {
	ids := make([]InstanceID, 0, len(r.hosted))
	for id := range r.hosted {
		ids = append(ids, id)
	}
	return ids
}
