package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// entry is the coordinator's durable-ish view of one actor instance: its
// identity, lifecycle state, and runner assignment. The per-entry mutex
// serializes all lifecycle transitions for the instance, which is what
// makes placement linearizable per key — two transitions can never race
// one entry into two live instances.
type entry struct {
	id  InstanceID
	ref Ref
	def *definition

	mu        sync.Mutex
	state     LifecycleState
	runnerKey string
	inst      *instance // non-nil only while Active

	// createPending is set until OnCreate commits, so an instance parked
	// asleep before activation still runs it on first wake. At-least-once:
	// a crash between OnCreate and the flag clearing reruns the hook.
	createPending bool
}

func (e *entry) currentState() LifecycleState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// createGate deduplicates concurrent creates for the same ref, exactly
// like an activation gate: losers wait for the winner's outcome.
type createGate struct {
	done chan struct{}
	id   InstanceID
	err  error
}

// transitionLocked records a state change. Callers hold e.mu.
func (o *Orchestrator) transitionLocked(e *entry, to LifecycleState, event string) {
	from := e.state
	e.state = to
	o.events.Record(TransitionEvent{
		ID: e.id, Ref: e.ref.String(), From: from, To: to,
		Event: event, Runner: e.runnerKey,
	})
	slog.Debug("lifecycle transition", "ref", e.ref.String(), "id", e.id,
		"from", from.String(), "to", to.String(), "event", event)
}

// runHook executes one lifecycle hook under its budget. A hook that
// overruns is abandoned and reported as errHookTimeout; the goroutine is
// left to the hook's own context handling.
func (o *Orchestrator) runHook(e *entry, name string, budget time.Duration, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(o.baseCtx, budget)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				debug.PrintStack()
				done <- fmt.Errorf("%s panic: %v", name, r)
			}
		}()
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) {
			break
		}
		return err
	case <-ctx.Done():
	}

	o.metrics.hookTimeouts.Inc()
	slog.Error("lifecycle hook exceeded its budget", "ref", e.ref.String(), "hook", name, "budget", budget.String())
	return errHookTimeout
}

// activateLocked places the entry on a runner and runs the activation
// hook sequence: OnCreate (while still pending), then CreateVars → OnWake.
// On success the instance loop is running and the entry is Active.
// Callers hold e.mu.
func (o *Orchestrator) activateLocked(ctx context.Context, e *entry, handler Handler, state []byte, wait time.Duration) error {
	started := time.Now()
	runnerKey, err := o.place(ctx, e.id, e.def, wait)
	if err != nil {
		return err
	}
	o.metrics.placementWait.Observe(time.Since(started).Seconds())

	inst := newInstance(o, e.id, e.ref, e.def, handler, state, o.baseCtx, o.config.inboxSize)
	t := e.def.timeouts

	fail := func(err error) error {
		o.runners.Release(runnerKey, e.id)
		return err
	}

	if e.createPending {
		err := o.runHook(e, "onCreate", t.OnCreate, func(ctx context.Context) error {
			return handler.(CreateHook).OnCreate(ctx, inst.actx)
		})
		if err != nil {
			return fail(err)
		}
		e.createPending = false
		inst.flushState()
	}

	// CreateVars output is ephemeral: recomputed on every wake, never
	// restored from storage.
	if e.def.hooks.vars {
		err := o.runHook(e, "createVars", t.CreateVars, func(ctx context.Context) error {
			vars, herr := handler.(VarsHook).CreateVars(ctx, inst.actx)
			if herr != nil {
				return herr
			}
			inst.actx.Vars = vars
			return nil
		})
		if err != nil {
			return fail(err)
		}
	}

	if e.def.hooks.wake {
		err := o.runHook(e, "onWake", t.OnWake, func(ctx context.Context) error {
			return handler.(WakeHook).OnWake(ctx, inst.actx)
		})
		if err != nil {
			return fail(err)
		}
	}
	inst.flushState()

	go inst.run()
	e.inst = inst
	e.runnerKey = runnerKey
	o.transitionLocked(e, StateActive, "")

	// Re-home any hibernating sessions left over from a previous runner.
	o.gateway.Rebind(e.id, runnerKey)
	return nil
}

// createEntry drives the first-ever instantiation:
// createState → persist → onCreate → createVars → onWake → Active.
// Callers hold e.mu.
func (o *Orchestrator) createEntry(ctx context.Context, e *entry, input []byte) error {
	o.transitionLocked(e, StateCreating, "")

	state, found, err := o.stateStore.Load(e.id)
	if err != nil {
		o.dropEntryLocked(e, false)
		return o.opaque(e, "load state on create", err)
	}
	handler := e.def.New()

	if !found {
		var out []byte
		err := o.runHook(e, "createState", e.def.timeouts.CreateState, func(ctx context.Context) error {
			var herr error
			out, herr = handler.CreateState(ctx, CreateInput{Ref: e.ref, Input: input})
			return herr
		})
		if err != nil {
			o.metrics.activationsFailed.Inc()
			o.dropEntryLocked(e, false)
			if errors.Is(err, errHookTimeout) {
				return ErrInternal
			}
			// createState failures are the caller's own create failing;
			// surface them as-is.
			return err
		}
		// Durable checkpoint: a crash past this point resumes from the
		// persisted state instead of re-deriving it.
		if err := o.stateStore.Save(e.id, out); err != nil {
			o.metrics.activationsFailed.Inc()
			o.dropEntryLocked(e, false)
			return o.opaque(e, "persist created state", err)
		}
		state = out
	}
	e.createPending = e.def.hooks.create

	for attempt := 0; attempt < o.config.createRetries; attempt++ {
		err := o.activateLocked(ctx, e, handler, state, o.config.placementWait)
		if err == nil {
			o.metrics.activations.Inc()
			return nil
		}
		if errors.Is(err, errPlacementSleep) {
			// The crash policy absorbs the capacity shortage: the actor
			// exists, dormant, and wakes when next called.
			o.transitionLocked(e, StateSleeping, EventNoCapacity.String())
			o.metrics.activations.Inc()
			return nil
		}
		if errors.Is(err, ErrPlacementTimeout) {
			o.metrics.activationsFailed.Inc()
			o.transitionLocked(e, StateSleeping, EventNoCapacity.String())
			return ErrPlacementTimeout
		}
		if ctx.Err() != nil {
			o.metrics.activationsFailed.Inc()
			o.transitionLocked(e, StateSleeping, "")
			return ctx.Err()
		}

		switch Decide(EventCrash, e.def.Policy) {
		case VerdictReschedule:
			slog.Warn("create attempt failed, retrying", "ref", e.ref.String(), "attempt", attempt, "error", err)
			continue
		case VerdictSleep:
			o.transitionLocked(e, StateSleeping, EventCrash.String())
			o.metrics.activationsFailed.Inc()
			return ErrInternal
		default:
			o.metrics.activationsFailed.Inc()
			o.destroyLocked(e, false, EventCrash.String())
			return ErrInternal
		}
	}

	// Retries exhausted; park the durable state rather than orphaning it.
	o.metrics.activationsFailed.Inc()
	o.transitionLocked(e, StateSleeping, EventCrash.String())
	return ErrInternal
}

// wakeLocked re-activates a sleeping entry: createVars → onWake → Active.
// Callers hold e.mu.
func (o *Orchestrator) wakeLocked(ctx context.Context, e *entry, event string, wait time.Duration) error {
	switch e.state {
	case StateActive:
		return nil
	case StateDestroyed, StateDestroying:
		return ErrActorNotFound
	case StateUninitialized, StateCreating:
		// Creation finishes under e.mu before the entry is reachable, so
		// landing here means the create failed and the entry was dropped
		// from the catalog while we waited on the lock.
		return ErrActorNotFound
	}
	o.transitionLocked(e, StateWaking, event)

	state, _, err := o.stateStore.Load(e.id)
	if err != nil {
		o.transitionLocked(e, StateSleeping, "")
		return o.opaque(e, "load state on wake", err)
	}
	handler := e.def.New()

	for attempt := 0; attempt < o.config.createRetries; attempt++ {
		err := o.activateLocked(ctx, e, handler, state, wait)
		if err == nil {
			o.metrics.wakes.Inc()
			return nil
		}
		if errors.Is(err, errPlacementSleep) || errors.Is(err, ErrPlacementTimeout) {
			o.transitionLocked(e, StateSleeping, EventNoCapacity.String())
			return ErrPlacementTimeout
		}
		if ctx.Err() != nil || errors.Is(err, ErrOrchestratorDown) {
			o.transitionLocked(e, StateSleeping, "")
			return ErrOrchestratorDown
		}

		switch Decide(EventCrash, e.def.Policy) {
		case VerdictReschedule:
			slog.Warn("wake attempt failed, retrying", "ref", e.ref.String(), "attempt", attempt, "error", err)
			continue
		case VerdictSleep:
			o.transitionLocked(e, StateSleeping, EventCrash.String())
			return ErrInternal
		default:
			o.destroyLocked(e, false, EventCrash.String())
			return ErrInternal
		}
	}
	o.transitionLocked(e, StateSleeping, EventCrash.String())
	return ErrInternal
}

// sleepLocked puts an Active entry to rest: onSleep (best-effort) →
// Sleeping. Callers hold e.mu.
func (o *Orchestrator) sleepLocked(e *entry, runOnSleep bool, event string) {
	if e.state != StateActive || e.inst == nil {
		return
	}
	inst := e.inst
	inst.halt()

	if runOnSleep && e.def.hooks.sleep {
		// Best-effort cleanup only; never guaranteed on a crash.
		err := o.runHook(e, "onSleep", e.def.timeouts.OnSleep, func(ctx context.Context) error {
			return inst.handler.(SleepHook).OnSleep(ctx, inst.actx)
		})
		if err != nil {
			slog.Warn("onSleep failed", "ref", e.ref.String(), "error", err)
		}
	}
	if runOnSleep {
		// A real crash loses dirty writes up to one save interval; a
		// voluntary sleep flushes them.
		inst.flushState()
	}

	o.releaseRunnerLocked(e)
	e.inst = nil
	o.transitionLocked(e, StateSleeping, event)
	o.metrics.sleeps.Inc()
}

// destroyLocked runs onDestroy and permanently deletes the instance. Any
// later reference to the id fails with ErrActorNotFound. Callers hold
// e.mu.
func (o *Orchestrator) destroyLocked(e *entry, runHooks bool, event string) {
	if e.state == StateDestroyed {
		return
	}
	o.transitionLocked(e, StateDestroying, event)

	inst := e.inst
	if inst != nil {
		inst.halt()
	}

	if runHooks && e.def.hooks.destroy {
		handler := e.def.New()
		actx := &ActionContext{ID: e.id, Ref: e.ref}
		if inst != nil {
			handler = inst.handler
			actx = inst.actx
		} else if state, ok, _ := o.stateStore.Load(e.id); ok {
			actx.state = state
		}
		err := o.runHook(e, "onDestroy", e.def.timeouts.OnDestroy, func(ctx context.Context) error {
			return handler.(DestroyHook).OnDestroy(ctx, actx)
		})
		if err != nil {
			slog.Warn("onDestroy failed, destroying anyway", "ref", e.ref.String(), "error", err)
		}
	}

	if err := o.stateStore.Delete(e.id); err != nil {
		slog.Error("state delete on destroy failed", "ref", e.ref.String(), "error", err)
	}
	o.releaseRunnerLocked(e)
	e.inst = nil
	o.gateway.DropInstance(e.id, "instance destroyed")
	o.transitionLocked(e, StateDestroyed, event)
	o.dropEntryLocked(e, true)
	o.metrics.destroys.Inc()
}

// rescheduleLocked moves an entry to a fresh runner after a failure. The
// old in-memory state is discarded (a crash loses up to one save
// interval); the wake sequence rebuilds from storage and the gateway
// re-homes hibernating sessions. Callers hold e.mu.
func (o *Orchestrator) rescheduleLocked(e *entry, event string) {
	if e.inst != nil {
		e.inst.halt()
		e.inst = nil
	}
	o.releaseRunnerLocked(e)
	e.state = StateSleeping // transient; wakeLocked records the real transition

	if err := o.wakeLocked(o.baseCtx, e, event, o.config.rescheduleWait); err != nil {
		slog.Error("reschedule failed", "ref", e.ref.String(), "event", event, "error", err)
		return
	}
	o.metrics.reschedules.Inc()
}

// applyVerdict reacts to a crash event per the decision table. Runs on
// background paths (runner events, exit reports).
func (o *Orchestrator) applyVerdict(e *entry, ev CrashEvent) {
	verdict := Decide(ev, e.def.Policy)
	slog.Info("crash policy verdict", "ref", e.ref.String(), "event", ev.String(),
		"policy", e.def.Policy.String(), "verdict", verdict.String())

	e.mu.Lock()
	defer e.mu.Unlock()

	switch verdict {
	case VerdictDestroy:
		o.destroyLocked(e, ev == EventGracefulExit, ev.String())
	case VerdictSleep:
		// Crash-driven sleep: no onSleep, no flush. Dirty writes since
		// the last save tick are gone, by contract.
		if e.state == StateActive && e.inst != nil {
			inst := e.inst
			inst.halt()
			o.releaseRunnerLocked(e)
			e.inst = nil
			o.transitionLocked(e, StateSleeping, ev.String())
			o.metrics.sleeps.Inc()
		}
	case VerdictReschedule:
		o.rescheduleLocked(e, ev.String())
	}
}

func (o *Orchestrator) releaseRunnerLocked(e *entry) {
	if e.runnerKey != "" {
		o.runners.Release(e.runnerKey, e.id)
		e.runnerKey = ""
	}
}

// dropEntryLocked removes the entry from the catalog, tombstoning the id
// when it was destroyed.
func (o *Orchestrator) dropEntryLocked(e *entry, tombstone bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.entries, e.ref.canonical())
	delete(o.byID, e.id)
	if tombstone {
		o.tombstones[e.id] = struct{}{}
	}
}

// opaque logs an internal failure with full context and hands the caller
// the generic error, leaking nothing.
func (o *Orchestrator) opaque(e *entry, what string, err error) error {
	slog.Error("internal failure", "ref", e.ref.String(), "id", e.id, "op", what, "error", err)
	return ErrInternal
}
