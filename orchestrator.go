package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// Orchestrator is the region-local coordinator: it owns the instance
// catalog, drives lifecycle transitions, places instances on runners,
// fires durable timers, and admits connections. One per region.
type Orchestrator struct {
	config orchestratorConfig
	region string

	defsMu sync.RWMutex
	defs   map[string]*definition

	mu         sync.Mutex
	entries    map[string]*entry // canonical ref → entry
	byID       map[InstanceID]*entry
	tombstones map[InstanceID]struct{}
	gates      sync.Map // canonical ref → *createGate

	stateStore StateStore
	runners    *RunnerRegistry
	timers     *TimerService
	keys       *KeyAllocator
	gateway    *Gateway
	events     *eventLog
	metrics    *Metrics
	registry   *prometheus.Registry

	// fired dedups timer deliveries: one entry per accepted firing, swept
	// after the retention window.
	firedMu sync.Mutex
	fired   map[string]time.Time

	serverlessPools map[string]bool
	deadLetter      DeadLetterHandler

	baseCtx context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	wg      sync.WaitGroup
	started atomic.Bool
	stopped atomic.Bool

	admin *adminServer
}

// New builds an orchestrator. Stores default to in-memory; production
// deployments inject durable ones.
func New(opts ...Option) *Orchestrator {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.stateStore == nil {
		cfg.stateStore = NewMemoryStateStore()
	}
	if cfg.timerStore == nil {
		cfg.timerStore = NewMemoryTimerStore()
	}
	if cfg.bindingStore == nil {
		cfg.bindingStore = NewMemoryBindingStore()
	}

	ctx, cancel := context.WithCancel(context.Background())
	registry := prometheus.NewRegistry()
	metrics := newMetrics(registry)

	o := &Orchestrator{
		config:          cfg,
		region:          cfg.region,
		defs:            make(map[string]*definition),
		entries:         make(map[string]*entry),
		byID:            make(map[InstanceID]*entry),
		tombstones:      make(map[InstanceID]struct{}),
		stateStore:      cfg.stateStore,
		runners:         newRunnerRegistry(cfg.suspectAfter, cfg.lostAfter, cfg.drainGrace, cfg.drainOnUpgrade),
		keys:            newKeyAllocator(cfg.region, cfg.bindingStore, cfg.peers, cfg.proposeTimeout),
		events:          newEventLog(cfg.eventLogSize),
		metrics:         metrics,
		registry:        registry,
		fired:           make(map[string]time.Time),
		serverlessPools: make(map[string]bool, len(cfg.serverlessPools)),
		deadLetter:      cfg.deadLetter,
		baseCtx:         ctx,
		cancel:          cancel,
		done:            make(chan struct{}),
	}
	for _, pool := range cfg.serverlessPools {
		o.serverlessPools[pool] = true
	}
	o.keys.onCommit = metrics.bindingsCommitted.Inc
	o.gateway = newGateway(metrics)
	o.timers = newTimerService(cfg.timerStore, o.deliverTimer, cfg.timerRetryDelay, cfg.timerRecoveryInterval)
	metrics.trackCounts(registry, o.instanceCount, o.runners.count, o.gateway.count, o.timers.count)
	return o
}

// Register adds actor definitions. Must be called before Start; a
// duplicate or nameless definition is a programming error.
func (o *Orchestrator) Register(defs ...Definition) error {
	o.defsMu.Lock()
	defer o.defsMu.Unlock()
	for _, d := range defs {
		if d.Name == "" || d.New == nil {
			return fmt.Errorf("definition needs a name and a constructor")
		}
		if _, dup := o.defs[d.Name]; dup {
			return fmt.Errorf("actor %q registered twice", d.Name)
		}
		o.defs[d.Name] = resolveDefinition(d)
	}
	return nil
}

func (o *Orchestrator) definition(name string) (*definition, bool) {
	o.defsMu.RLock()
	defer o.defsMu.RUnlock()
	d, ok := o.defs[name]
	return d, ok
}

// Start launches the background machinery: timer loops, runner liveness
// sweeps, idle cleanup, the save-state tick, and the admin server.
func (o *Orchestrator) Start() error {
	if !o.started.CompareAndSwap(false, true) {
		return fmt.Errorf("orchestrator already started")
	}
	if o.config.logLevelSet {
		SetLogLevel(o.config.logLevel)
	}
	slog.Info("orchestrator starting", "region", o.region)

	o.timers.start()
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.runners.monitor(o.config.heartbeatSweep)
	}()

	o.loop(o.runnerEventLoop)
	o.loop(func() { o.sweepLoop(o.config.cleanupInterval, o.sweepIdle) })
	o.loop(func() { o.sweepLoop(o.config.saveInterval, o.flushAll) })
	o.loop(func() { o.sweepLoop(firedSweepInterval(o.config.firedRetention), o.sweepFired) })

	if o.config.adminAddr != "" {
		o.admin = newAdminServer(o, o.config.adminAddr)
		if err := o.admin.start(); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) loop(fn func()) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		fn()
	}()
}

// Stop shuts the orchestrator down: timers stop firing, all active
// instances are put to sleep with a final state flush, and the admin
// server closes. Idempotent.
func (o *Orchestrator) Stop(ctx context.Context) error {
	if !o.stopped.CompareAndSwap(false, true) {
		return nil
	}
	slog.Info("orchestrator stopping", "region", o.region)

	close(o.done)
	o.timers.stop()
	o.runners.stop()

	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		o.sleepLocked(e, true, "shutdown")
		e.mu.Unlock()
	}

	if o.admin != nil {
		if err := o.admin.shutdown(ctx); err != nil {
			slog.Warn("admin server shutdown", "error", err)
		}
	}
	o.cancel()

	waited := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) closed() bool {
	return o.stopped.Load() || !o.started.Load()
}

// CreateOrGet returns the instance id for a ref, instantiating the actor
// if it does not exist yet. For keyed refs the owning region is settled
// first; when another region owns the key the create is delegated there
// and the remote id comes back. Concurrent creates for the same ref
// always converge on a single id.
func (o *Orchestrator) CreateOrGet(ctx context.Context, ref Ref, input []byte) (InstanceID, error) {
	if o.closed() {
		return "", ErrOrchestratorDown
	}
	def, ok := o.definition(ref.Name)
	if !ok {
		return "", ErrUnregisteredActor
	}

	if e := o.entryFor(ref); e != nil {
		return e.id, nil
	}

	if ref.Keyed() {
		owner, err := o.keys.Allocate(ctx, ref.canonical())
		if err != nil {
			return "", err
		}
		if owner != o.region {
			peer := o.keys.peerFor(owner)
			if peer == nil {
				slog.Error("no peer link to owning region", "ref", ref.String(), "owner", owner)
				return "", ErrInternal
			}
			return peer.Resolve(ctx, ref, input)
		}
	}
	return o.createLocal(ctx, ref, def, input)
}

// Resolve instantiates (or returns) a ref this region already owns. The
// peer transport calls this on behalf of remote regions after key
// allocation settled ownership here; local keyless creates come through
// CreateOrGet.
func (o *Orchestrator) Resolve(ctx context.Context, ref Ref, input []byte) (InstanceID, error) {
	if o.closed() {
		return "", ErrOrchestratorDown
	}
	def, ok := o.definition(ref.Name)
	if !ok {
		return "", ErrUnregisteredActor
	}
	if e := o.entryFor(ref); e != nil {
		return e.id, nil
	}
	return o.createLocal(ctx, ref, def, input)
}

// createLocal funnels concurrent creates for one ref through a gate: the
// first caller drives the lifecycle, the rest wait for its outcome.
func (o *Orchestrator) createLocal(ctx context.Context, ref Ref, def *definition, input []byte) (InstanceID, error) {
	key := ref.canonical()
	gate := &createGate{done: make(chan struct{})}
	actual, loaded := o.gates.LoadOrStore(key, gate)
	if loaded {
		g := actual.(*createGate)
		select {
		case <-g.done:
			return g.id, g.err
		case <-ctx.Done():
			return "", ctx.Err()
		case <-o.done:
			return "", ErrOrchestratorDown
		}
	}
	defer func() {
		o.gates.Delete(key)
		close(gate.done)
	}()

	// Re-check under the gate: a previous winner may have finished
	// between our lookup and the gate store.
	if e := o.entryFor(ref); e != nil {
		gate.id = e.id
		return e.id, nil
	}

	e := &entry{
		id:    newInstanceID(o.region),
		ref:   ref,
		def:   def,
		state: StateUninitialized,
	}
	// Publish only while holding e.mu: anyone who obtains the id before
	// creation finishes (a concurrent CreateOrGet, a Call on the fresh
	// id) blocks on the entry lock until the hook sequence has run, so a
	// half-created entry can never be activated.
	e.mu.Lock()
	o.mu.Lock()
	o.entries[key] = e
	o.byID[e.id] = e
	o.mu.Unlock()
	err := o.createEntry(ctx, e, input)
	e.mu.Unlock()

	if err != nil {
		gate.err = err
		return "", err
	}
	gate.id = e.id
	return e.id, nil
}

// Destroy permanently removes an instance: onDestroy runs, state is
// deleted, sessions close, and the id is tombstoned so later calls fail
// with ErrActorNotFound.
func (o *Orchestrator) Destroy(ctx context.Context, id InstanceID) error {
	e := o.entryByID(id)
	if e == nil {
		return ErrActorNotFound
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateDestroyed {
		return ErrActorNotFound
	}
	o.destroyLocked(e, true, "destroy requested")
	return nil
}

// Call invokes a named action on an instance, waking it first when
// asleep. Calls to one instance are serialized in arrival order. Ids
// owned by another region (from a delegated create) fail with
// ErrWrongRegion; dispatching there is the peer transport's concern.
func (o *Orchestrator) Call(ctx context.Context, id InstanceID, action string, args []byte) ([]byte, error) {
	if o.closed() {
		return nil, ErrOrchestratorDown
	}
	e := o.entryByID(id)
	if e == nil {
		if r := id.Region(); r != "" && r != o.region {
			return nil, fmt.Errorf("instance %s lives in region %q: %w", id, r, ErrWrongRegion)
		}
		return nil, ErrActorNotFound
	}

	for {
		if err := o.ensureActive(ctx, e, EventWakeSignal.String()); err != nil {
			return nil, err
		}
		e.mu.Lock()
		inst := e.inst
		e.mu.Unlock()
		if inst == nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}

		out, err := inst.call(ctx, action, args)
		if errors.Is(err, errAsleep) {
			// The instance went down between wake and enqueue; go around.
			if cerr := ctx.Err(); cerr != nil {
				return nil, cerr
			}
			continue
		}
		o.metrics.actions.Inc()
		if err != nil {
			o.metrics.actionErrors.Inc()
		}
		return out, err
	}
}

// Connect admits a session to an instance. The hook sequence
// (onBeforeConnect → createConnState → onConnect) runs serialized with
// the instance's actions; any failure aborts the attempt with no side
// effects.
func (o *Orchestrator) Connect(ctx context.Context, id InstanceID, p ConnectParams) (*Session, error) {
	if o.closed() {
		return nil, ErrOrchestratorDown
	}
	e := o.entryByID(id)
	if e == nil {
		return nil, ErrActorNotFound
	}
	if p.SessionID == "" {
		p.SessionID = uuid.NewString()
	}

	for {
		if err := o.ensureActive(ctx, e, EventWakeSignal.String()); err != nil {
			return nil, err
		}
		e.mu.Lock()
		inst := e.inst
		runnerKey := e.runnerKey
		e.mu.Unlock()
		if inst == nil {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			continue
		}

		s := &Session{
			ID:           p.SessionID,
			Instance:     id,
			Hibernatable: p.Hibernatable,
			conn:         p.Conn,
		}
		hctx, cancel := context.WithTimeout(ctx, e.def.timeouts.Connect)
		err := inst.runSerialized(hctx, func(c *ActionContext) error {
			h := inst.handler
			if e.def.hooks.beforeConnect {
				if err := h.(BeforeConnectHook).OnBeforeConnect(hctx, c, p); err != nil {
					return err
				}
			}
			if e.def.hooks.connState {
				cs, err := h.(ConnStateHook).CreateConnState(hctx, c, p)
				if err != nil {
					return err
				}
				s.ConnState = cs
			}
			if e.def.hooks.connect {
				return h.(ConnectHook).OnConnect(hctx, c, s)
			}
			return nil
		})
		cancel()
		if errors.Is(err, errAsleep) {
			continue
		}
		if err != nil {
			return nil, err
		}

		o.gateway.Bind(s, runnerKey)
		if !s.Hibernatable {
			inst.conns.Add(1)
		}
		return s, nil
	}
}

// Disconnect removes a session and closes its connection.
func (o *Orchestrator) Disconnect(sessionID, reason string) {
	s, ok := o.gateway.Unbind(sessionID)
	if !ok {
		return
	}
	if !s.Hibernatable {
		if e := o.entryByID(s.Instance); e != nil {
			e.mu.Lock()
			if e.inst != nil {
				e.inst.conns.Add(-1)
			}
			e.mu.Unlock()
		}
	}
	if err := s.conn.Close(reason); err != nil {
		slog.Debug("session close", "session", s.ID, "error", err)
	}
}

// SessionRunner resolves the runner currently backing a session, the
// routing read for inbound traffic.
func (o *Orchestrator) SessionRunner(sessionID string) (string, bool) {
	return o.gateway.RunnerFor(sessionID)
}

// ScheduleAfter schedules a one-shot timer firing after d.
func (o *Orchestrator) ScheduleAfter(id InstanceID, action string, args []byte, d time.Duration) (string, error) {
	return o.schedule(TimerRecord{Target: id, Action: action, Args: args, FireAt: time.Now().Add(d)})
}

// ScheduleAt schedules a one-shot timer firing at an absolute time.
func (o *Orchestrator) ScheduleAt(id InstanceID, action string, args []byte, at time.Time) (string, error) {
	return o.schedule(TimerRecord{Target: id, Action: action, Args: args, FireAt: at})
}

// ScheduleRepeating schedules a fixed-interval timer. The first firing is
// one interval out.
func (o *Orchestrator) ScheduleRepeating(id InstanceID, action string, args []byte, every time.Duration) (string, error) {
	if every <= 0 {
		return "", fmt.Errorf("repeat interval must be positive")
	}
	return o.schedule(TimerRecord{Target: id, Action: action, Args: args, FireAt: time.Now().Add(every), Every: every})
}

// ScheduleCron schedules a timer on a five-field cron expression.
func (o *Orchestrator) ScheduleCron(id InstanceID, action string, args []byte, expr string) (string, error) {
	return o.schedule(TimerRecord{Target: id, Action: action, Args: args, Cron: expr})
}

func (o *Orchestrator) schedule(rec TimerRecord) (string, error) {
	if o.closed() {
		return "", ErrOrchestratorDown
	}
	if e := o.entryByID(rec.Target); e == nil {
		return "", ErrActorNotFound
	}
	id, err := o.timers.Schedule(rec)
	if err != nil {
		return "", err
	}
	o.metrics.timersScheduled.Inc()
	return id, nil
}

// CancelTimer removes a scheduled timer. Cancelling an unknown id is not
// an error; the timer may simply have fired already.
func (o *Orchestrator) CancelTimer(timerID string) error {
	if err := o.timers.Cancel(timerID); err != nil {
		return err
	}
	o.metrics.timersCancelled.Inc()
	return nil
}

// deliverTimer hands one firing to its target. A nil return is
// acceptance: the scheduler may delete or advance the record. Missing
// targets dead-letter and accept; duplicate firings within the retention
// window are absorbed here.
func (o *Orchestrator) deliverTimer(rec TimerRecord) error {
	dedup := rec.ID + "|" + strconv.FormatInt(rec.FireAt.UnixNano(), 10)

	o.firedMu.Lock()
	if _, seen := o.fired[dedup]; seen {
		o.firedMu.Unlock()
		o.metrics.timersDeduped.Inc()
		return nil
	}
	o.fired[dedup] = time.Now()
	o.firedMu.Unlock()

	unmark := func() {
		o.firedMu.Lock()
		delete(o.fired, dedup)
		o.firedMu.Unlock()
	}

	e := o.entryByID(rec.Target)
	if e == nil {
		slog.Info("timer target gone, dead-lettering", "timer", rec.ID, "target", rec.Target, "action", rec.Action)
		if o.deadLetter != nil {
			o.deadLetter(rec)
		}
		o.metrics.timersFired.Inc()
		return nil
	}

	// Wake and enqueue under the entry lock, so the timer's action lands
	// ahead of any call that arrives after the wake.
	e.mu.Lock()
	if err := o.wakeLocked(o.baseCtx, e, EventWakeSignal.String(), o.config.rescheduleWait); err != nil {
		e.mu.Unlock()
		if errors.Is(err, ErrActorNotFound) {
			if o.deadLetter != nil {
				o.deadLetter(rec)
			}
			o.metrics.timersFired.Inc()
			return nil
		}
		unmark()
		return err
	}
	inst := e.inst
	req := &actionRequest{
		kind:  reqAction,
		name:  rec.Action,
		args:  rec.Args,
		reply: make(chan actionResult, 1),
	}
	err := inst.enqueue(req)
	e.mu.Unlock()

	if err != nil {
		unmark()
		return err
	}
	o.metrics.timersFired.Inc()
	go func() {
		res := <-req.reply
		if res.err != nil {
			slog.Warn("timer action failed", "timer", rec.ID, "target", rec.Target, "action", rec.Action, "error", res.err)
		}
	}()
	return nil
}

// RegisterRunner admits or re-admits a runner. Re-registering an existing
// key evicts the previous epoch.
func (o *Orchestrator) RegisterRunner(key, pool, version string, capacity int, kind RunnerKind) error {
	if o.closed() {
		return ErrOrchestratorDown
	}
	_, err := o.runners.Register(key, pool, version, capacity, kind)
	return err
}

// RunnerHeartbeat refreshes a runner's liveness.
func (o *Orchestrator) RunnerHeartbeat(key string) error {
	return o.runners.Heartbeat(key)
}

// RequestDrain starts a graceful drain: hosted instances move off per
// their crash policies, and the runner is forcibly reaped after the drain
// grace expires.
func (o *Orchestrator) RequestDrain(key string) error {
	return o.runners.Drain(key)
}

// ReportExit is the runner-side signal that an instance's process ended.
// Graceful exits and crashes route through the same decision table.
func (o *Orchestrator) ReportExit(id InstanceID, graceful bool) {
	e := o.entryByID(id)
	if e == nil {
		return
	}
	ev := EventCrash
	if graceful {
		ev = EventGracefulExit
	}
	o.applyVerdict(e, ev)
}

// instanceFailed is the in-process crash path (action panic or budget
// overrun). Runs off the instance goroutine.
func (o *Orchestrator) instanceFailed(id InstanceID, ev CrashEvent) {
	e := o.entryByID(id)
	if e == nil {
		return
	}
	o.applyVerdict(e, ev)
}

// ensureActive wakes the entry when asleep. Returns with the entry
// Active, or an error.
func (o *Orchestrator) ensureActive(ctx context.Context, e *entry, event string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return o.wakeLocked(ctx, e, event, o.config.placementWait)
}

func (o *Orchestrator) entryFor(ref Ref) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.entries[ref.canonical()]
}

func (o *Orchestrator) entryByID(id InstanceID) *entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.byID[id]
}

func (o *Orchestrator) snapshotEntries() []*entry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*entry, 0, len(o.entries))
	for _, e := range o.entries {
		out = append(out, e)
	}
	return out
}

func (o *Orchestrator) instanceCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// runnerEventLoop applies crash verdicts for runner-level failures:
// missed heartbeats, drains, and forced drain expiry fan out to every
// hosted instance. Each verdict runs on its own goroutine: a Reschedule
// that parks waiting for capacity must not delay verdicts for the other
// instances, nor back up the events channel into the liveness sweep.
func (o *Orchestrator) runnerEventLoop() {
	for {
		select {
		case ev := <-o.runners.events:
			slog.Info("runner event", "runner", ev.runnerKey, "event", ev.event.String(), "instances", len(ev.instances))
			for _, id := range ev.instances {
				e := o.entryByID(id)
				if e == nil {
					continue
				}
				o.wg.Add(1)
				go func() {
					defer o.wg.Done()
					o.applyVerdict(e, ev.event)
				}()
			}
		case <-o.done:
			return
		}
	}
}

func (o *Orchestrator) sweepLoop(interval time.Duration, fn func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fn()
		case <-o.done:
			return
		}
	}
}

// sweepIdle puts instances past the idle timeout to sleep, with the full
// voluntary-sleep sequence (onSleep, final flush).
func (o *Orchestrator) sweepIdle() {
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if e.state == StateActive && e.inst != nil && e.inst.idle(o.config.idleTimeout) {
			o.sleepLocked(e, true, "idle")
		}
		e.mu.Unlock()
	}
}

// flushAll is the save-state tick: every active instance persists dirty
// state. Loss on a hard crash is bounded to one interval.
func (o *Orchestrator) flushAll() {
	for _, e := range o.snapshotEntries() {
		e.mu.Lock()
		if e.inst != nil {
			e.inst.requestFlush()
		}
		e.mu.Unlock()
	}
}

func (o *Orchestrator) sweepFired() {
	cutoff := time.Now().Add(-o.config.firedRetention)
	o.firedMu.Lock()
	for k, at := range o.fired {
		if at.Before(cutoff) {
			delete(o.fired, k)
		}
	}
	o.firedMu.Unlock()
}

func firedSweepInterval(retention time.Duration) time.Duration {
	iv := retention / 10
	if iv < time.Second {
		iv = time.Second
	}
	if iv > time.Minute {
		iv = time.Minute
	}
	return iv
}

// Lookup returns the live id for a ref without creating anything.
func (o *Orchestrator) Lookup(ref Ref) (InstanceID, bool) {
	e := o.entryFor(ref)
	if e == nil {
		return "", false
	}
	return e.id, true
}

// State reports an instance's current lifecycle state.
func (o *Orchestrator) State(id InstanceID) (LifecycleState, error) {
	e := o.entryByID(id)
	if e == nil {
		o.mu.Lock()
		_, dead := o.tombstones[id]
		o.mu.Unlock()
		if dead {
			return StateDestroyed, nil
		}
		return StateUninitialized, ErrActorNotFound
	}
	return e.currentState(), nil
}

// AdminAddr returns the admin server's listen address, or "" when the
// admin server is disabled. Useful when binding to ":0".
func (o *Orchestrator) AdminAddr() string {
	if o.admin == nil {
		return ""
	}
	return o.admin.Addr()
}

// Peers exposes the key allocator for the peer transport to serve
// Propose/Learn from remote regions.
func (o *Orchestrator) Peers() *KeyAllocator {
	return o.keys
}
