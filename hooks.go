package ensemble

import (
	"context"
	"time"
)

// CreateInput is passed to CreateState on first-ever instantiation.
type CreateInput struct {
	Ref   Ref
	Input []byte
}

// ActionContext is the per-instance execution context handed to lifecycle
// hooks and actions. Access is serialized by the instance run loop and the
// coordinator's per-entry lock, so hooks never race on it.
type ActionContext struct {
	ID  InstanceID
	Ref Ref

	// Vars holds the ephemeral values produced by CreateVars. Recomputed
	// on every wake, never restored from storage.
	Vars any

	state   []byte
	dirty   bool
	noSleep func(bool)
}

// State returns the instance's durable state bytes as last written.
func (c *ActionContext) State() []byte {
	return c.state
}

// SetState replaces the durable state. The write is flushed on the next
// save-state tick, at the end of the current action, and on every
// lifecycle transition commit.
func (c *ActionContext) SetState(b []byte) {
	c.state = b
	c.dirty = true
}

// SetNoSleep defers idle sleep indefinitely while set.
func (c *ActionContext) SetNoSleep(v bool) {
	if c.noSleep != nil {
		c.noSleep(v)
	}
}

// Handler is the required surface of an actor definition. Everything else
// is an optional capability detected once at registration.
type Handler interface {
	// CreateState derives the initial durable state. Its output is
	// persisted before OnCreate runs, so a crash mid-create resumes from
	// a known state instead of re-deriving it.
	CreateState(ctx context.Context, in CreateInput) ([]byte, error)

	// HandleAction executes one named action. Calls to the same instance
	// are serialized; handlers must tolerate at-least-once delivery when
	// invoked from durable timers.
	HandleAction(ctx context.Context, c *ActionContext, name string, args []byte) ([]byte, error)
}

// Optional lifecycle capabilities. A definition opts in by implementing
// the interface; detection happens once in Register, not per call.
type (
	CreateHook interface {
		OnCreate(ctx context.Context, c *ActionContext) error
	}
	VarsHook interface {
		CreateVars(ctx context.Context, c *ActionContext) (any, error)
	}
	WakeHook interface {
		OnWake(ctx context.Context, c *ActionContext) error
	}
	SleepHook interface {
		OnSleep(ctx context.Context, c *ActionContext) error
	}
	DestroyHook interface {
		OnDestroy(ctx context.Context, c *ActionContext) error
	}
)

// Connection hooks. All three run before a session is admitted; a failure
// at any step aborts the connection with no side effects on the actor.
type (
	BeforeConnectHook interface {
		OnBeforeConnect(ctx context.Context, c *ActionContext, p ConnectParams) error
	}
	ConnStateHook interface {
		CreateConnState(ctx context.Context, c *ActionContext, p ConnectParams) (any, error)
	}
	ConnectHook interface {
		OnConnect(ctx context.Context, c *ActionContext, s *Session) error
	}
)

// Definition describes one actor type.
type Definition struct {
	Name string

	// New builds a fresh handler for each instance activation.
	New func() Handler

	// Policy governs crash behavior. Immutable after Register.
	Policy CrashPolicy

	// Pool restricts placement to runners in this pool. Empty means the
	// default pool.
	Pool string

	// Timeouts overrides individual hook budgets. Zero fields keep the
	// defaults.
	Timeouts HookTimeouts
}

// HookTimeouts carries one budget per hook type. A hook that exceeds its
// budget is treated as a crash event, never as a caller-visible error.
type HookTimeouts struct {
	CreateState time.Duration
	OnCreate    time.Duration
	CreateVars  time.Duration
	OnWake      time.Duration
	OnSleep     time.Duration
	OnDestroy   time.Duration
	Connect     time.Duration
	Action      time.Duration
}

func defaultHookTimeouts() HookTimeouts {
	return HookTimeouts{
		CreateState: 15 * time.Second,
		OnCreate:    30 * time.Second,
		CreateVars:  5 * time.Second,
		OnWake:      15 * time.Second,
		OnSleep:     2500 * time.Millisecond,
		OnDestroy:   60 * time.Second,
		Connect:     5 * time.Second,
		Action:      60 * time.Second,
	}
}

// merged fills zero fields from the defaults.
func (t HookTimeouts) merged() HookTimeouts {
	d := defaultHookTimeouts()
	pick := func(v, def time.Duration) time.Duration {
		if v > 0 {
			return v
		}
		return def
	}
	return HookTimeouts{
		CreateState: pick(t.CreateState, d.CreateState),
		OnCreate:    pick(t.OnCreate, d.OnCreate),
		CreateVars:  pick(t.CreateVars, d.CreateVars),
		OnWake:      pick(t.OnWake, d.OnWake),
		OnSleep:     pick(t.OnSleep, d.OnSleep),
		OnDestroy:   pick(t.OnDestroy, d.OnDestroy),
		Connect:     pick(t.Connect, d.Connect),
		Action:      pick(t.Action, d.Action),
	}
}

// hookSet records which optional capabilities a definition implements.
// Resolved once against a probe handler at registration time.
type hookSet struct {
	create        bool
	vars          bool
	wake          bool
	sleep         bool
	destroy       bool
	beforeConnect bool
	connState     bool
	connect       bool
}

// definition is a Definition with its capability set and merged timeouts
// resolved. This is what the orchestrator stores and dispatches against.
type definition struct {
	Definition
	hooks    hookSet
	timeouts HookTimeouts
}

func resolveDefinition(d Definition) *definition {
	probe := d.New()
	rd := &definition{
		Definition: d,
		timeouts:   d.Timeouts.merged(),
	}
	_, rd.hooks.create = probe.(CreateHook)
	_, rd.hooks.vars = probe.(VarsHook)
	_, rd.hooks.wake = probe.(WakeHook)
	_, rd.hooks.sleep = probe.(SleepHook)
	_, rd.hooks.destroy = probe.(DestroyHook)
	_, rd.hooks.beforeConnect = probe.(BeforeConnectHook)
	_, rd.hooks.connState = probe.(ConnStateHook)
	_, rd.hooks.connect = probe.(ConnectHook)
	return rd
}
