package ensemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// LifecycleState is the position of an instance in its state machine.
// Active and Sleeping are the only stable resting states; the rest are
// transient and bounded by hook timeouts.
type LifecycleState int32

const (
	StateUninitialized LifecycleState = iota
	StateCreating
	StateActive
	StateSleeping
	StateWaking
	StateDestroying
	StateDestroyed
)

func (s LifecycleState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateCreating:
		return "creating"
	case StateActive:
		return "active"
	case StateSleeping:
		return "sleeping"
	case StateWaking:
		return "waking"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

func (s LifecycleState) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

type requestKind int

const (
	reqAction requestKind = iota
	reqExec
	reqFlush
	reqHalt
)

type actionResult struct {
	body []byte
	err  error
}

type actionRequest struct {
	kind  requestKind
	name  string
	args  []byte
	reply chan actionResult

	// exec runs on the instance goroutine for reqExec requests, giving
	// callers serialized access to the ActionContext.
	exec func(c *ActionContext) error
}

// instance is the in-process execution shell of an Active actor instance.
// A single goroutine (run) consumes the inbox, so action execution is
// serialized without further locking.
type instance struct {
	id      InstanceID
	ref     Ref
	def     *definition
	handler Handler
	actx    *ActionContext
	orch    *Orchestrator

	inbox chan *actionRequest
	done  chan struct{}

	baseCtx context.Context
	cancel  context.CancelFunc

	halted       atomic.Bool
	inFlight     atomic.Int64
	conns        atomic.Int64 // open non-hibernating sessions
	noSleep      atomic.Bool
	lastActivity atomic.Int64
}

// Idle tracking stamps lastActivity on every inbox request, so it reads
// the wall clock from a shared 500ms-resolution cache instead of paying
// a time.Now syscall per action. Half a second of slack is irrelevant
// against idle timeouts measured in minutes.
var coarseNow atomic.Int64

func init() {
	coarseNow.Store(time.Now().Unix())
	go func() {
		ticker := time.NewTicker(500 * time.Millisecond)
		for range ticker.C {
			coarseNow.Store(time.Now().Unix())
		}
	}()
}

func newInstance(orch *Orchestrator, id InstanceID, ref Ref, def *definition, handler Handler, state []byte, parentCtx context.Context, inboxSize int) *instance {
	baseCtx, cancel := context.WithCancel(parentCtx)
	inst := &instance{
		id:      id,
		ref:     ref,
		def:     def,
		handler: handler,
		orch:    orch,
		inbox:   make(chan *actionRequest, inboxSize),
		done:    make(chan struct{}),
		baseCtx: baseCtx,
		cancel:  cancel,
	}
	inst.actx = &ActionContext{
		ID:      id,
		Ref:     ref,
		state:   state,
		noSleep: inst.noSleep.Store,
	}
	inst.lastActivity.Store(coarseNow.Load())
	return inst
}

// enqueue hands a request to the run loop. Returns errAsleep once the
// instance has halted; callers retry through the wake path.
func (i *instance) enqueue(req *actionRequest) error {
	if i.halted.Load() {
		return errAsleep
	}
	select {
	case i.inbox <- req:
		return nil
	case <-i.done:
		return errAsleep
	}
}

// call enqueues an action and waits for its result.
func (i *instance) call(ctx context.Context, name string, args []byte) ([]byte, error) {
	req := &actionRequest{kind: reqAction, name: name, args: args, reply: make(chan actionResult, 1)}
	if err := i.enqueue(req); err != nil {
		return nil, err
	}

	select {
	case res := <-req.reply:
		return res.body, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-i.done:
		// The loop exited with the request still queued. Check for a
		// reply that raced the shutdown before giving up.
		select {
		case res := <-req.reply:
			return res.body, res.err
		default:
			return nil, errAsleep
		}
	}
}

// runSerialized executes fn on the instance goroutine, serialized with
// actions. Used for the connect hook chain.
func (i *instance) runSerialized(ctx context.Context, fn func(c *ActionContext) error) error {
	req := &actionRequest{kind: reqExec, exec: fn, reply: make(chan actionResult, 1)}
	if err := i.enqueue(req); err != nil {
		return err
	}
	select {
	case res := <-req.reply:
		return res.err
	case <-ctx.Done():
		return ctx.Err()
	case <-i.done:
		select {
		case res := <-req.reply:
			return res.err
		default:
			return errAsleep
		}
	}
}

// halt asks the run loop to stop after the current action. Pending queued
// requests are failed with errAsleep so their callers re-enter via wake.
func (i *instance) halt() {
	req := &actionRequest{kind: reqHalt}
	select {
	case i.inbox <- req:
	case <-i.done:
	}
	<-i.done
}

func (i *instance) run() {
	defer close(i.done)
	defer i.cancel()

	slog.Debug("instance loop started", "ref", i.ref.String(), "id", i.id)

	for {
		select {
		case <-i.baseCtx.Done():
			i.halted.Store(true)
			i.failPending()
			return
		case req := <-i.inbox:
			switch req.kind {
			case reqHalt:
				i.halted.Store(true)
				i.failPending()
				return
			case reqFlush:
				i.flushState()
			case reqExec:
				req.reply <- actionResult{err: req.exec(i.actx)}
			default:
				i.execute(req)
			}
		}
	}
}

// failPending drains buffered requests after the loop decided to exit.
func (i *instance) failPending() {
	for {
		select {
		case req := <-i.inbox:
			if req.reply != nil {
				req.reply <- actionResult{err: errAsleep}
			}
		default:
			return
		}
	}
}

func (i *instance) execute(req *actionRequest) {
	i.inFlight.Add(1)
	defer i.inFlight.Add(-1)
	i.lastActivity.Store(coarseNow.Load())

	ctx, cancel := context.WithTimeout(i.baseCtx, i.def.timeouts.Action)
	body, err := i.invoke(ctx, req.name, req.args)
	cancel()

	if err != nil && errors.Is(err, context.DeadlineExceeded) {
		// An action over budget is a crash signal, not a caller error.
		slog.Error("action exceeded its budget", "ref", i.ref.String(), "action", req.name)
		i.orch.metrics.hookTimeouts.Inc()
		req.reply <- actionResult{err: ErrInternal}
		go i.orch.instanceFailed(i.id, EventCrash)
		return
	}

	if err == nil && i.actx.dirty {
		if saveErr := i.orch.stateStore.Save(i.id, i.actx.state); saveErr != nil {
			slog.Error("state save failed after action", "ref", i.ref.String(), "error", saveErr)
		} else {
			i.actx.dirty = false
		}
	}

	i.lastActivity.Store(coarseNow.Load())
	req.reply <- actionResult{body: body, err: err}
}

func (i *instance) invoke(ctx context.Context, name string, args []byte) (body []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			debug.PrintStack()
			if e, ok := r.(error); ok {
				err = fmt.Errorf("action panic: %w", e)
			} else {
				err = fmt.Errorf("action panic: %v", r)
			}
		}
	}()
	return i.handler.HandleAction(ctx, i.actx, name, args)
}

// idle reports whether the instance can sleep: no open connections
// (hibernating ones excluded by construction), nothing executing or
// queued, and noSleep unset.
func (i *instance) idle(idleAfter time.Duration) bool {
	if i.noSleep.Load() || i.conns.Load() > 0 || i.inFlight.Load() > 0 || len(i.inbox) > 0 {
		return false
	}
	last := time.Unix(i.lastActivity.Load(), 0)
	return time.Since(last) >= idleAfter
}

// requestFlush asks the run loop to persist dirty state. Non-blocking;
// a full inbox means the next tick will catch up.
func (i *instance) requestFlush() {
	req := &actionRequest{kind: reqFlush}
	select {
	case i.inbox <- req:
	default:
	}
}

// flushState persists dirty state. Runs on the instance goroutine (via
// requestFlush) or after halt, so it never races an action.
func (i *instance) flushState() {
	if !i.actx.dirty {
		return
	}
	if err := i.orch.stateStore.Save(i.id, i.actx.state); err != nil {
		slog.Error("save-state tick failed", "ref", i.ref.String(), "error", err)
		return
	}
	i.actx.dirty = false
}
