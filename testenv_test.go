package ensemble

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"
)

// hookCounts records lifecycle hook invocations across activations of one
// definition. Shared between handler instances via the closure in
// counterDefinition.
type hookCounts struct {
	mu        sync.Mutex
	creates   int
	onCreates int
	wakes     int
	sleeps    int
	destroys  int
}

func (h *hookCounts) bump(field *int) {
	h.mu.Lock()
	*field++
	h.mu.Unlock()
}

func (h *hookCounts) snapshot() (creates, onCreates, wakes, sleeps, destroys int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.creates, h.onCreates, h.wakes, h.sleeps, h.destroys
}

// counterActor is the workhorse test handler: durable state is an integer
// counter, and action names select behaviors (inc, get, boom, fail,
// slow, pin).
type counterActor struct {
	counts *hookCounts
}

func (a *counterActor) CreateState(ctx context.Context, in CreateInput) ([]byte, error) {
	a.counts.bump(&a.counts.creates)
	if len(in.Input) > 0 {
		return in.Input, nil
	}
	return []byte("0"), nil
}

func (a *counterActor) OnCreate(ctx context.Context, c *ActionContext) error {
	a.counts.bump(&a.counts.onCreates)
	return nil
}

func (a *counterActor) OnWake(ctx context.Context, c *ActionContext) error {
	a.counts.bump(&a.counts.wakes)
	return nil
}

func (a *counterActor) OnSleep(ctx context.Context, c *ActionContext) error {
	a.counts.bump(&a.counts.sleeps)
	return nil
}

func (a *counterActor) OnDestroy(ctx context.Context, c *ActionContext) error {
	a.counts.bump(&a.counts.destroys)
	return nil
}

func (a *counterActor) HandleAction(ctx context.Context, c *ActionContext, name string, args []byte) ([]byte, error) {
	switch name {
	case "inc":
		n, err := strconv.Atoi(string(c.State()))
		if err != nil {
			return nil, err
		}
		next := strconv.Itoa(n + 1)
		c.SetState([]byte(next))
		return []byte(next), nil
	case "get":
		return c.State(), nil
	case "fail":
		return nil, errors.New("action failed on purpose")
	case "boom":
		panic("boom")
	case "slow":
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Second):
			return []byte("done"), nil
		}
	case "pin":
		c.SetNoSleep(true)
		return nil, nil
	case "unpin":
		c.SetNoSleep(false)
		return nil, nil
	}
	return nil, fmt.Errorf("unknown action %q", name)
}

// counterDefinition builds a counter definition whose activations all
// share one hookCounts.
func counterDefinition(name string, policy CrashPolicy) (Definition, *hookCounts) {
	counts := &hookCounts{}
	return Definition{
		Name:   name,
		Policy: policy,
		New:    func() Handler { return &counterActor{counts: counts} },
	}, counts
}

// testOrchestrator builds a started orchestrator with fast ticks and one
// registered runner, torn down with the test.
func testOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	o := newTestOrchestrator(t, opts...)
	if err := o.RegisterRunner("runner-1", "", "1.0.0", 100, RunnerDedicated); err != nil {
		t.Fatal(err)
	}
	return o
}

// newTestOrchestrator is testOrchestrator without the default runner, for
// tests that manage capacity themselves.
func newTestOrchestrator(t *testing.T, opts ...Option) *Orchestrator {
	t.Helper()
	base := []Option{
		WithRegion("test"),
		WithIdleTimeout(60 * time.Millisecond),
		WithCleanupInterval(20 * time.Millisecond),
		WithSaveInterval(20 * time.Millisecond),
		WithPlacementWait(2 * time.Second),
	}
	o := New(append(base, opts...)...)
	if err := o.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.Stop(ctx)
	})
	return o
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// fakeConn records close calls for gateway tests.
type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	reason  string
	closedC chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{closedC: make(chan struct{})}
}

func (c *fakeConn) Close(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.reason = reason
		close(c.closedC)
	}
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
