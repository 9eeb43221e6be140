package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// waitFor polls cond until it holds or the deadline passes.
// Settlement is delivered to callers before the slot is freed, so tests must
// wait for the follow-up transition instead of asserting immediately.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

// gate is a controllable task: it signals admission and blocks until released.
type gate struct {
	started chan struct{}
	release chan struct{}
}

func newGate() *gate {
	return &gate{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gate) run(ctx context.Context) (any, error) {
	close(g.started)
	<-g.release
	return "done", nil
}

func (g *gate) isStarted() bool {
	select {
	case <-g.started:
		return true
	default:
		return false
	}
}

func newTestController(ceiling, serverCap int) *Controller {
	return NewController(&ControllerConfig{
		Resolver: StaticResolver{Cap: serverCap},
		Ceiling:  ceiling,
	})
}

// TestController_CeilingInvariant verifies the core admission bound
// Given: A controller with ceiling 2 and four enqueued blocking tasks
// When: The pump admits work
// Then: Exactly two tasks run and two wait; active never exceeds the ceiling
func TestController_CeilingInvariant(t *testing.T) {
	// Arrange
	c := newTestController(2, 4)
	defer c.Close()

	gates := make([]*gate, 4)
	for i := range gates {
		gates[i] = newGate()
		c.Enqueue(context.Background(), gates[i].run, Meta{Label: "load"})
	}

	// Assert - First two admitted, rest queued
	waitFor(t, "two tasks admitted", func() bool { return c.ActiveCount() == 2 })
	if c.QueuedCount() != 2 {
		t.Errorf("QueuedCount() = %d, want 2", c.QueuedCount())
	}
	if gates[2].isStarted() || gates[3].isStarted() {
		t.Error("task beyond the ceiling was admitted")
	}

	// Act - Release everything
	for _, g := range gates {
		close(g.release)
	}

	// Assert - Drains without ever exceeding the ceiling
	waitFor(t, "all tasks completed", func() bool {
		m := c.GetMetrics()
		return m.TotalCompleted == 4
	})
	if got := c.GetMetrics().TotalStarted; got != 4 {
		t.Errorf("TotalStarted = %d, want 4", got)
	}
}

// TestController_FIFOAdmissionOrder verifies strict arrival-order admission
// Given: A controller with ceiling 1 and three queued tasks
// When: Capacity frees one slot at a time
// Then: Tasks start in exactly the order they were enqueued
func TestController_FIFOAdmissionOrder(t *testing.T) {
	// Arrange
	c := newTestController(1, 4)
	defer c.Close()

	var mu sync.Mutex
	var order []int
	done := make(chan struct{}, 3)

	// Act
	for i := 0; i < 3; i++ {
		idx := i
		c.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, idx)
			mu.Unlock()
			done <- struct{}{}
			return nil, nil
		}, Meta{})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}

	// Assert
	mu.Lock()
	defer mu.Unlock()
	for i, idx := range order {
		if idx != i {
			t.Fatalf("order = %v, want [0 1 2]", order)
		}
	}
}

// TestController_ScenarioCeilingTwo verifies the reference drain scenario
// Given: ceiling = 2 and tasks T1..T4 with no retention
// When: T1 settles, then T2 settles
// Then: T3 then T4 admit in order and final counters read 4 started, 4 completed
func TestController_ScenarioCeilingTwo(t *testing.T) {
	// Arrange
	c := newTestController(2, 4)
	defer c.Close()

	t1, t2, t3, t4 := newGate(), newGate(), newGate(), newGate()
	for _, g := range []*gate{t1, t2, t3, t4} {
		c.Enqueue(context.Background(), g.run, Meta{})
	}

	waitFor(t, "T1 and T2 admitted", func() bool {
		return t1.isStarted() && t2.isStarted()
	})
	if c.QueuedCount() != 2 {
		t.Fatalf("QueuedCount() = %d, want 2", c.QueuedCount())
	}

	// Act - T1 settles first
	close(t1.release)

	// Assert - T3 admits, active stays 2
	waitFor(t, "T3 admitted", t3.isStarted)
	if a := c.ActiveCount(); a != 2 {
		t.Errorf("ActiveCount() after T1 settle = %d, want 2", a)
	}
	if q := c.QueuedCount(); q != 1 {
		t.Errorf("QueuedCount() after T1 settle = %d, want 1", q)
	}
	if t4.isStarted() {
		t.Error("T4 admitted before capacity freed")
	}

	// Act - T2 settles
	close(t2.release)

	// Assert - T4 admits
	waitFor(t, "T4 admitted", t4.isStarted)
	if q := c.QueuedCount(); q != 0 {
		t.Errorf("QueuedCount() after T2 settle = %d, want 0", q)
	}

	// Act - Drain
	close(t3.release)
	close(t4.release)

	waitFor(t, "all settled", func() bool { return c.GetMetrics().TotalCompleted == 4 })
	m := c.GetMetrics()
	if m.TotalStarted != 4 || m.TotalCompleted != 4 {
		t.Errorf("counters = %d/%d, want 4/4", m.TotalStarted, m.TotalCompleted)
	}
}

// TestController_CountersIdentity verifies the bookkeeping identity
// Given: A controller with in-flight, queued, and completed tasks
// When: Snapshots are taken at arbitrary points
// Then: TotalStarted - TotalCompleted == Active + Retained in every snapshot
func TestController_CountersIdentity(t *testing.T) {
	// Arrange
	c := newTestController(2, 4)
	defer c.Close()

	check := func(stage string) {
		m := c.GetMetrics()
		if m.TotalStarted-m.TotalCompleted != int64(m.Active+m.Retained) {
			t.Errorf("%s: started-completed = %d, active+retained = %d",
				stage, m.TotalStarted-m.TotalCompleted, m.Active+m.Retained)
		}
	}

	check("empty")

	gates := make([]*gate, 3)
	for i := range gates {
		gates[i] = newGate()
		c.Enqueue(context.Background(), gates[i].run, Meta{})
	}
	waitFor(t, "two admitted", func() bool { return c.ActiveCount() == 2 })
	check("saturated")

	close(gates[0].release)
	waitFor(t, "third admitted", gates[2].isStarted)
	check("after one settle")

	close(gates[1].release)
	close(gates[2].release)
	waitFor(t, "drained", func() bool { return c.GetMetrics().TotalCompleted == 3 })
	check("drained")
}

// TestController_LowerCeilingDoesNotPreempt verifies throttle-only lowering
// Given: Two running tasks and one queued, ceiling 2
// When: The ceiling is lowered to 1
// Then: Running tasks finish normally and the queued task waits until active
// drops below the new ceiling
func TestController_LowerCeilingDoesNotPreempt(t *testing.T) {
	// Arrange
	c := newTestController(2, 4)
	defer c.Close()

	t1, t2, t3 := newGate(), newGate(), newGate()
	p1 := c.Enqueue(context.Background(), t1.run, Meta{})
	p2 := c.Enqueue(context.Background(), t2.run, Meta{})
	c.Enqueue(context.Background(), t3.run, Meta{})

	waitFor(t, "two admitted", func() bool { return c.ActiveCount() == 2 })

	// Act
	c.SetCeiling(1)

	// Assert - Nothing aborted
	close(t1.release)
	if _, err := p1.Wait(context.Background()); err != nil {
		t.Fatalf("T1 failed after ceiling lowered: %v", err)
	}

	// T3 must not admit while one task still runs against ceiling 1
	waitFor(t, "T1 slot freed", func() bool { return c.ActiveCount() == 1 })
	time.Sleep(20 * time.Millisecond)
	if t3.isStarted() {
		t.Fatal("T3 admitted above the lowered ceiling")
	}

	close(t2.release)
	if _, err := p2.Wait(context.Background()); err != nil {
		t.Fatalf("T2 failed after ceiling lowered: %v", err)
	}

	// Assert - T3 admits once capacity exists under the new ceiling
	waitFor(t, "T3 admitted", t3.isStarted)
	close(t3.release)
}

// TestController_RaiseCeilingPumps verifies raising triggers admission
// Given: ceiling 1 with one running and one queued task
// When: The ceiling is raised to 2
// Then: The queued task admits immediately
func TestController_RaiseCeilingPumps(t *testing.T) {
	// Arrange
	c := newTestController(1, 4)
	defer c.Close()

	t1, t2 := newGate(), newGate()
	c.Enqueue(context.Background(), t1.run, Meta{})
	c.Enqueue(context.Background(), t2.run, Meta{})

	waitFor(t, "T1 admitted", t1.isStarted)
	if t2.isStarted() {
		t.Fatal("T2 admitted above ceiling 1")
	}

	// Act
	c.SetCeiling(2)

	// Assert
	waitFor(t, "T2 admitted after raise", t2.isStarted)
	close(t1.release)
	close(t2.release)
}

// TestController_SetCeilingClamped verifies clamping to [1, server cap]
func TestController_SetCeilingClamped(t *testing.T) {
	c := newTestController(2, 2)
	defer c.Close()

	c.SetCeiling(10)
	if got := c.Ceiling(); got != 2 {
		t.Errorf("Ceiling() after SetCeiling(10) = %d, want 2 (server cap)", got)
	}

	c.SetCeiling(0)
	if got := c.Ceiling(); got != 1 {
		t.Errorf("Ceiling() after SetCeiling(0) = %d, want 1", got)
	}
}

// TestController_ErrorsPassThroughVerbatim verifies error transparency
// Given: A task whose run fails with a sentinel error
// When: The caller waits on the pending result
// Then: The identical error is returned, unwrapped
func TestController_ErrorsPassThroughVerbatim(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	sentinel := errors.New("backend exploded")
	p := c.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, sentinel
	}, Meta{})

	_, err := p.Wait(context.Background())
	if err != sentinel {
		t.Fatalf("Wait() error = %v, want the sentinel error unchanged", err)
	}
}

// TestController_CancelQueuedTask verifies queued-task cancellation
// Given: ceiling 1 with a running task and one queued task
// When: The queued task's context is canceled
// Then: It is removed from the line, its pending fails with the context error,
// and it never starts
func TestController_CancelQueuedTask(t *testing.T) {
	// Arrange
	c := newTestController(1, 4)
	defer c.Close()

	t1 := newGate()
	c.Enqueue(context.Background(), t1.run, Meta{})
	waitFor(t, "T1 admitted", t1.isStarted)

	ctx, cancel := context.WithCancel(context.Background())
	t2 := newGate()
	p2 := c.Enqueue(ctx, t2.run, Meta{})

	// Act
	cancel()

	// Assert
	if _, err := p2.Wait(context.Background()); !errors.Is(err, context.Canceled) {
		t.Fatalf("Wait() error = %v, want context.Canceled", err)
	}
	waitFor(t, "queue emptied", func() bool { return c.QueuedCount() == 0 })

	close(t1.release)
	waitFor(t, "T1 settled", func() bool { return c.GetMetrics().TotalCompleted == 1 })

	if t2.isStarted() {
		t.Error("canceled task was admitted")
	}
	if got := c.GetMetrics().TotalStarted; got != 1 {
		t.Errorf("TotalStarted = %d, want 1", got)
	}
}

// TestController_CancelAfterAdmissionIsIgnored verifies running tasks are not preempted
func TestController_CancelAfterAdmissionIsIgnored(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g := newGate()
	p := c.Enqueue(ctx, g.run, Meta{})

	waitFor(t, "task admitted", g.isStarted)

	// Canceling after admission must not remove the task or fail its pending.
	cancel()
	time.Sleep(20 * time.Millisecond)

	close(g.release)
	if v, err := p.Wait(context.Background()); err != nil || v != "done" {
		t.Fatalf("Wait() = (%v, %v), want (done, nil)", v, err)
	}
}

// TestController_CloseFailsQueuedTasks verifies shutdown behavior
func TestController_CloseFailsQueuedTasks(t *testing.T) {
	c := newTestController(1, 4)

	t1 := newGate()
	p1 := c.Enqueue(context.Background(), t1.run, Meta{})
	waitFor(t, "T1 admitted", t1.isStarted)

	t2 := newGate()
	p2 := c.Enqueue(context.Background(), t2.run, Meta{})

	c.Close()

	// Queued task fails with ErrQueueClosed
	if _, err := p2.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("queued task error = %v, want ErrQueueClosed", err)
	}

	// Enqueue after close fails immediately
	p3 := c.Enqueue(context.Background(), t2.run, Meta{})
	if _, err := p3.Wait(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("post-close enqueue error = %v, want ErrQueueClosed", err)
	}

	// Running task still settles normally
	close(t1.release)
	if v, err := p1.Wait(context.Background()); err != nil || v != "done" {
		t.Fatalf("running task Wait() = (%v, %v), want (done, nil)", v, err)
	}

	// Idempotent
	c.Close()
}

// TestController_PanickingTaskBecomesError verifies panic isolation
func TestController_PanickingTaskBecomesError(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	p := c.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		panic("boom")
	}, Meta{})

	if _, err := p.Wait(context.Background()); err == nil {
		t.Fatal("Wait() error = nil, want panic converted to error")
	}

	// The slot must be freed; the next task admits.
	g := newGate()
	c.Enqueue(context.Background(), g.run, Meta{})
	waitFor(t, "next task admitted after panic", g.isStarted)
	close(g.release)
}

// TestController_NilRunFailsImmediately verifies input validation
func TestController_NilRunFailsImmediately(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	p := c.Enqueue(context.Background(), nil, Meta{})
	if _, err := p.Wait(context.Background()); !errors.Is(err, ErrNilRun) {
		t.Fatalf("Wait() error = %v, want ErrNilRun", err)
	}
}

// TestController_ObserverPanicIsolated verifies observer failures are contained
// Given: A subscribed observer callback that always panics
// When: Tasks flow through the controller
// Then: Admission and settlement proceed normally
func TestController_ObserverPanicIsolated(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	cancel := c.OnMetrics(func(m QueueMetrics) {
		panic("observer bug")
	})
	defer cancel()

	p := c.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return 42, nil
	}, Meta{})

	v, err := p.Wait(context.Background())
	if err != nil || v != 42 {
		t.Fatalf("Wait() = (%v, %v), want (42, nil)", v, err)
	}
	waitFor(t, "settlement accounted", func() bool { return c.GetMetrics().TotalCompleted == 1 })
}

// TestController_ObserverReceivesSnapshots verifies the observer channel
func TestController_ObserverReceivesSnapshots(t *testing.T) {
	c := newTestController(1, 4)
	defer c.Close()

	var mu sync.Mutex
	var seen []QueueMetrics
	cancel := c.OnMetrics(func(m QueueMetrics) {
		mu.Lock()
		seen = append(seen, m)
		mu.Unlock()
	})
	defer cancel()

	p := c.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return nil, nil
	}, Meta{Label: "probe"})
	p.Wait(context.Background())

	waitFor(t, "observer saw the completed transition", func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, m := range seen {
			if m.TotalCompleted == 1 && m.LastLabel == "probe" {
				return true
			}
		}
		return false
	})
}

// TestController_ResolverFailureFallsBack verifies construction resilience
func TestController_ResolverFailureFallsBack(t *testing.T) {
	c := NewController(&ControllerConfig{Resolver: failingResolver{}})
	defer c.Close()

	if got := c.ServerCap(); got != DefaultServerCeiling {
		t.Errorf("ServerCap() = %d, want DefaultServerCeiling %d", got, DefaultServerCeiling)
	}
}

type failingResolver struct{}

func (failingResolver) ServerCeiling(ctx context.Context) (int, error) {
	return 0, errors.New("config service unreachable")
}
