package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueClosed is delivered to tasks enqueued after Close, and to tasks
	// still queued when Close runs.
	ErrQueueClosed = errors.New("admitq: controller closed")

	// ErrNilRun is delivered when Enqueue is called without a run function.
	ErrNilRun = errors.New("admitq: nil run function")
)

// Controller gates units of work against a downstream capacity ceiling.
// At most ceiling tasks hold slots concurrently (running plus retained);
// overflow waits in strict FIFO order. Every state transition recomputes the
// metrics projection and publishes it to observers.
//
// All scheduling state is guarded by one mutex, reproducing the single-writer
// model: transitions are discrete, non-interleaved steps. Task run() functions
// execute outside the lock, each in its own goroutine.
type Controller struct {
	mu       sync.Mutex
	line     *waitLine
	active   map[TaskID]*taskRecord
	retained map[TaskID]*taskRecord

	ceiling   int
	serverCap int

	agg     *aggregator
	broker  *metricsBroker
	history *settlementHistory
	timer   *releaseTimer

	bus           SignalBus
	retainTimeout time.Duration
	logger        Logger

	nextID atomic.Uint64
	closed bool
}

// NewController builds a controller from cfg, resolving the server ceiling
// once through cfg.Resolver. A nil cfg means all defaults.
func NewController(cfg *ControllerConfig) *Controller {
	if cfg == nil {
		cfg = DefaultControllerConfig()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = NewNoOpLogger()
	}

	resolver := cfg.Resolver
	if resolver == nil {
		resolver = StaticResolver{Cap: DefaultServerCeiling}
	}

	serverCap, err := resolver.ServerCeiling(context.Background())
	if err != nil || serverCap < 1 {
		if err != nil {
			logger.Warn("server ceiling resolution failed, using default",
				F("error", err), F("default", DefaultServerCeiling))
		}
		serverCap = DefaultServerCeiling
	}

	ceiling := cfg.Ceiling
	if ceiling < 1 || ceiling > serverCap {
		ceiling = serverCap
	}

	retainTimeout := cfg.RetainTimeout
	if retainTimeout <= 0 {
		retainTimeout = DefaultRetainTimeout
	}

	c := &Controller{
		line:          newWaitLine(),
		active:        make(map[TaskID]*taskRecord),
		retained:      make(map[TaskID]*taskRecord),
		ceiling:       ceiling,
		serverCap:     serverCap,
		agg:           newAggregator(cfg.EMAAlpha, cfg.MaxLabelStats),
		broker:        newMetricsBroker(cfg.ObserverBuffer),
		history:       newSettlementHistory(cfg.HistoryCapacity),
		bus:           cfg.SignalBus,
		retainTimeout: retainTimeout,
		logger:        logger,
	}
	c.timer = newReleaseTimer(c.releaseByTimeout)
	return c
}

// =============================================================================
// External interface
// =============================================================================

// Enqueue submits run for admission and returns immediately with a Pending
// that settles when run returns. Canceling ctx while the task is still queued
// removes it from the line and fails the Pending with the context's error;
// once running, the task only observes ctx through its own run function.
func (c *Controller) Enqueue(ctx context.Context, run RunFunc, meta Meta) *Pending {
	id := TaskID(c.nextID.Add(1))
	p := newPending(id)

	if run == nil {
		p.settle(nil, ErrNilRun)
		return p
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rec := &taskRecord{
		id:         id,
		run:        run,
		meta:       meta,
		pending:    p,
		ctx:        ctx,
		enqueuedAt: time.Now(),
		state:      taskQueued,
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		p.settle(nil, ErrQueueClosed)
		return p
	}
	c.line.Push(rec)
	c.publishLocked()
	c.pumpLocked()
	c.mu.Unlock()

	if ctx.Done() != nil {
		go c.watchCancel(rec)
	}

	return p
}

// SetCeiling changes the concurrency ceiling at runtime, clamped to
// [1, server cap]. Lowering never preempts running tasks; raising pumps
// immediately so freed headroom is used.
func (c *Controller) SetCeiling(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n < 1 {
		n = 1
	}
	if n > c.serverCap {
		n = c.serverCap
	}
	if n == c.ceiling {
		return
	}

	raised := n > c.ceiling
	c.ceiling = n
	c.logger.Info("ceiling changed", F("ceiling", n), F("serverCap", c.serverCap))
	c.publishLocked()
	if raised {
		c.pumpLocked()
	}
}

// GetMetrics returns the current aggregated snapshot.
func (c *Controller) GetMetrics() QueueMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a raw snapshot channel plus a cancel func. A snapshot is
// published after every state transition; slow consumers skip intermediate
// snapshots rather than slowing admission.
func (c *Controller) Subscribe() (<-chan QueueMetrics, func()) {
	return c.broker.Subscribe()
}

// OnMetrics invokes fn for each published snapshot on a dedicated goroutine.
// A panicking fn is logged and isolated; it cannot corrupt admission state.
func (c *Controller) OnMetrics(fn func(QueueMetrics)) (cancel func()) {
	ch, unsub := c.broker.Subscribe()
	go func() {
		for m := range ch {
			c.notifyObserver(fn, m)
		}
	}()
	return unsub
}

// Ceiling returns the current concurrency ceiling.
func (c *Controller) Ceiling() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ceiling
}

// ServerCap returns the server-declared bound resolved at construction.
func (c *Controller) ServerCap() int {
	return c.serverCap
}

// ActiveCount returns the number of running tasks (retained excluded).
func (c *Controller) ActiveCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// RetainedCount returns the number of slots held past settlement.
func (c *Controller) RetainedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.retained)
}

// QueuedCount returns the number of tasks waiting for admission.
func (c *Controller) QueuedCount() int {
	return c.line.Len()
}

// RecentSettlements returns up to limit settled tasks, newest first.
func (c *Controller) RecentSettlements(limit int) []Settlement {
	return c.history.Recent(limit)
}

// LastSettlement returns the most recent settlement, if any.
func (c *Controller) LastSettlement() (Settlement, bool) {
	return c.history.Last()
}

// Close stops admission. Still-queued tasks settle with ErrQueueClosed;
// running and retained tasks are left to finish on their own. Idempotent.
func (c *Controller) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	drained := c.line.Drain()
	c.publishLocked()
	c.mu.Unlock()

	for _, rec := range drained {
		rec.state = taskReleased
		rec.pending.settle(nil, ErrQueueClosed)
	}

	c.timer.Stop()
	c.broker.Close()
	c.logger.Info("controller closed", F("dropped", len(drained)))
}

// =============================================================================
// Admission loop (pump)
// =============================================================================

// pumpLocked admits queued tasks while capacity allows. Running and retained
// slots count together against the ceiling. Idempotent: calling it with no
// capacity or no queued work is a no-op, so every capacity-freeing path may
// call it redundantly.
func (c *Controller) pumpLocked() {
	for !c.closed && len(c.active)+len(c.retained) < c.ceiling {
		rec, ok := c.line.Pop()
		if !ok {
			return
		}

		// Canceled while queued but popped before the watcher removed it.
		if rec.ctx.Err() != nil {
			rec.state = taskReleased
			rec.pending.settle(nil, context.Cause(rec.ctx))
			c.publishLocked()
			continue
		}

		rec.state = taskRunning
		rec.startedAt = time.Now()
		c.active[rec.id] = rec
		c.agg.noteStarted()
		c.logger.Debug("task admitted",
			F("task", rec.id), F("label", rec.meta.Label), F("active", len(c.active)))
		c.publishLocked()

		go c.execute(rec)
	}
}

func (c *Controller) execute(rec *taskRecord) {
	value, err := c.invoke(rec)

	// The caller gets its result before the slot is freed.
	rec.pending.settle(value, err)

	c.afterSettle(rec, err)
}

// invoke runs the task outside the controller lock, converting a panic into an
// error so one misbehaving task cannot take down the pump.
func (c *Controller) invoke(rec *taskRecord) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("admitq: task panicked: %v", r)
			c.logger.Error("task panicked", F("task", rec.id), F("panic", r))
		}
	}()
	return rec.run(rec.ctx)
}

func (c *Controller) afterSettle(rec *taskRecord, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec.meta.RetainSignal != "" {
		c.retainLocked(rec)
		return
	}

	delete(c.active, rec.id)
	c.finishLocked(rec, err != nil, false, false)
}

// finishLocked folds the slot-occupancy duration into metrics, records the
// settlement, publishes, and re-pumps. The record is dead afterwards.
func (c *Controller) finishLocked(rec *taskRecord, failed, retained, timedOut bool) {
	rec.state = taskReleased
	now := time.Now()
	dur := now.Sub(rec.startedAt)

	c.agg.noteSettled(rec.meta.Label, dur)
	c.history.Add(Settlement{
		TaskID:     rec.id,
		Label:      rec.meta.Label,
		StartedAt:  rec.startedAt,
		FinishedAt: now,
		Duration:   dur,
		Failed:     failed,
		Retained:   retained,
		TimedOut:   timedOut,
	})
	c.publishLocked()
	c.pumpLocked()
}

// =============================================================================
// Retention
// =============================================================================

// retainLocked moves a settled task into the retained set: the caller already
// has its result, but the slot stays held until the completion signal arrives
// or the safety timeout elapses.
func (c *Controller) retainLocked(rec *taskRecord) {
	rec.state = taskRetained
	delete(c.active, rec.id)
	c.retained[rec.id] = rec

	if c.bus != nil {
		id := rec.id
		key := rec.meta.RetainKey
		rec.unsubscribe = c.bus.Subscribe(rec.meta.RetainSignal, func(token string) {
			if key == "" || token == key {
				c.releaseRetained(id, false)
			}
		})
	}
	c.timer.Arm(rec.id, c.retainTimeout)

	c.logger.Debug("slot retained",
		F("task", rec.id), F("signal", rec.meta.RetainSignal), F("key", rec.meta.RetainKey))
	c.publishLocked()
}

// releaseRetained frees a retained slot exactly once, either because the
// completion signal matched or because the safety timeout fired.
func (c *Controller) releaseRetained(id TaskID, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.retained[id]
	if !ok {
		return
	}
	delete(c.retained, id)

	if rec.unsubscribe != nil {
		rec.unsubscribe()
		rec.unsubscribe = nil
	}

	if timedOut {
		c.logger.Warn("retained slot released by safety timeout",
			F("task", id), F("signal", rec.meta.RetainSignal), F("timeout", c.retainTimeout))
	} else {
		c.timer.Disarm(id)
		c.logger.Info("retained slot released by signal",
			F("task", id), F("signal", rec.meta.RetainSignal))
	}

	c.finishLocked(rec, rec.pending.Err() != nil, true, timedOut)
}

func (c *Controller) releaseByTimeout(id TaskID) {
	c.releaseRetained(id, true)
}

// =============================================================================
// Cancellation of queued tasks
// =============================================================================

func (c *Controller) watchCancel(rec *taskRecord) {
	select {
	case <-rec.pending.done:
		// Settled; nothing to do.
	case <-rec.ctx.Done():
		c.cancelQueued(rec)
	}
}

// cancelQueued removes a still-queued task. A task already admitted is left
// alone: its run function owns any further reaction to the context.
func (c *Controller) cancelQueued(rec *taskRecord) {
	c.mu.Lock()
	if _, ok := c.line.Remove(rec.id); !ok {
		c.mu.Unlock()
		return
	}
	rec.state = taskReleased
	c.logger.Debug("queued task canceled", F("task", rec.id), F("label", rec.meta.Label))
	c.publishLocked()
	c.mu.Unlock()

	rec.pending.settle(nil, context.Cause(rec.ctx))
}

// =============================================================================
// Snapshot plumbing
// =============================================================================

func (c *Controller) snapshotLocked() QueueMetrics {
	return c.agg.snapshot(len(c.active), c.line.Len(), len(c.retained), c.ceiling, c.serverCap)
}

// publishLocked pushes the current snapshot to observers. Sends are
// non-blocking, so holding the controller lock here is safe.
func (c *Controller) publishLocked() {
	c.broker.publish(c.snapshotLocked())
}

func (c *Controller) notifyObserver(fn func(QueueMetrics), m QueueMetrics) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("metrics observer panicked", F("panic", r))
		}
	}()
	fn(m)
}
