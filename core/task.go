package core

import (
	"context"
	"time"
)

// TaskID uniquely identifies one enqueued unit of work.
// IDs are monotonically increasing per controller and carry no meaning beyond
// identification; FIFO position is the only ordering guarantee.
type TaskID uint64

// RunFunc is the unit of work (Closure). The controller is oblivious to what
// it does; it only runs it when a capacity slot is available.
type RunFunc func(ctx context.Context) (any, error)

// =============================================================================
// Meta: Task classification and retention opt-in
// =============================================================================

// Meta describes a task to the controller.
//
// Label is a free-form classification used only for metrics bucketing.
//
// RetainSignal opts the task into slot retention: after the task settles, its
// capacity slot stays held until the named signal fires or the safety timeout
// elapses. RetainKey, when non-empty, must match the token carried by the
// signal for the release to apply.
type Meta struct {
	Label        string
	RetainSignal string
	RetainKey    string
}

// =============================================================================
// Task lifecycle state
// =============================================================================

type taskState int

const (
	// taskQueued: waiting in the FIFO line, no slot held.
	taskQueued taskState = iota

	// taskRunning: holds a capacity slot, run() in flight.
	taskRunning

	// taskRetained: run() has settled and the caller has its result, but the
	// slot is still held awaiting the external completion signal.
	taskRetained

	// taskReleased: terminal. The slot is freed and metrics are folded in.
	taskReleased
)

// taskRecord is the controller's internal representation of one task.
// A record is created at enqueue time and destroyed once its settlement has
// been delivered and its duration folded into the aggregator.
type taskRecord struct {
	id      TaskID
	run     RunFunc
	meta    Meta
	pending *Pending

	// ctx is the caller's context, used only to cancel while still queued.
	ctx context.Context

	enqueuedAt time.Time
	startedAt  time.Time
	state      taskState

	// unsubscribe detaches the retention signal subscription.
	// Set only while the record is retained.
	unsubscribe func()
}
