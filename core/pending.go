package core

import (
	"context"
)

// Pending is the caller's handle to one enqueued task. It settles exactly once
// when the task's run() returns (or the task is canceled before admission),
// independent of any retention bookkeeping the controller does afterwards.
//
// Happens-Before guarantee: the value and error are written before the done
// channel closes, so any reader unblocked by Done() sees the final settlement.
type Pending struct {
	id    TaskID
	done  chan struct{}
	value any
	err   error
}

func newPending(id TaskID) *Pending {
	return &Pending{
		id:   id,
		done: make(chan struct{}),
	}
}

// settle records the outcome and wakes all waiters. Must be called exactly
// once; the controller enforces this.
func (p *Pending) settle(value any, err error) {
	p.value = value
	p.err = err
	close(p.done)
}

// ID returns the task id assigned at enqueue time.
func (p *Pending) ID() TaskID {
	return p.id
}

// Done returns a channel closed when the task has settled.
func (p *Pending) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the task settles or ctx is done.
// The error is the task's own error, verbatim; the controller never wraps it.
func (p *Pending) Wait(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Result returns the settled value. ok is false while the task has not
// settled yet.
func (p *Pending) Result() (value any, ok bool) {
	select {
	case <-p.done:
		return p.value, true
	default:
		return nil, false
	}
}

// Err returns the settlement error, or nil if the task succeeded or has not
// settled yet.
func (p *Pending) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}
