package core

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// releaseDeadline is one armed safety timeout for a retained slot.
type releaseDeadline struct {
	at    time.Time
	id    TaskID
	index int // for heap interface
}

// deadlineHeap implements heap.Interface, earliest deadline at the top.
type deadlineHeap []*releaseDeadline

func (h deadlineHeap) Len() int           { return len(h) }
func (h deadlineHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h deadlineHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *deadlineHeap) Push(x any) {
	n := len(*h)
	item := x.(*releaseDeadline)
	item.index = n
	*h = append(*h, item)
}

func (h *deadlineHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil // avoid memory leak
	item.index = -1
	*h = old[0 : n-1]
	return item
}

func (h *deadlineHeap) Peek() *releaseDeadline {
	if len(*h) == 0 {
		return nil
	}
	return (*h)[0]
}

// releaseTimer drives the safety-valve timeouts for retained slots with a
// single timer goroutine over a deadline heap. fire is invoked outside the
// timer lock, once per expired deadline that was not disarmed first.
type releaseTimer struct {
	mu     sync.Mutex
	pq     deadlineHeap
	byID   map[TaskID]*releaseDeadline
	wakeup chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	fire   func(TaskID)
}

func newReleaseTimer(fire func(TaskID)) *releaseTimer {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &releaseTimer{
		pq:     make(deadlineHeap, 0),
		byID:   make(map[TaskID]*releaseDeadline),
		wakeup: make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
		fire:   fire,
	}
	heap.Init(&rt.pq)
	go rt.loop()
	return rt
}

// Arm schedules a deadline for the task. Re-arming replaces the old deadline.
func (rt *releaseTimer) Arm(id TaskID, d time.Duration) {
	rt.mu.Lock()

	if old, ok := rt.byID[id]; ok {
		heap.Remove(&rt.pq, old.index)
	}

	item := &releaseDeadline{at: time.Now().Add(d), id: id}
	heap.Push(&rt.pq, item)
	rt.byID[id] = item
	atHead := item.index == 0
	rt.mu.Unlock()

	if atHead {
		select {
		case rt.wakeup <- struct{}{}:
		default:
		}
	}
}

// Disarm removes the task's deadline, if still armed.
func (rt *releaseTimer) Disarm(id TaskID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	if item, ok := rt.byID[id]; ok {
		heap.Remove(&rt.pq, item.index)
		delete(rt.byID, id)
	}
}

func (rt *releaseTimer) loop() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}

	for {
		wait, ok := rt.nextWait()
		if ok {
			timer.Reset(wait)
		}

		if !ok {
			// Nothing armed, sleep until Arm or shutdown.
			select {
			case <-rt.ctx.Done():
				return
			case <-rt.wakeup:
				continue
			}
		}

		select {
		case <-rt.ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			rt.fireExpired()
		case <-rt.wakeup:
			// Earlier deadline armed, recalculate.
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
	}
}

// nextWait returns the duration until the earliest deadline.
// ok is false when nothing is armed.
func (rt *releaseTimer) nextWait() (time.Duration, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()

	item := rt.pq.Peek()
	if item == nil {
		return 0, false
	}

	wait := time.Until(item.at)
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// fireExpired pops every expired deadline and fires outside the lock.
func (rt *releaseTimer) fireExpired() {
	rt.mu.Lock()

	now := time.Now()
	var expired []*releaseDeadline
	for rt.pq.Len() > 0 {
		item := rt.pq.Peek()
		if item.at.After(now) {
			break
		}
		heap.Pop(&rt.pq)
		delete(rt.byID, item.id)
		expired = append(expired, item)
	}

	rt.mu.Unlock()

	for _, item := range expired {
		rt.fire(item.id)
	}
}

// Stop terminates the timer goroutine and drops all armed deadlines.
func (rt *releaseTimer) Stop() {
	rt.cancel()

	rt.mu.Lock()
	rt.pq = make(deadlineHeap, 0)
	heap.Init(&rt.pq)
	rt.byID = make(map[TaskID]*releaseDeadline)
	rt.mu.Unlock()
}

// ArmedCount reports how many deadlines are currently armed.
func (rt *releaseTimer) ArmedCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pq)
}
