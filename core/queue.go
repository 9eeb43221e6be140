package core

import "sync"

const (
	defaultQueueCap     = 16
	compactMinCap       = 64 // Don't compact if capacity is less than this
	compactShrinkFactor = 4  // Trigger compaction when len < cap/4
)

// waitLine is the strict-FIFO line of tasks awaiting admission.
// No priorities, no reordering; the head is always the oldest enqueued task.
type waitLine struct {
	mu    sync.Mutex
	tasks []*taskRecord
}

func newWaitLine() *waitLine {
	return &waitLine{
		tasks: make([]*taskRecord, 0, defaultQueueCap),
	}
}

func (q *waitLine) Push(rec *taskRecord) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, rec)
}

func (q *waitLine) Pop() (*taskRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}

	rec := q.tasks[0]
	// Zero out the element in the underlying array to prevent memory leak
	q.tasks[0] = nil
	q.tasks = q.tasks[1:]
	q.maybeCompactLocked()

	return rec, true
}

// Remove takes a still-queued task out of the line by id.
// Used for cancellation of tasks that have not been admitted yet.
func (q *waitLine) Remove(id TaskID) (*taskRecord, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, rec := range q.tasks {
		if rec.id == id {
			copy(q.tasks[i:], q.tasks[i+1:])
			q.tasks[len(q.tasks)-1] = nil
			q.tasks = q.tasks[:len(q.tasks)-1]
			q.maybeCompactLocked()
			return rec, true
		}
	}
	return nil, false
}

func (q *waitLine) maybeCompactLocked() {
	n := len(q.tasks)
	c := cap(q.tasks)

	if c < compactMinCap {
		return
	}
	if n == 0 {
		q.tasks = make([]*taskRecord, 0, defaultQueueCap)
		return
	}
	if n*compactShrinkFactor >= c {
		return
	}

	newCap := max(max(c/2, defaultQueueCap), n)

	newSlice := make([]*taskRecord, n, newCap)
	copy(newSlice, q.tasks)
	q.tasks = newSlice
}

func (q *waitLine) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *waitLine) IsEmpty() bool {
	return q.Len() == 0
}

// Drain removes and returns every queued task, oldest first.
// Used on controller close to fail still-queued work.
func (q *waitLine) Drain() []*taskRecord {
	q.mu.Lock()
	defer q.mu.Unlock()

	drained := q.tasks
	q.tasks = make([]*taskRecord, 0, defaultQueueCap)
	return drained
}
