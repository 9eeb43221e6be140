package core

import "sync"

const defaultObserverBuffer = 16

// metricsBroker fans QueueMetrics snapshots out to observers.
// Publishing never blocks: a subscriber whose buffer is full misses that
// snapshot and catches up on the next transition. Observers exert no
// back-pressure on the admission loop.
type metricsBroker struct {
	mu         sync.RWMutex
	nextID     int
	subs       map[int]chan QueueMetrics
	bufferSize int
	closed     bool
}

func newMetricsBroker(bufferSize int) *metricsBroker {
	if bufferSize < 1 {
		bufferSize = defaultObserverBuffer
	}
	return &metricsBroker{
		subs:       make(map[int]chan QueueMetrics),
		bufferSize: bufferSize,
	}
}

// Subscribe returns a snapshot channel and a cancel func.
// Cancel closes the channel; it is idempotent.
func (b *metricsBroker) Subscribe() (<-chan QueueMetrics, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan QueueMetrics, b.bufferSize)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// publish sends the snapshot to every subscriber without blocking.
func (b *metricsBroker) publish(m QueueMetrics) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}
	for _, ch := range b.subs {
		select {
		case ch <- m:
		default:
			// Subscriber is behind; it will see the next snapshot.
		}
	}
}

// Close closes all subscriber channels. Further publishes are no-ops.
func (b *metricsBroker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

// SubscriberCount reports the number of live subscriptions.
func (b *metricsBroker) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
