package core

import "sync"

// SignalBus is the injected notifier the controller consumes for retention
// release. The collaborator that knows when a long-lived stream has truly
// ended publishes a named signal, optionally carrying a token; the controller
// subscribes per retained task and unsubscribes deterministically on release.
//
// Implementations must allow Subscribe and the returned cancel func to be
// called while a publish is in flight.
type SignalBus interface {
	// Subscribe registers fn for the named signal and returns a cancel func.
	// fn receives the token carried by each matching publish.
	Subscribe(name string, fn func(token string)) (cancel func())
}

// =============================================================================
// SignalHub: in-process SignalBus implementation
// =============================================================================

// SignalHub is a minimal in-process SignalBus. Publish snapshots the
// subscriber list and invokes callbacks outside the hub lock, so callbacks may
// re-enter the hub (or the controller) without deadlocking.
type SignalHub struct {
	mu     sync.Mutex
	nextID int
	subs   map[string]map[int]func(token string)
}

// NewSignalHub creates an empty hub.
func NewSignalHub() *SignalHub {
	return &SignalHub{
		subs: make(map[string]map[int]func(token string)),
	}
}

// Subscribe registers fn for the named signal.
// The returned cancel func is idempotent.
func (h *SignalHub) Subscribe(name string, fn func(token string)) (cancel func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++

	if h.subs[name] == nil {
		h.subs[name] = make(map[int]func(token string))
	}
	h.subs[name][id] = fn

	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if set, ok := h.subs[name]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(h.subs, name)
			}
		}
	}
}

// Publish delivers the token to every subscriber of the named signal.
// Delivery is synchronous but happens outside the hub lock.
func (h *SignalHub) Publish(name, token string) {
	h.mu.Lock()
	fns := make([]func(token string), 0, len(h.subs[name]))
	for _, fn := range h.subs[name] {
		fns = append(fns, fn)
	}
	h.mu.Unlock()

	for _, fn := range fns {
		fn(token)
	}
}

// SubscriberCount reports how many subscribers the named signal has.
func (h *SignalHub) SubscriberCount(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[name])
}
