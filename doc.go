// Package admitq provides an admission-controlled request queue for a single
// downstream backend with limited concurrency.
//
// The controller guarantees that no more than the configured ceiling of tasks
// hold capacity slots at once, queues overflow in strict arrival order, and
// tracks per-task timing for observability. It does not know what the
// downstream backend does; it only runs opaque units of work while respecting
// capacity.
//
// # Quick Start
//
// Construct one controller at the composition root and share it by reference:
//
//	ctrl := admitq.NewController(&admitq.ControllerConfig{
//		Resolver: admitq.StaticResolver{Cap: 4},
//		Ceiling:  2,
//	})
//	defer ctrl.Close()
//
//	p := ctrl.Enqueue(ctx, func(ctx context.Context) (any, error) {
//		return backend.Call(ctx, payload)
//	}, admitq.Meta{Label: "chat"})
//
//	result, err := p.Wait(ctx)
//
// # Key Concepts
//
// Ceiling: the maximum number of concurrently held capacity slots. It can be
// changed at runtime with SetCeiling, always bounded by the server-declared
// cap supplied through ConfigResolver. Lowering the ceiling never preempts
// running work; it only throttles future admissions.
//
// Retention: a task whose Meta declares RetainSignal keeps its slot after its
// result is delivered, until the named signal fires on the injected SignalBus
// (with a matching RetainKey token, if declared) or the safety timeout
// elapses. This models long-lived streams whose true completion is decoupled
// from the initial call's resolution.
//
// Metrics: every transition recomputes an immutable QueueMetrics snapshot
// (counts, lifetime counters, last/average/EMA durations overall and per
// label) and publishes it to observers registered via OnMetrics or Subscribe.
// Observers cannot block or corrupt the admission loop.
//
// # Error Handling
//
// Errors from a task's run function reach the caller verbatim; the controller
// never retries, wraps, or suppresses them. Retry policy belongs to the caller
// layer — see EnqueueWithRetry.
package admitq
