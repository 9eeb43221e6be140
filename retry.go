package admitq

import (
	"context"
	"time"
)

// EnqueueWithRetry submits run through the controller and, on failure, waits
// out the policy's backoff and resubmits. Each attempt goes through normal
// admission, so retries queue behind other callers instead of jumping the
// line. The controller itself never retries; this wrapper is the caller-layer
// policy stacked on top of Enqueue.
//
// The last error is returned once MaxRetries is exhausted. A canceled ctx
// stops the attempt loop immediately.
func EnqueueWithRetry(ctx context.Context, c *Controller, run RunFunc, meta Meta, policy RetryPolicy) (any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, policy.Delay(attempt-1)); err != nil {
				return nil, err
			}
		}

		value, err := c.Enqueue(ctx, run, meta).Wait(ctx)
		if err == nil {
			return value, nil
		}
		if ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
