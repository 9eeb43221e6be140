package prometheus

import (
	"context"
	"sync"
	"time"

	"github.com/musai-labs/go-admitq/core"
)

// MetricsSource provides current queue snapshots on demand.
// *core.Controller satisfies it via GetMetrics.
type MetricsSource interface {
	GetMetrics() core.QueueMetrics
}

// SnapshotPoller exports snapshots on a fixed interval instead of per
// transition. Useful when the queue transitions far more often than the
// scrape interval and per-transition export would be wasted work.
type SnapshotPoller struct {
	interval time.Duration
	source   MetricsSource
	exporter *MetricsExporter

	stateMu sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewSnapshotPoller creates a poller feeding the given exporter.
func NewSnapshotPoller(source MetricsSource, exporter *MetricsExporter, interval time.Duration) *SnapshotPoller {
	if interval <= 0 {
		interval = time.Second
	}
	return &SnapshotPoller{
		interval: interval,
		source:   source,
		exporter: exporter,
	}
}

// Start begins periodic polling; repeated calls are no-ops.
func (p *SnapshotPoller) Start(ctx context.Context) {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if p.running {
		p.stateMu.Unlock()
		return
	}
	pollCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	p.stateMu.Unlock()

	go p.loop(pollCtx)
}

// Stop stops periodic polling; repeated calls are safe.
func (p *SnapshotPoller) Stop() {
	if p == nil {
		return
	}

	p.stateMu.Lock()
	if !p.running {
		p.stateMu.Unlock()
		return
	}
	cancel := p.cancel
	done := p.done
	p.stateMu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}

	p.stateMu.Lock()
	p.running = false
	p.cancel = nil
	p.done = nil
	p.stateMu.Unlock()
}

func (p *SnapshotPoller) loop(ctx context.Context) {
	defer close(p.done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.collectOnce()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.collectOnce()
		}
	}
}

func (p *SnapshotPoller) collectOnce() {
	p.exporter.Observe(p.source.GetMetrics())
}
