package core

import "time"

// LabelStats holds rolling duration statistics for one task label.
type LabelStats struct {
	Count int64
	Last  time.Duration
	Avg   time.Duration
	EMA   time.Duration
}

// QueueMetrics is an immutable snapshot of the controller's aggregated state.
// It is recomputed on every state transition and published to observers; it is
// a pure projection of the task set, never a second source of truth.
type QueueMetrics struct {
	Active   int
	Queued   int
	Retained int

	Ceiling   int
	ServerCap int

	TotalStarted   int64
	TotalCompleted int64

	LastLabel    string
	LastDuration time.Duration
	AvgDuration  time.Duration
	EMADuration  time.Duration

	// Labels maps task label to its rolling stats. The map is a copy; mutating
	// it does not affect the aggregator.
	Labels map[string]LabelStats
}

// =============================================================================
// aggregator: rolling statistics, owned by the controller
// =============================================================================

type labelEntry struct {
	stats     LabelStats
	totalDur  time.Duration
	updatedAt time.Time
}

// aggregator folds task transitions into rolling statistics. It is not
// self-locking: the owning controller serializes all access, preserving the
// single-writer property.
type aggregator struct {
	alpha     float64
	maxLabels int

	totalStarted   int64
	totalCompleted int64

	lastLabel string
	last      time.Duration
	ema       time.Duration
	totalDur  time.Duration

	labels map[string]*labelEntry
}

func newAggregator(alpha float64, maxLabels int) *aggregator {
	if alpha <= 0 || alpha > 1 {
		alpha = DefaultEMAAlpha
	}
	if maxLabels < 1 {
		maxLabels = DefaultMaxLabelStats
	}
	return &aggregator{
		alpha:     alpha,
		maxLabels: maxLabels,
		labels:    make(map[string]*labelEntry),
	}
}

func (a *aggregator) noteStarted() {
	a.totalStarted++
}

// noteSettled folds one slot-occupancy duration into the rolling stats.
// For retained tasks this is called at release time, so the duration reflects
// real resource occupancy rather than apparent completion.
func (a *aggregator) noteSettled(label string, dur time.Duration) {
	a.totalCompleted++
	a.lastLabel = label
	a.last = dur
	a.totalDur += dur
	a.ema = a.smooth(a.ema, dur, a.totalCompleted == 1)

	entry := a.labelEntry(label)
	entry.stats.Count++
	entry.stats.Last = dur
	entry.totalDur += dur
	entry.stats.Avg = time.Duration(int64(entry.totalDur) / entry.stats.Count)
	entry.stats.EMA = a.smooth(entry.stats.EMA, dur, entry.stats.Count == 1)
	entry.updatedAt = time.Now()
}

func (a *aggregator) smooth(prev, sample time.Duration, first bool) time.Duration {
	if first {
		return sample
	}
	return time.Duration(a.alpha*float64(sample) + (1-a.alpha)*float64(prev))
}

// labelEntry returns the entry for label, evicting the stalest label when the
// cardinality cap is reached. Labels are caller-supplied strings; without the
// cap the map would grow without bound.
func (a *aggregator) labelEntry(label string) *labelEntry {
	if entry, ok := a.labels[label]; ok {
		return entry
	}

	if len(a.labels) >= a.maxLabels {
		var stalest string
		var stalestAt time.Time
		for name, entry := range a.labels {
			if stalest == "" || entry.updatedAt.Before(stalestAt) {
				stalest = name
				stalestAt = entry.updatedAt
			}
		}
		delete(a.labels, stalest)
	}

	entry := &labelEntry{}
	a.labels[label] = entry
	return entry
}

// snapshot builds an immutable QueueMetrics from the aggregator plus the live
// counts supplied by the controller.
func (a *aggregator) snapshot(active, queued, retained, ceiling, serverCap int) QueueMetrics {
	labels := make(map[string]LabelStats, len(a.labels))
	for name, entry := range a.labels {
		labels[name] = entry.stats
	}

	var avg time.Duration
	if a.totalCompleted > 0 {
		avg = time.Duration(int64(a.totalDur) / a.totalCompleted)
	}

	return QueueMetrics{
		Active:         active,
		Queued:         queued,
		Retained:       retained,
		Ceiling:        ceiling,
		ServerCap:      serverCap,
		TotalStarted:   a.totalStarted,
		TotalCompleted: a.totalCompleted,
		LastLabel:      a.lastLabel,
		LastDuration:   a.last,
		AvgDuration:    avg,
		EMADuration:    a.ema,
		Labels:         labels,
	}
}
