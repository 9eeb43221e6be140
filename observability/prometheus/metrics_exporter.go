package prometheus

import (
	"errors"
	"fmt"

	"github.com/musai-labs/go-admitq/core"
	prom "github.com/prometheus/client_golang/prometheus"
)

// MetricsExporter mirrors core.QueueMetrics snapshots into Prometheus
// collectors. Attach it to a controller with Attach, or feed it snapshots
// directly via Observe.
type MetricsExporter struct {
	active   prom.Gauge
	queued   prom.Gauge
	retained prom.Gauge
	ceiling  prom.Gauge

	startedTotal   prom.Gauge
	completedTotal prom.Gauge

	lastDurationSeconds prom.Gauge
	emaDurationSeconds  prom.Gauge
	avgDurationSeconds  prom.Gauge

	labelAvgSeconds *prom.GaugeVec
	labelEMASeconds *prom.GaugeVec
	labelCompleted  *prom.GaugeVec
}

// NewMetricsExporter creates and registers the collectors for queue snapshots.
func NewMetricsExporter(namespace string, reg prom.Registerer) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "admitq"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}

	gauge := func(name, help string) prom.Gauge {
		return prom.NewGauge(prom.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	e := &MetricsExporter{
		active:              gauge("active_tasks", "Tasks currently running."),
		queued:              gauge("queued_tasks", "Tasks waiting for admission."),
		retained:            gauge("retained_slots", "Slots held past settlement awaiting a release signal."),
		ceiling:             gauge("ceiling", "Current concurrency ceiling."),
		startedTotal:        gauge("started_total", "Lifetime started task count snapshot."),
		completedTotal:      gauge("completed_total", "Lifetime completed task count snapshot."),
		lastDurationSeconds: gauge("last_duration_seconds", "Duration of the most recently released task."),
		emaDurationSeconds:  gauge("ema_duration_seconds", "Exponentially-weighted moving average task duration."),
		avgDurationSeconds:  gauge("avg_duration_seconds", "Running average task duration."),
		labelAvgSeconds: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "label_avg_duration_seconds",
			Help:      "Running average task duration per label.",
		}, []string{"label"}),
		labelEMASeconds: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "label_ema_duration_seconds",
			Help:      "EMA task duration per label.",
		}, []string{"label"}),
		labelCompleted: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: namespace,
			Name:      "label_completed",
			Help:      "Completed task count per label snapshot.",
		}, []string{"label"}),
	}

	var err error
	if e.active, err = registerCollector(reg, e.active); err != nil {
		return nil, err
	}
	if e.queued, err = registerCollector(reg, e.queued); err != nil {
		return nil, err
	}
	if e.retained, err = registerCollector(reg, e.retained); err != nil {
		return nil, err
	}
	if e.ceiling, err = registerCollector(reg, e.ceiling); err != nil {
		return nil, err
	}
	if e.startedTotal, err = registerCollector(reg, e.startedTotal); err != nil {
		return nil, err
	}
	if e.completedTotal, err = registerCollector(reg, e.completedTotal); err != nil {
		return nil, err
	}
	if e.lastDurationSeconds, err = registerCollector(reg, e.lastDurationSeconds); err != nil {
		return nil, err
	}
	if e.emaDurationSeconds, err = registerCollector(reg, e.emaDurationSeconds); err != nil {
		return nil, err
	}
	if e.avgDurationSeconds, err = registerCollector(reg, e.avgDurationSeconds); err != nil {
		return nil, err
	}
	if e.labelAvgSeconds, err = registerCollector(reg, e.labelAvgSeconds); err != nil {
		return nil, err
	}
	if e.labelEMASeconds, err = registerCollector(reg, e.labelEMASeconds); err != nil {
		return nil, err
	}
	if e.labelCompleted, err = registerCollector(reg, e.labelCompleted); err != nil {
		return nil, err
	}

	return e, nil
}

// Observe sets all collectors from one snapshot.
func (e *MetricsExporter) Observe(m core.QueueMetrics) {
	if e == nil {
		return
	}

	e.active.Set(float64(m.Active))
	e.queued.Set(float64(m.Queued))
	e.retained.Set(float64(m.Retained))
	e.ceiling.Set(float64(m.Ceiling))
	e.startedTotal.Set(float64(m.TotalStarted))
	e.completedTotal.Set(float64(m.TotalCompleted))
	e.lastDurationSeconds.Set(m.LastDuration.Seconds())
	e.emaDurationSeconds.Set(m.EMADuration.Seconds())
	e.avgDurationSeconds.Set(m.AvgDuration.Seconds())

	for label, stats := range m.Labels {
		name := normalizeLabel(label, "unlabeled")
		e.labelAvgSeconds.WithLabelValues(name).Set(stats.Avg.Seconds())
		e.labelEMASeconds.WithLabelValues(name).Set(stats.EMA.Seconds())
		e.labelCompleted.WithLabelValues(name).Set(float64(stats.Count))
	}
}

// Attach subscribes the exporter to the controller's observer channel.
// The returned cancel func detaches it.
func (e *MetricsExporter) Attach(c *core.Controller) (cancel func()) {
	return c.OnMetrics(e.Observe)
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}

	var alreadyRegisteredErr prom.AlreadyRegisteredError
	if errors.As(err, &alreadyRegisteredErr) {
		existing, ok := alreadyRegisteredErr.ExistingCollector.(T)
		if !ok {
			return collector, fmt.Errorf("collector type mismatch for %T", collector)
		}
		return existing, nil
	}

	return collector, err
}
