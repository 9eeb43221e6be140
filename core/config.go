package core

import (
	"context"
	"time"
)

const (
	// DefaultServerCeiling bounds the controller when no resolver is supplied
	// or the resolver fails at construction.
	DefaultServerCeiling = 4

	// DefaultRetainTimeout is the safety valve for retained slots: a slot whose
	// completion signal never arrives is released after this long, so a
	// misbehaving collaborator cannot starve the queue indefinitely.
	DefaultRetainTimeout = 30 * time.Minute

	// DefaultEMAAlpha is the smoothing factor for the exponentially-weighted
	// moving averages. Higher values react faster to recent latency shifts.
	DefaultEMAAlpha = 0.3

	// DefaultMaxLabelStats caps per-label metrics cardinality.
	DefaultMaxLabelStats = 64
)

// ConfigResolver supplies the server-declared concurrency cap. The controller
// resolves it once at construction and never admits beyond it, no matter what
// ceiling a caller later requests.
type ConfigResolver interface {
	ServerCeiling(ctx context.Context) (int, error)
}

// StaticResolver is a ConfigResolver with a fixed cap.
type StaticResolver struct {
	Cap int
}

func (r StaticResolver) ServerCeiling(ctx context.Context) (int, error) {
	return r.Cap, nil
}

// =============================================================================
// ControllerConfig: Configuration for Controller
// =============================================================================

// ControllerConfig holds configuration options for Controller.
// All fields are optional; zero values fall back to defaults.
type ControllerConfig struct {
	// Resolver bounds the ceiling. Defaults to StaticResolver{DefaultServerCeiling}.
	Resolver ConfigResolver

	// Ceiling is the initial concurrency ceiling, clamped to [1, server cap].
	// Defaults to the server cap.
	Ceiling int

	// SignalBus delivers retention release signals. When nil, retained slots
	// release only via the safety timeout.
	SignalBus SignalBus

	// RetainTimeout is the safety-valve duration for retained slots.
	// Defaults to DefaultRetainTimeout.
	RetainTimeout time.Duration

	// EMAAlpha is the smoothing factor for duration EMAs. Defaults to DefaultEMAAlpha.
	EMAAlpha float64

	// MaxLabelStats caps per-label metric cardinality. Defaults to DefaultMaxLabelStats.
	MaxLabelStats int

	// HistoryCapacity sizes the settlement ring buffer. Defaults to 100.
	HistoryCapacity int

	// ObserverBuffer sizes each observer's snapshot channel. Defaults to 16.
	ObserverBuffer int

	// Logger receives controller events. Defaults to NoOpLogger.
	Logger Logger
}

// DefaultControllerConfig returns a config with default values.
func DefaultControllerConfig() *ControllerConfig {
	return &ControllerConfig{
		Resolver:      StaticResolver{Cap: DefaultServerCeiling},
		RetainTimeout: DefaultRetainTimeout,
		EMAAlpha:      DefaultEMAAlpha,
		MaxLabelStats: DefaultMaxLabelStats,
		Logger:        NewNoOpLogger(),
	}
}
