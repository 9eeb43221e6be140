package admitq

import "github.com/musai-labs/go-admitq/core"

// Re-export commonly used types from core package for convenience.
// This allows users to import only the admitq package for most use cases.

// Controller gates work against the downstream concurrency ceiling.
type Controller = core.Controller

// ControllerConfig configures a Controller.
type ControllerConfig = core.ControllerConfig

// TaskID identifies one enqueued unit of work.
type TaskID = core.TaskID

// RunFunc is the unit of work (Closure).
type RunFunc = core.RunFunc

// Meta classifies a task and opts it into slot retention.
type Meta = core.Meta

// Pending is the caller's handle to one enqueued task.
type Pending = core.Pending

// QueueMetrics is an immutable snapshot of aggregated controller state.
type QueueMetrics = core.QueueMetrics

// LabelStats holds rolling duration statistics for one task label.
type LabelStats = core.LabelStats

// Settlement is one finished task as recorded in the history ring.
type Settlement = core.Settlement

// ConfigResolver supplies the server-declared concurrency cap.
type ConfigResolver = core.ConfigResolver

// StaticResolver is a ConfigResolver with a fixed cap.
type StaticResolver = core.StaticResolver

// SignalBus delivers retention release signals to the controller.
type SignalBus = core.SignalBus

// SignalHub is the in-process SignalBus implementation.
type SignalHub = core.SignalHub

// Logger is the structured logging interface used by the controller.
type Logger = core.Logger

// Field is a key-value pair for structured logging.
type Field = core.Field

// RetryPolicy defines caller-layer retry behavior for EnqueueWithRetry.
type RetryPolicy = core.RetryPolicy

// Errors
var (
	ErrQueueClosed = core.ErrQueueClosed
	ErrNilRun      = core.ErrNilRun
)

// Defaults
const (
	DefaultServerCeiling = core.DefaultServerCeiling
	DefaultRetainTimeout = core.DefaultRetainTimeout
	DefaultEMAAlpha      = core.DefaultEMAAlpha
	DefaultMaxLabelStats = core.DefaultMaxLabelStats
)

// Convenience constructors re-exported from core.
var (
	F                       = core.F
	NewDefaultLogger        = core.NewDefaultLogger
	NewNoOpLogger           = core.NewNoOpLogger
	NewSignalHub            = core.NewSignalHub
	DefaultControllerConfig = core.DefaultControllerConfig
	DefaultRetryPolicy      = core.DefaultRetryPolicy
	NoRetry                 = core.NoRetry
)

// NewController builds a controller from cfg; nil means all defaults.
func NewController(cfg *ControllerConfig) *Controller {
	return core.NewController(cfg)
}
