package graph

import "time"

// Options configures an Engine. It can be passed directly to New, or built
// up incrementally via the With* functional options in options.go — the
// two forms compose, with later functional options overriding fields set by
// an Options value passed earlier in the same New call.
type Options struct {
	// MaxSteps bounds the number of supersteps a single run may execute
	// before Run returns ErrRecursionLimit. Zero means defaultRecursionLimit.
	MaxSteps int

	// MaxConcurrentNodes bounds how many nodes a single superstep runs at
	// once. Zero means defaultMaxConcurrent.
	MaxConcurrentNodes int

	// QueueDepth is the next-batch size past which the backpressure
	// metric increments. The superstep barrier itself is unbounded; this
	// only drives observability.
	QueueDepth int

	// DefaultNodeTimeout bounds a single node execution when its NodePolicy
	// sets no explicit Timeout.
	DefaultNodeTimeout time.Duration

	// RunWallClockBudget bounds the entire Run call. Zero disables the
	// budget.
	RunWallClockBudget time.Duration

	// DefaultRetryPolicy applies to every node whose NodePolicy sets no
	// RetryPolicy of its own. Nil means such nodes are never retried.
	DefaultRetryPolicy *RetryPolicy

	// Metrics, if set, receives Prometheus observations for step latency,
	// retries, and merge conflicts.
	Metrics *PrometheusMetrics

	// CostTracker, if set, is available to nodes (via the Engine) for
	// recording LLM call cost and token usage.
	CostTracker *CostTracker
}
