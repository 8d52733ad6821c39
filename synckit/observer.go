package synckit

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// StrategyMetricsCollector is an optional extension of MetricsCollector for
// per-strategy timing. Collectors that implement it get one call per strategy run.
type StrategyMetricsCollector interface {
	MetricsCollector

	RecordStrategy(policy Policy, decision string, duration time.Duration, success bool)
}

// ObservableStrategy wraps any ResolutionStrategy with timing, logging and metrics.
type ObservableStrategy struct {
	wrapped ResolutionStrategy
	policy  Policy
	metrics MetricsCollector
	logger  *slog.Logger
}

// NewObservableStrategy wraps s. metrics and logger may be nil.
func NewObservableStrategy(s ResolutionStrategy, policy Policy, metrics MetricsCollector, logger *slog.Logger) *ObservableStrategy {
	return &ObservableStrategy{wrapped: s, policy: policy, metrics: metrics, logger: logger}
}

// Resolve implements ResolutionStrategy.
func (o *ObservableStrategy) Resolve(ctx context.Context, c *SyncConflict, current *SyncEntity) (Outcome, error) {
	start := time.Now()
	if o.logger != nil {
		o.logger.Debug("Attempting to resolve conflict", "conflict_id", c.ID, "policy", o.policy)
	}

	out, err := o.wrapped.Resolve(ctx, c, current)
	duration := time.Since(start)

	if ext, ok := o.metrics.(StrategyMetricsCollector); ok {
		if err != nil {
			ext.RecordStrategy(o.policy, classifyError(err), duration, false)
		} else {
			ext.RecordStrategy(o.policy, out.Decision, duration, true)
		}
	}
	if o.logger != nil {
		if err != nil {
			o.logger.Error("Conflict resolution strategy failed", "conflict_id", c.ID, "policy", o.policy,
				"error", err, "duration", duration)
		} else {
			o.logger.Debug("Conflict resolution strategy decided", "conflict_id", c.ID, "policy", o.policy,
				"decision", out.Decision, "duration", duration)
		}
	}
	return out, err
}

// Helper to classify errors for metrics
func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}
