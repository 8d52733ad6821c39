package synckit

import (
	"sync/atomic"
	"time"
)

// MetricsCollector receives every observation the engine makes. The Prometheus
// implementation lives in package metrics.
type MetricsCollector interface {
	// RecordOperation records a finished attempt and how long the adapter call took.
	RecordOperation(marketplaceID string, action Action, status OperationStatus, duration time.Duration)

	// RecordRetry records a scheduled retry.
	RecordRetry(marketplaceID string, delay time.Duration)

	// RecordRateLimitWait records time spent waiting for a rate limit window.
	RecordRateLimitWait(marketplaceID string, wait time.Duration)

	// RecordConflict records a detected conflict.
	RecordConflict(entityType EntityType, conflictType ConflictType)

	// RecordResolution records a resolved conflict by the policy applied.
	RecordResolution(policy Policy)

	// RecordQueueDepth records the current queue size.
	RecordQueueDepth(size int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordOperation(string, Action, OperationStatus, time.Duration) {}
func (NoOpMetricsCollector) RecordRetry(string, time.Duration)                             {}
func (NoOpMetricsCollector) RecordRateLimitWait(string, time.Duration)                     {}
func (NoOpMetricsCollector) RecordConflict(EntityType, ConflictType)                       {}
func (NoOpMetricsCollector) RecordResolution(Policy)                                       {}
func (NoOpMetricsCollector) RecordQueueDepth(int)                                          {}

// SyncMetrics is a point-in-time summary of engine activity.
type SyncMetrics struct {
	TotalEvents           int64         `json:"totalEvents"`
	Processed             int64         `json:"processed"`
	Failed                int64         `json:"failed"`
	Retried               int64         `json:"retried"`
	ConflictsDetected     int64         `json:"conflictsDetected"`
	ConflictsResolved     int64         `json:"conflictsResolved"`
	AverageProcessingTime time.Duration `json:"averageProcessingTime"`
	ThroughputPerSecond   float64       `json:"throughputPerSecond"`
	QueueSize             int           `json:"queueSize"`
	ActiveConnections     int           `json:"activeConnections"`
	UnresolvedConflicts   int           `json:"unresolvedConflicts"`
	PendingRetries        int           `json:"pendingRetries"`
	Uptime                time.Duration `json:"uptime"`
}

// FailureRatio is failed / (processed + failed), or 0 before anything finished.
func (m SyncMetrics) FailureRatio() float64 {
	done := m.Processed + m.Failed
	if done == 0 {
		return 0
	}
	return float64(m.Failed) / float64(done)
}

// engineStats are the counters behind GetMetrics.
type engineStats struct {
	startedAt         time.Time
	totalEvents       atomic.Int64
	processed         atomic.Int64
	failed            atomic.Int64
	retried           atomic.Int64
	conflictsDetected atomic.Int64
	conflictsResolved atomic.Int64
	unresolved        atomic.Int64
	processingNanos   atomic.Int64
}

func (s *engineStats) snapshot(now time.Time) SyncMetrics {
	m := SyncMetrics{
		TotalEvents:         s.totalEvents.Load(),
		Processed:           s.processed.Load(),
		Failed:              s.failed.Load(),
		Retried:             s.retried.Load(),
		ConflictsDetected:   s.conflictsDetected.Load(),
		ConflictsResolved:   s.conflictsResolved.Load(),
		UnresolvedConflicts: int(s.unresolved.Load()),
		Uptime:              now.Sub(s.startedAt),
	}
	if m.Processed > 0 {
		m.AverageProcessingTime = time.Duration(s.processingNanos.Load() / m.Processed)
	}
	if secs := m.Uptime.Seconds(); secs > 0 {
		m.ThroughputPerSecond = float64(m.Processed) / secs
	}
	return m
}
