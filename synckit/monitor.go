package synckit

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// HealthThresholds are the limits the monitor alerts on. A zero field disables
// that check.
type HealthThresholds struct {
	MaxFailureRatio        float64 `json:"maxFailureRatio" yaml:"maxFailureRatio"`
	MaxQueueDepth          int     `json:"maxQueueDepth" yaml:"maxQueueDepth"`
	MaxUnresolvedConflicts int     `json:"maxUnresolvedConflicts" yaml:"maxUnresolvedConflicts"`
}

// DefaultHealthThresholds returns the built-in alert limits.
func DefaultHealthThresholds() HealthThresholds {
	return HealthThresholds{
		MaxFailureRatio:        0.1,
		MaxQueueDepth:          DefaultMaxQueueSize * 8 / 10,
		MaxUnresolvedConflicts: 100,
	}
}

// Alert kinds.
const (
	AlertFailureRatio = "failure_ratio"
	AlertQueueDepth   = "queue_depth"
	AlertConflicts    = "unresolved_conflicts"
)

// HealthAlert describes one exceeded threshold.
type HealthAlert struct {
	Kind      string  `json:"kind"`
	Message   string  `json:"message"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
}

// Check returns an alert for every threshold m exceeds.
func (h HealthThresholds) Check(m SyncMetrics) []HealthAlert {
	var alerts []HealthAlert
	if ratio := m.FailureRatio(); h.MaxFailureRatio > 0 && ratio > h.MaxFailureRatio {
		alerts = append(alerts, HealthAlert{
			Kind:      AlertFailureRatio,
			Message:   fmt.Sprintf("failure ratio %.2f exceeds %.2f", ratio, h.MaxFailureRatio),
			Value:     ratio,
			Threshold: h.MaxFailureRatio,
		})
	}
	if h.MaxQueueDepth > 0 && m.QueueSize > h.MaxQueueDepth {
		alerts = append(alerts, HealthAlert{
			Kind:      AlertQueueDepth,
			Message:   fmt.Sprintf("queue depth %d exceeds %d", m.QueueSize, h.MaxQueueDepth),
			Value:     float64(m.QueueSize),
			Threshold: float64(h.MaxQueueDepth),
		})
	}
	if h.MaxUnresolvedConflicts > 0 && m.UnresolvedConflicts > h.MaxUnresolvedConflicts {
		alerts = append(alerts, HealthAlert{
			Kind:      AlertConflicts,
			Message:   fmt.Sprintf("%d unresolved conflicts exceed %d", m.UnresolvedConflicts, h.MaxUnresolvedConflicts),
			Value:     float64(m.UnresolvedConflicts),
			Threshold: float64(h.MaxUnresolvedConflicts),
		})
	}
	return alerts
}

// monitor runs the engine's periodic jobs on a cron scheduler. Jobs that are
// still running when their next tick arrives are skipped.
type monitor struct {
	cron   *cron.Cron
	logger *slog.Logger
}

func newMonitor(logger *slog.Logger) *monitor {
	cl := cronLogger{logger}
	return &monitor{
		cron:   cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl))),
		logger: logger,
	}
}

// cronLogger routes cron's logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}

// every registers fn to run at a fixed interval. cron rounds intervals below a
// second up to one second.
func (m *monitor) every(name string, interval time.Duration, fn func()) error {
	_, err := m.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		start := time.Now()
		fn()
		m.logger.Debug("periodic job finished", "job", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	return nil
}

func (m *monitor) start() { m.cron.Start() }

// stop waits for running jobs to finish.
func (m *monitor) stop() {
	<-m.cron.Stop().Done()
}
