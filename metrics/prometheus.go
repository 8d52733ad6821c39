// Package metrics exports engine observations to Prometheus.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c0deZ3R0/marketsync/synckit"
)

const namespace = "marketsync"

var durationBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30}

// Collector implements synckit.StrategyMetricsCollector on a private registry.
type Collector struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	retryDelay    *prometheus.HistogramVec
	rateLimitWait *prometheus.HistogramVec
	conflicts     *prometheus.CounterVec
	resolutions   *prometheus.CounterVec
	strategy      *prometheus.HistogramVec
	queueDepth    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

var _ synckit.StrategyMetricsCollector = (*Collector)(nil)

// New registers all series on a fresh registry together with the Go runtime
// and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Finished adapter attempts by marketplace, action and resulting status.",
		}, []string{"marketplace", "action", "status"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Adapter call latency.",
			Buckets:   durationBuckets,
		}, []string{"marketplace", "action"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Scheduled retries.",
		}, []string{"marketplace"}),
		retryDelay: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "retry_delay_seconds",
			Help:      "Backoff delay chosen for scheduled retries.",
			Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
		}, []string{"marketplace"}),
		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "rate_limit_wait_seconds",
			Help:      "Time spent waiting for a marketplace rate limit window.",
			Buckets:   durationBuckets,
		}, []string{"marketplace"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_detected_total",
			Help:      "Detected conflicts by entity type and conflict type.",
		}, []string{"entity_type", "conflict_type"}),
		resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conflicts_resolved_total",
			Help:      "Resolved conflicts by applied policy.",
		}, []string{"policy"}),
		strategy: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resolution_strategy_duration_seconds",
			Help:      "Resolution strategy latency by policy and decision.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}, []string{"policy", "decision", "success"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Operations waiting in the queue.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"method", "endpoint", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request durations.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "endpoint", "status"}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.operations, c.opDuration,
		c.retries, c.retryDelay, c.rateLimitWait,
		c.conflicts, c.resolutions, c.strategy,
		c.queueDepth,
		c.httpRequests, c.httpDuration,
	)
	return c
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RegisterEngine exports the gauges that only the engine snapshot knows:
// unresolved conflicts, pending retries, live subscribers and uptime.
func (c *Collector) RegisterEngine(snapshot func() synckit.SyncMetrics) error {
	gauge := func(name, help string, value func(synckit.SyncMetrics) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      name,
			Help:      help,
		}, func() float64 { return value(snapshot()) })
	}
	for _, g := range []prometheus.Collector{
		gauge("unresolved_conflicts", "Conflicts awaiting resolution.",
			func(m synckit.SyncMetrics) float64 { return float64(m.UnresolvedConflicts) }),
		gauge("pending_retries", "Operations waiting for a retry.",
			func(m synckit.SyncMetrics) float64 { return float64(m.PendingRetries) }),
		gauge("active_connections", "Live event subscribers.",
			func(m synckit.SyncMetrics) float64 { return float64(m.ActiveConnections) }),
		gauge("uptime_seconds", "Seconds since the engine was created.",
			func(m synckit.SyncMetrics) float64 { return m.Uptime.Seconds() }),
		gauge("throughput_per_second", "Processed operations per second of uptime.",
			func(m synckit.SyncMetrics) float64 { return m.ThroughputPerSecond }),
	} {
		if err := c.registry.Register(g); err != nil {
			return err
		}
	}
	return nil
}

func (c *Collector) RecordOperation(marketplaceID string, action synckit.Action, status synckit.OperationStatus, duration time.Duration) {
	c.operations.WithLabelValues(marketplaceID, action.String(), string(status)).Inc()
	c.opDuration.WithLabelValues(marketplaceID, action.String()).Observe(duration.Seconds())
}

func (c *Collector) RecordRetry(marketplaceID string, delay time.Duration) {
	c.retries.WithLabelValues(marketplaceID).Inc()
	c.retryDelay.WithLabelValues(marketplaceID).Observe(delay.Seconds())
}

func (c *Collector) RecordRateLimitWait(marketplaceID string, wait time.Duration) {
	c.rateLimitWait.WithLabelValues(marketplaceID).Observe(wait.Seconds())
}

func (c *Collector) RecordConflict(entityType synckit.EntityType, conflictType synckit.ConflictType) {
	c.conflicts.WithLabelValues(entityType.String(), string(conflictType)).Inc()
}

func (c *Collector) RecordResolution(policy synckit.Policy) {
	c.resolutions.WithLabelValues(string(policy)).Inc()
}

func (c *Collector) RecordQueueDepth(size int) {
	c.queueDepth.Set(float64(size))
}

func (c *Collector) RecordStrategy(policy synckit.Policy, decision string, duration time.Duration, success bool) {
	c.strategy.WithLabelValues(string(policy), decision, strconv.FormatBool(success)).Observe(duration.Seconds())
}

// RecordRequest records one HTTP request served by the daemon.
func (c *Collector) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := classifyStatus(statusCode)
	c.httpRequests.WithLabelValues(method, endpoint, status).Inc()
	c.httpDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

// Instrument wraps next so every request is recorded under endpoint. The
// wrapped writer still supports flushing and hijacking for streaming handlers.
func (c *Collector) Instrument(endpoint string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		c.RecordRequest(r.Method, endpoint, rec.status, time.Since(start))
	})
}

func classifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	}
	return "unknown"
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack hands the connection to a WebSocket upgrade; it is recorded as 101.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: underlying response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil && !r.wroteHeader {
		r.status = http.StatusSwitchingProtocols
		r.wroteHeader = true
	}
	return conn, rw, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }
