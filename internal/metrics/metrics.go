package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the sync engine.
type Metrics struct {
	// Change detection
	EventsObserved *prometheus.CounterVec
	EventsDropped  prometheus.Counter

	// Workflow lifecycle
	WorkflowsStarted   *prometheus.CounterVec
	WorkflowsCoalesced *prometheus.CounterVec
	WorkflowsCompleted *prometheus.CounterVec
	SyncDuration       *prometheus.HistogramVec

	// Issue propagation
	IssuesSynced *prometheus.CounterVec
	SyncSkips    *prometheus.CounterVec
	SoftDeletes  *prometheus.CounterVec

	// Tracker access
	TrackerRequests *prometheus.CounterVec
	TrackerLatency  *prometheus.HistogramVec
	RateLimitWaits  *prometheus.CounterVec

	// Circuit breaker
	BreakerState *prometheus.GaugeVec
	BreakerTrips *prometheus.CounterVec

	// Sinks
	SinkPublishes *prometheus.CounterVec

	// HTTP listener
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics. Registration is
// process-global, so repeated calls return the same instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			EventsObserved: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_change_events_total",
					Help: "Change events observed by the detectors",
				},
				[]string{"source", "kind"},
			),
			EventsDropped: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "weave_change_events_dropped_total",
					Help: "Change events dropped because the dispatcher queue was full",
				},
			),

			WorkflowsStarted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_workflows_started_total",
					Help: "Workflow executions started",
				},
				[]string{"workflow_type"},
			),
			WorkflowsCoalesced: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_workflows_coalesced_total",
					Help: "Workflow starts coalesced into an already-running execution",
				},
				[]string{"workflow_type"},
			),
			WorkflowsCompleted: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_workflows_completed_total",
					Help: "Workflow executions finished",
				},
				[]string{"workflow_type", "status"},
			),
			SyncDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "weave_sync_duration_seconds",
					Help:    "Sync workflow duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to ~3.4min
				},
				[]string{"workflow_type"},
			),

			IssuesSynced: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_issues_synced_total",
					Help: "Issue propagations by direction",
				},
				[]string{"direction", "result"},
			),
			SyncSkips: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_sync_skips_total",
					Help: "Propagations skipped before any tracker write",
				},
				[]string{"reason"},
			),
			SoftDeletes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_soft_deletes_total",
					Help: "Mapping rows flagged as deleted on one side",
				},
				[]string{"side"},
			),

			TrackerRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_tracker_requests_total",
					Help: "Tracker client operations",
				},
				[]string{"tracker", "operation", "success"},
			),
			TrackerLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "weave_tracker_request_duration_seconds",
					Help:    "Tracker operation duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~20s
				},
				[]string{"tracker", "operation"},
			),
			RateLimitWaits: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_rate_limit_waits_total",
					Help: "Requests delayed by the per-tracker token bucket",
				},
				[]string{"tracker"},
			),

			BreakerState: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "weave_circuit_breaker_state",
					Help: "Per-project breaker state (0 closed, 1 open, 2 half-open)",
				},
				[]string{"project"},
			),
			BreakerTrips: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_circuit_breaker_trips_total",
					Help: "Breaker transitions into the open state",
				},
				[]string{"project"},
			),

			SinkPublishes: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_sink_publishes_total",
					Help: "Fire-and-forget sink notifications",
				},
				[]string{"sink", "success"},
			),

			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "weave_http_requests_total",
					Help: "HTTP requests served by the webhook listener",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "weave_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

// RecordEvent counts one observed change event.
func (m *Metrics) RecordEvent(source, kind string) {
	m.EventsObserved.WithLabelValues(source, kind).Inc()
}

// RecordEventDropped counts one event lost to dispatcher backpressure.
func (m *Metrics) RecordEventDropped() {
	m.EventsDropped.Inc()
}

// RecordWorkflowStart counts a workflow start; coalesced marks starts that
// joined an already-running execution instead of creating one.
func (m *Metrics) RecordWorkflowStart(workflowType string, coalesced bool) {
	if coalesced {
		m.WorkflowsCoalesced.WithLabelValues(workflowType).Inc()
		return
	}
	m.WorkflowsStarted.WithLabelValues(workflowType).Inc()
}

// RecordWorkflowEnd records a finished workflow and its duration.
func (m *Metrics) RecordWorkflowEnd(workflowType, status string, seconds float64) {
	m.WorkflowsCompleted.WithLabelValues(workflowType, status).Inc()
	m.SyncDuration.WithLabelValues(workflowType).Observe(seconds)
}

// RecordIssueSync counts one propagation attempt for a direction like
// "huly_to_vibe".
func (m *Metrics) RecordIssueSync(direction string, success bool) {
	m.IssuesSynced.WithLabelValues(direction, boolLabel(success)).Inc()
}

// RecordSyncSkip counts a propagation short-circuited before any write.
func (m *Metrics) RecordSyncSkip(reason string) {
	m.SyncSkips.WithLabelValues(reason).Inc()
}

// RecordSoftDelete counts a one-sided deletion flag.
func (m *Metrics) RecordSoftDelete(side string) {
	m.SoftDeletes.WithLabelValues(side).Inc()
}

// RecordTrackerRequest records one tracker client operation.
func (m *Metrics) RecordTrackerRequest(tracker, operation string, success bool, seconds float64) {
	m.TrackerRequests.WithLabelValues(tracker, operation, boolLabel(success)).Inc()
	m.TrackerLatency.WithLabelValues(tracker, operation).Observe(seconds)
}

// RecordRateLimitWait counts a request that had to wait for bucket tokens.
func (m *Metrics) RecordRateLimitWait(tracker string) {
	m.RateLimitWaits.WithLabelValues(tracker).Inc()
}

// SetBreakerState publishes a project's breaker state.
func (m *Metrics) SetBreakerState(project string, state float64) {
	m.BreakerState.WithLabelValues(project).Set(state)
}

// RecordBreakerTrip counts a breaker opening for a project.
func (m *Metrics) RecordBreakerTrip(project string) {
	m.BreakerTrips.WithLabelValues(project).Inc()
}

// RecordSinkPublish records one sink notification attempt.
func (m *Metrics) RecordSinkPublish(sink string, success bool) {
	m.SinkPublishes.WithLabelValues(sink, boolLabel(success)).Inc()
}

// RecordHTTPRequest records an HTTP request served by the listener.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
