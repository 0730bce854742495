package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Orchestrator metrics for production monitoring
var (
	// Intake metrics
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_admissions_total",
			Help: "Total number of incident events by admission decision",
		},
		[]string{"decision"}, // started/joined/signalled/dropped
	)

	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_runs_started_total",
			Help: "Total number of workflow runs started or resumed",
		},
		[]string{"mode"}, // new/resumed
	)

	RunsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_runs_finished_total",
			Help: "Total number of workflow runs by terminal state",
		},
		[]string{"state", "confidence"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_incident_run_duration_seconds",
			Help:    "Workflow run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~68min
		},
		[]string{"state"},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kubilitics_incident_run_iterations",
			Help:    "Reasoning iterations consumed per finished run",
			Buckets: prometheus.LinearBuckets(1, 2, 12),
		},
	)

	ActiveRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_incident_active_runs",
			Help: "Current number of non-terminal workflow runs",
		},
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_incident_queue_depth",
			Help: "Runs waiting for a worker",
		},
	)

	// Reasoning backend metrics
	BackendRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_backend_requests_total",
			Help: "Total number of reasoning backend requests",
		},
		[]string{"model", "status"}, // status: success/malformed/error
	)

	BackendRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_incident_backend_request_duration_seconds",
			Help:    "Reasoning backend request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~1min
		},
		[]string{"model"},
	)

	BackendTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_backend_tokens_total",
			Help: "Total number of reasoning backend tokens consumed",
		},
		[]string{"model", "type"}, // type: input/output
	)

	// Tool gateway metrics
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_tool_calls_total",
			Help: "Total number of tool calls through the gateway",
		},
		[]string{"provider", "tool", "status"},
	)

	ToolAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_tool_attempts_total",
			Help: "Total number of individual provider attempts including retries",
		},
		[]string{"provider"},
	)

	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_incident_tool_duration_seconds",
			Help:    "Tool call duration in seconds including retries",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"provider"},
	)

	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_incident_provider_breaker_state",
			Help: "Provider circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"provider"},
	)

	CatalogTools = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kubilitics_incident_catalog_tools",
			Help: "Read-only tools offered per provider",
		},
		[]string{"provider"},
	)

	// Publisher metrics
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_incident_deliveries_total",
			Help: "Total number of report deliveries by destination and outcome",
		},
		[]string{"destination", "status"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_incident_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)
)
