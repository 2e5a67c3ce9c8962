// Package metrics provides Prometheus instrumentation for the worker.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "worker_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// Upstream (agent bridge) metrics.
var (
	UpstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_upstream_requests_total",
		Help: "Total number of JSON-RPC requests sent to the agent.",
	}, []string{"method", "outcome"})

	ProtocolErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_upstream_protocol_errors_total",
		Help: "Total number of malformed or unroutable agent messages.",
	})
)

// Business metrics.
var (
	ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active_jobs",
		Help: "Number of jobs in a non-terminal state.",
	})

	ActiveTerminals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_active_terminals",
		Help: "Number of non-exited terminal sessions.",
	})

	EventsAppendedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_job_events_appended_total",
		Help: "Total number of event envelopes appended to job logs.",
	})

	PushNotificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_push_notifications_total",
		Help: "Total number of push notifications handed to the sink.",
	}, []string{"outcome"})

	ApprovalsRequestedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_approvals_requested_total",
		Help: "Total number of approval requests received from the agent.",
	})

	ApprovalsResolvedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "worker_approvals_resolved_total",
		Help: "Total number of approvals resolved, by decision.",
	}, []string{"decision"})
)

// Streaming metrics.
var (
	SSEConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_sse_connections_active",
		Help: "Number of active SSE event streams.",
	})

	WSConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "worker_ws_connections_active",
		Help: "Number of active terminal WebSocket connections.",
	})

	WSMessagesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "worker_ws_messages_total",
		Help: "Total number of WebSocket frames sent.",
	})
)
