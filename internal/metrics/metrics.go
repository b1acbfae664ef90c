// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus Metrics Integration for Production Observability
// This package provides instrumentation for:
// - Job queue depth, retries and permanent failures
// - Lifecycle event reconciliation outcomes
// - Remote agent command latency and circuit breaker state
// - API endpoint latency and throughput
// - WebSocket connections

var (
	// Job Queue Metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "job_queue_depth",
			Help: "Current number of non-terminal jobs in the queue",
		},
	)

	JobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs that completed successfully",
		},
		[]string{"job_type"},
	)

	JobRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of job retry attempts scheduled",
		},
		[]string{"job_type"},
	)

	JobsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs dropped after exhausting their retry budget",
		},
		[]string{"job_type"},
	)

	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "job_duration_seconds",
			Help:    "Duration of individual job attempts in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 300, 900, 3600}, // backups can take hours
		},
		[]string{"job_type"},
	)

	// Reconciliation Metrics
	EventsReconciled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_reconciled_total",
			Help: "Total number of lifecycle events applied to records",
		},
		[]string{"topic"},
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "lifecycle_events_dropped_total",
			Help: "Total number of lifecycle events dropped during reconciliation",
		},
		[]string{"topic", "reason"}, // "malformed", "invariant", "not_found", "stale"
	)

	ReconcileErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reconcile_errors_total",
			Help: "Total number of reconciliation handler errors",
		},
		[]string{"topic"},
	)

	// Remote Agent Metrics
	AgentCommandDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agent_command_duration_seconds",
			Help:    "Duration of remote agent request/reply commands in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"action"},
	)

	AgentCommandErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agent_command_errors_total",
			Help: "Total number of failed remote agent commands",
		},
		[]string{"action", "error_type"}, // "timeout", "rejected", "breaker_open", "other"
	)

	AgentEventsForwarded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agent_events_forwarded_total",
			Help: "Total number of agent lifecycle events forwarded to the local bus",
		},
	)

	// Circuit Breaker Metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_state_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"name", "from_state", "to_state"},
	)

	// API Endpoint Metrics
	APIRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total number of API requests",
		},
		[]string{"method", "endpoint", "status_code"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "endpoint"},
	)

	APIRateLimitHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_rate_limit_hits_total",
			Help: "Total number of rate limit rejections",
		},
		[]string{"endpoint"},
	)

	// WebSocket Metrics
	WSConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WSMessagesSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "websocket_messages_sent_total",
			Help: "Total number of WebSocket messages sent",
		},
	)

	WSErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "websocket_errors_total",
			Help: "Total number of WebSocket errors",
		},
		[]string{"error_type"},
	)

	// System Metrics
	AppInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "app_info",
			Help: "Application version and build information",
		},
		[]string{"version", "go_version"},
	)

	AppUptime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "app_uptime_seconds",
			Help: "Application uptime in seconds",
		},
	)
)

// RecordAPIRequest records an API request metric
func RecordAPIRequest(method, endpoint, statusCode string, duration time.Duration) {
	APIRequestsTotal.WithLabelValues(method, endpoint, statusCode).Inc()
	APIRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// RecordAgentCommand records a remote agent command and its outcome
func RecordAgentCommand(action string, duration time.Duration, errorType string) {
	AgentCommandDuration.WithLabelValues(action).Observe(duration.Seconds())
	if errorType != "" {
		AgentCommandErrors.WithLabelValues(action, errorType).Inc()
	}
}

// RecordEventReconciled records a lifecycle event applied to a record
func RecordEventReconciled(topic string) {
	EventsReconciled.WithLabelValues(topic).Inc()
}

// RecordEventDropped records a lifecycle event dropped during reconciliation
func RecordEventDropped(topic, reason string) {
	EventsDropped.WithLabelValues(topic, reason).Inc()
}
