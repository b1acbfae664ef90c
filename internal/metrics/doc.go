// Fleetback - Fleet Backup Orchestration and Lifecycle Reconciliation
// Copyright 2026 Fleetback Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetback/fleetback

/*
Package metrics provides Prometheus metrics collection and export for observability.

This package implements application instrumentation using the Prometheus client
library, exposing metrics for monitoring job throughput, reconciliation health,
remote agent latency, and API performance.

# Overview

The package provides metrics for:
  - Job queue depth, retry attempts, and permanent failures
  - Lifecycle event reconciliation outcomes
  - Remote agent command latency and circuit breaker state
  - HTTP API latency and throughput
  - WebSocket connection counts

# Metrics Endpoint

Metrics are exposed at the /metrics endpoint in Prometheus text format:

	curl http://localhost:8090/metrics

# Available Metrics

Job Queue Metrics:
  - job_queue_depth: Non-terminal jobs in the queue (gauge)
  - jobs_completed_total: Successfully completed jobs (counter)
    Labels: job_type (backup, restore, prune)
  - job_retries_total: Retry attempts scheduled (counter)
    Labels: job_type
  - jobs_failed_total: Jobs dropped after exhausting their retry budget (counter)
    Labels: job_type
  - job_duration_seconds: Duration of individual job attempts (histogram)
    Labels: job_type
    Buckets: 1, 5, 10, 30, 60, 300, 900, 3600

Reconciliation Metrics:
  - lifecycle_events_reconciled_total: Events applied to records (counter)
    Labels: topic
  - lifecycle_events_dropped_total: Events dropped during reconciliation (counter)
    Labels: topic, reason (malformed, invariant, not_found, stale)
  - reconcile_errors_total: Reconciliation handler errors (counter)
    Labels: topic

Remote Agent Metrics:
  - agent_command_duration_seconds: Request/reply command latency (histogram)
    Labels: action
  - agent_command_errors_total: Failed agent commands (counter)
    Labels: action, error_type (timeout, rejected, breaker_open, other)
  - agent_events_forwarded_total: Agent events bridged onto the local bus (counter)

Circuit Breaker Metrics:
  - circuit_breaker_state: Current state (gauge)
    Labels: name
    Values: 0=closed, 1=half-open, 2=open
  - circuit_breaker_state_transitions_total: State transitions (counter)
    Labels: name, from_state, to_state

API Metrics:
  - api_requests_total: Total API requests (counter)
    Labels: method, endpoint, status_code
  - api_request_duration_seconds: Request latency (histogram)
    Labels: method, endpoint
    Buckets: .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
  - api_rate_limit_hits_total: Rate limit rejections (counter)
    Labels: endpoint

WebSocket Metrics:
  - websocket_connections: Active connections (gauge)
  - websocket_messages_sent_total: Messages sent (counter)
  - websocket_errors_total: WebSocket errors (counter)
    Labels: error_type

System Metrics:
  - app_info: Version and build information (gauge, always 1)
    Labels: version, go_version
  - app_uptime_seconds: Process uptime (gauge)

# Usage Example

Basic setup in main.go:

	import (
	    "github.com/fleetback/fleetback/internal/metrics"
	    "github.com/prometheus/client_golang/prometheus/promhttp"
	)

	func main() {
	    // Register metrics endpoint
	    http.Handle("/metrics", promhttp.Handler())

	    // Record metrics
	    metrics.RecordAPIRequest("GET", "/api/v1/plans", "200", 23*time.Millisecond)
	    metrics.RecordAgentCommand("backup", 1200*time.Millisecond, "")
	    metrics.RecordEventReconciled("backup.complete")
	}

Recording API metrics from middleware:

	func MetricsMiddleware(next http.Handler) http.Handler {
	    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	        start := time.Now()

	        // Wrap ResponseWriter to capture status code
	        rw := &responseWriter{ResponseWriter: w, statusCode: 200}

	        next.ServeHTTP(rw, r)

	        metrics.RecordAPIRequest(r.Method, r.URL.Path,
	            strconv.Itoa(rw.statusCode), time.Since(start))
	    })
	}

Recording reconciliation outcomes:

	func (s *BackupEventService) handleComplete(ctx context.Context, evt events.BackupComplete) error {
	    if err := s.apply(ctx, evt); err != nil {
	        metrics.RecordEventDropped(events.TopicBackupComplete, "invariant")
	        return err
	    }
	    metrics.RecordEventReconciled(events.TopicBackupComplete)
	    return nil
	}

# Prometheus Configuration

Example prometheus.yml configuration:

	scrape_configs:
	  - job_name: 'fleetback'
	    static_configs:
	      - targets: ['localhost:8090']
	    metrics_path: '/metrics'
	    scrape_interval: 15s

# Grafana Dashboards

The metrics support Grafana dashboards with panels for:

  - Job throughput and retry rate per job type
  - Permanent failure rate (escalations per hour)
  - Reconciliation drop reasons over time
  - Agent command latency (p50, p95, p99 percentiles)
  - Circuit breaker state visualization
  - API request rate and error rate per endpoint

Example PromQL queries:

	# Job completion rate
	rate(jobs_completed_total[5m])

	# Retry ratio per job type
	rate(job_retries_total[5m]) / rate(jobs_completed_total[5m])

	# Agent command p95 latency
	histogram_quantile(0.95, rate(agent_command_duration_seconds_bucket[5m]))

	# Reconciliation drop rate by reason
	sum by (reason) (rate(lifecycle_events_dropped_total[5m]))

	# API p95 latency
	histogram_quantile(0.95, rate(api_request_duration_seconds_bucket[5m]))

# Thread Safety

All metric recording functions are thread-safe and designed for concurrent use
from multiple goroutines. The Prometheus client library handles synchronization
internally.

# Cardinality Management

To prevent high cardinality issues:

  - Job types and drop reasons are fixed constants
  - Endpoint labels use route patterns, not raw paths
  - Agent error types are limited to four predefined values
  - Device and plan identifiers are never used as labels

# Alerting Rules

Example Prometheus alerting rules:

	groups:
	  - name: fleetback
	    rules:
	      - alert: JobPermanentFailures
	        expr: increase(jobs_failed_total[1h]) > 0
	        annotations:
	          summary: "{{ $value }} jobs escalated to permanent failure"

	      - alert: HighAPIErrorRate
	        expr: |
	          sum(rate(api_requests_total{status_code=~"5.."}[5m]))
	          /
	          sum(rate(api_requests_total[5m]))
	          > 0.05
	        for: 5m
	        annotations:
	          summary: "High API error rate: {{ $value }}%"

	      - alert: CircuitBreakerOpen
	        expr: circuit_breaker_state == 2
	        for: 2m
	        annotations:
	          summary: "Circuit breaker open for {{ $labels.name }}"

# See Also

  - internal/queue: Job queue metric recording
  - internal/reconcile: Reconciliation outcome metrics
  - internal/agent: Agent command and circuit breaker metrics
  - https://prometheus.io/docs/practices/naming/: Metric naming conventions
  - https://prometheus.io/docs/practices/instrumentation/: Instrumentation guide
*/
package metrics
