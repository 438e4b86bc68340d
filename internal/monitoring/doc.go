/*
Package monitoring provides Prometheus metrics for the userscript bridge.

# Metrics

  - bridge_calls_total{capability,outcome}: dispatched, malformed, unknown, rejected
  - bridge_responses_total{capability}
  - bridge_serialization_failures_total
  - bridge_inflight_calls, bridge_call_duration_seconds
  - network_tasks_pending, network_requests_total, network_response_size_bytes
  - content_script_errors_total, content_views_active, content_ws_connections

# Usage

	metrics := monitoring.NewMetrics()
	router.GET("/metrics", gin.WrapH(metrics.Handler()))

All recording methods accept a nil receiver, so components built without
metrics need no special casing.
*/
package monitoring
