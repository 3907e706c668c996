/*
Package metrics exports thumbcache events to Prometheus.

Collector implements types.MetricsRecorder, so the orchestrator, render
pipeline, disk cache, pressure controller and preload scheduler report to it
directly. Metrics live in a private registry and are served by Start:

	/metrics         Prometheus exposition (OpenMetrics when negotiated)
	/health          liveness
	/debug/requests  per tier request breakdown as JSON
	/debug/stats     the document returned by the installed StatsSource

# Exported series

	thumbcache_requests_total{tier,outcome}
	thumbcache_request_duration_seconds{outcome}
	thumbcache_renders_total{status}
	thumbcache_render_duration_seconds
	thumbcache_render_cost_bytes
	thumbcache_disk_operations_total{operation,status}
	thumbcache_tier_cost_bytes{tier}
	thumbcache_tier_entries{tier}
	thumbcache_tier_cost_limit_bytes{tier}
	thumbcache_tier_entry_limit{tier}
	thumbcache_tier_evictions{tier}
	thumbcache_pressure_state
	thumbcache_pressure_transitions_total{from,to}
	thumbcache_preload_total{result}

A disabled collector still feeds its RequestBreakdown but registers nothing
and never listens.
*/
package metrics
