/*
Package metrics provides Prometheus instrumentation for the scheduler.

Metrics are registered at package init against the default Prometheus
registry and exposed over HTTP via Handler(). They fall into four groups:

  - Stage: counts by status, cumulative CPU seconds, peak memory.
  - Task: scheduled/failed/retried counters, scheduling-cycle latency,
    node-lease wait time, partition memory estimates.
  - Query: terminal-state counts, end-to-end duration.
  - Descriptor storage: bytes held and capacity-overflow count, per query.

Timer is a small helper for observing elapsed time into a histogram:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SchedulingLatency)

health.go separately exposes liveness/readiness over HTTP for the demo
CLI's embedded server, independent of Prometheus.
*/
package metrics
