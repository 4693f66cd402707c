/*
Package metrics provides Prometheus instrumentation and the control-plane
health registry for shardctl.

All collectors are package-level variables registered with the default
Prometheus registry at init. They fall into four groups:

	┌─────────────── shardctl_* ────────────────┐
	│ topology   nodes_total, cluster_slots_ok, │
	│            topology_consistent, snapshot  │
	│            duration                       │
	│ health     health_state, health_issues,   │
	│            node_memory_ratio, replication │
	│            lag, connected clients         │
	│ operations operations_total, duration,    │
	│            slots/keys migrated, lock      │
	│            conflicts                      │
	│ harness    alerts_sent_total, chaos_runs  │
	└───────────────────────────────────────────┘

Record publishes the gauges of one monitoring cycle (snapshot, node metrics
and health report). Orchestrators update the operation counters directly and
time themselves with Timer:

	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.OperationDuration, "reshard")

# Component health

The monitor reports the state of its own components (topology polling, the
local catalog, alert delivery) with UpdateComponent. Mux serves them next to
the metrics:

	/metrics  Prometheus text exposition
	/health   200 when every component is healthy, 503 otherwise
	/ready    200 when every critical component is registered and healthy
*/
package metrics
