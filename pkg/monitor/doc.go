/*
Package monitor evaluates cluster health continuously for the
'shardctl monitor' command.

# Architecture

	┌──────────────────────────────────────────────┐
	│               Evaluation Loop                │
	│          (every monitor.interval)            │
	└───────────────────────┬──────────────────────┘
	                        ▼
	        BuildSnapshot ─▶ CollectMetrics
	                        ▼
	                 health.Evaluate
	                        │
	     ┌──────────────────┼───────────────────┐
	     ▼                  ▼                   ▼
	 Prometheus       bbolt catalog        alert webhook
	 gauges           (last snapshot)      (OK ─▶ non-OK)

Each cycle is bounded by the interval. When no seed endpoint answers the
cycle still produces a Failed report carrying a reachability issue, so an
outage of the whole cluster alerts like any other failure.

The monitor only observes. It never starts an operation; failover and slot
repair stay operator decisions.

# Alerting

An alert is sent when the state leaves OK, including on the first cycle if
the cluster is already unhealthy. Further changes between Degraded and
Failed publish a health.changed event but do not alert again until the
cluster has been OK in between.

# Endpoints

Server exposes the process-wide metrics registry and component health:

	/metrics   Prometheus exposition
	/health    liveness and component status
	/ready     503 until the topology component has reported healthy
*/
package monitor
