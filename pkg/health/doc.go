/*
Package health derives a health verdict from a topology snapshot and
per-node metrics.

Evaluation is a pure function. It performs no I/O, keeps no state between
calls and produces the same Report, byte for byte, for the same inputs.
Callers collect the inputs (topology.Builder.BuildSnapshot and
CollectMetrics) and act on the result (alert sink, monitor gauges, the
status and check commands).

# Architecture

	┌───────────────────┐     ┌─────────────────────────────┐
	│ topology.Snapshot │     │ map[NodeID]types.Metrics    │
	└─────────┬─────────┘     └──────────────┬──────────────┘
	          │                              │
	          └──────────────┬───────────────┘
	                         ▼
	              ┌─────────────────────┐
	              │ Evaluate(thresholds)│
	              └──────────┬──────────┘
	                         ▼
	      Report{State, Issues (critical), Warnings}

# Rules

Cluster level:

  - coverage: cluster_slots_ok below 16384, or slots with no owner (Critical)
  - topology: masters disagree on slot ownership or on membership (Warning);
    an inconsistent snapshot always makes the state Failed

Per node:

  - reachability: polled endpoint did not answer (Critical)
  - failure_detection: flagged fail (Critical) or fail? (Warning) by a peer
  - cluster_state: node reports cluster_state other than ok (Critical)
  - redundancy: master owns slots but has no replica (Warning)
  - memory: used/max at or above MemoryCritical (Critical) or MemoryWarning
    (Warning); skipped when maxmemory is 0
  - replication: replica link not up (Critical), lag above
    MaxReplicationLag (Warning)
  - persistence: last background save failed (Warning)
  - migration: slot left migrating or importing (Warning)

# Aggregation

The state is Failed when the snapshot is inconsistent, when fewer than
16384 slots are served, or when any critical issue exists. Otherwise it is
Degraded when any warning exists, and OK when there is nothing to report.

Issues are sorted by severity (critical first), then node ID, category and
message. Discovery order never leaks into the report.

# Usage

	eval := health.NewEvaluator(health.DefaultThresholds())
	report := eval.Evaluate(snap, builder.CollectMetrics(ctx, snap))
	if !report.Healthy() {
		sink.Send(ctx, report)
	}

Check adds what the fix operation would act on (open slots, coverage gaps)
to the report.
*/
package health
