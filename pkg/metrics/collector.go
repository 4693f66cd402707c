package metrics

import (
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// Record publishes the gauges derived from one monitoring cycle
func Record(snap *topology.Snapshot, nodeMetrics map[types.NodeID]types.Metrics, report health.Report) {
	recordTopology(snap)
	recordNodes(snap, nodeMetrics)
	RecordHealth(report)
}

func recordTopology(snap *topology.Snapshot) {
	NodesTotal.Reset()
	counts := make(map[string]map[string]int)
	for _, rec := range snap.Nodes() {
		role := string(rec.Role)
		status := "reachable"
		if snap.IsUnreachable(rec.ID) {
			status = "unreachable"
		}
		if counts[role] == nil {
			counts[role] = make(map[string]int)
		}
		counts[role][status]++
	}
	for role, statuses := range counts {
		for status, count := range statuses {
			NodesTotal.WithLabelValues(role, status).Set(float64(count))
		}
	}

	SlotsOK.Set(float64(snap.SlotsOK()))
	SlotsAssigned.Set(float64(snap.Assigned().Len()))
	SlotsTransitional.Set(float64(len(snap.Transitional())))
	if snap.Consistent() {
		TopologyConsistent.Set(1)
	} else {
		TopologyConsistent.Set(0)
	}
}

func recordNodes(snap *topology.Snapshot, nodeMetrics map[types.NodeID]types.Metrics) {
	NodeMemoryRatio.Reset()
	NodeReplicationLag.Reset()
	NodeConnectedClients.Reset()

	for _, rec := range snap.Nodes() {
		m, ok := nodeMetrics[rec.ID]
		if !ok {
			continue
		}
		id := string(rec.ID)
		NodeMemoryRatio.WithLabelValues(id, string(rec.Role)).Set(m.MemoryRatio())
		NodeConnectedClients.WithLabelValues(id).Set(float64(m.ConnectedClients))
		if m.ReplicationLagSeconds != nil {
			NodeReplicationLag.WithLabelValues(id).Set(float64(*m.ReplicationLagSeconds))
		}
	}
}

// RecordHealth sets the health gauges from report
func RecordHealth(report health.Report) {
	switch report.State {
	case health.StateOK:
		HealthState.Set(0)
	case health.StateDegraded:
		HealthState.Set(1)
	default:
		HealthState.Set(2)
	}

	HealthIssues.Reset()
	for _, issue := range report.All() {
		HealthIssues.WithLabelValues(string(issue.Severity), string(issue.Category)).Inc()
	}
}
