package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Topology metrics
	NodesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardctl_nodes_total",
			Help: "Number of known store nodes by role and reachability",
		},
		[]string{"role", "status"},
	)

	SlotsOK = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardctl_cluster_slots_ok",
			Help: "Lowest cluster_slots_ok reported by a reachable master",
		},
	)

	SlotsAssigned = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardctl_cluster_slots_assigned",
			Help: "Number of slots with a resolved owner in the merged topology",
		},
	)

	SlotsTransitional = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardctl_cluster_slots_transitional",
			Help: "Number of slots reported as migrating or importing",
		},
	)

	TopologyConsistent = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardctl_topology_consistent",
			Help: "Whether reachable masters agree on slot ownership and membership (1 = consistent)",
		},
	)

	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "shardctl_snapshot_duration_seconds",
			Help:    "Time taken to poll the cluster and build a topology snapshot",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Health metrics
	HealthState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "shardctl_health_state",
			Help: "Cluster health verdict (0 = OK, 1 = Degraded, 2 = Failed)",
		},
	)

	HealthIssues = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardctl_health_issues",
			Help: "Number of health issues by severity and category",
		},
		[]string{"severity", "category"},
	)

	NodeMemoryRatio = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardctl_node_memory_ratio",
			Help: "used_memory / maxmemory per node (0 when maxmemory is unbounded)",
		},
		[]string{"node_id", "role"},
	)

	NodeReplicationLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardctl_node_replication_lag_seconds",
			Help: "Seconds since a replica last heard from its master",
		},
		[]string{"node_id"},
	)

	NodeConnectedClients = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shardctl_node_connected_clients",
			Help: "Connected clients per node",
		},
		[]string{"node_id"},
	)

	// Operation metrics
	OperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardctl_operations_total",
			Help: "Orchestrated operations by kind and terminal status",
		},
		[]string{"kind", "status"},
	)

	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shardctl_operation_duration_seconds",
			Help:    "Operation duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"kind"},
	)

	SlotsMigrated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardctl_slots_migrated_total",
			Help: "Slots whose migration was completed or aborted",
		},
		[]string{"result"},
	)

	KeysMigrated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardctl_keys_migrated_total",
			Help: "Keys moved between masters during slot migration",
		},
	)

	LockConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "shardctl_lock_conflicts_total",
			Help: "Operations rejected because a target node was locked",
		},
	)

	// Alert and chaos metrics
	AlertsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardctl_alerts_sent_total",
			Help: "Alert deliveries by result",
		},
		[]string{"result"},
	)

	ChaosRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shardctl_chaos_runs_total",
			Help: "Chaos scenario runs by scenario and result",
		},
		[]string{"scenario", "result"},
	)
)

func init() {
	prometheus.MustRegister(NodesTotal)
	prometheus.MustRegister(SlotsOK)
	prometheus.MustRegister(SlotsAssigned)
	prometheus.MustRegister(SlotsTransitional)
	prometheus.MustRegister(TopologyConsistent)
	prometheus.MustRegister(SnapshotDuration)
	prometheus.MustRegister(HealthState)
	prometheus.MustRegister(HealthIssues)
	prometheus.MustRegister(NodeMemoryRatio)
	prometheus.MustRegister(NodeReplicationLag)
	prometheus.MustRegister(NodeConnectedClients)
	prometheus.MustRegister(OperationsTotal)
	prometheus.MustRegister(OperationDuration)
	prometheus.MustRegister(SlotsMigrated)
	prometheus.MustRegister(KeysMigrated)
	prometheus.MustRegister(LockConflicts)
	prometheus.MustRegister(AlertsSent)
	prometheus.MustRegister(ChaosRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
