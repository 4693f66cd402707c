package health

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var observedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const (
	m1 types.NodeID = "1111111111111111111111111111111111111111"
	m2 types.NodeID = "2222222222222222222222222222222222222222"
	r1 types.NodeID = "3333333333333333333333333333333333333333"
	r2 types.NodeID = "4444444444444444444444444444444444444444"
)

func records() []types.NodeRecord {
	ep := func(port int) types.Endpoint {
		return types.Endpoint{Host: "10.0.0.1", Port: port, BusPort: port + 10000}
	}
	return []types.NodeRecord{
		{ID: m1, Endpoint: ep(7000), Role: types.RoleMaster, LinkState: types.LinkConnected, ConfigEpoch: 1,
			Slots: types.SlotSetOf(types.SlotRange{Start: 0, End: 8191})},
		{ID: m2, Endpoint: ep(7001), Role: types.RoleMaster, LinkState: types.LinkConnected, ConfigEpoch: 2,
			Slots: types.SlotSetOf(types.SlotRange{Start: 8192, End: 16383})},
		{ID: r1, Endpoint: ep(7002), Role: types.RoleReplica, LinkState: types.LinkConnected, ReplicaOf: m1, ConfigEpoch: 1},
		{ID: r2, Endpoint: ep(7003), Role: types.RoleReplica, LinkState: types.LinkConnected, ReplicaOf: m2, ConfigEpoch: 2},
	}
}

func okInfo() *types.ClusterInfo {
	return &types.ClusterInfo{State: "ok", SlotsAssigned: types.TotalSlots, SlotsOK: types.TotalSlots, KnownNodes: 4, Size: 2}
}

// observationsOf returns one observation per viewer, each reporting recs as
// altered by edit
func observationsOf(recs []types.NodeRecord, viewers []types.NodeID, edit func(viewer types.NodeID, rec *types.NodeRecord), info func(types.NodeID) *types.ClusterInfo) []topology.Observation {
	var obs []topology.Observation
	for _, v := range viewers {
		var view []types.NodeRecord
		var ep types.Endpoint
		for _, r := range recs {
			c := *r.Clone()
			if c.ID == v {
				c.Flags = append(c.Flags, types.FlagMyself)
				ep = types.Endpoint{Host: c.Endpoint.Host, Port: c.Endpoint.Port}
			}
			if edit != nil {
				edit(v, &c)
			}
			view = append(view, c)
		}
		obs = append(obs, topology.Observation{Endpoint: ep, Records: view, Info: info(v)})
	}
	return obs
}

func snapshotOf(recs []types.NodeRecord, viewers []types.NodeID, edit func(viewer types.NodeID, rec *types.NodeRecord), info func(types.NodeID) *types.ClusterInfo) *topology.Snapshot {
	return topology.Merge(observedAt, observationsOf(recs, viewers, edit, info))
}

func allViewers() []types.NodeID { return []types.NodeID{m1, m2, r1, r2} }

func always(types.NodeID) *types.ClusterInfo { return okInfo() }

func up() types.Metrics {
	return types.Metrics{UsedMemoryBytes: 100, MaxMemoryBytes: 1000, LinkStatus: "up"}
}

func healthyMetrics() map[types.NodeID]types.Metrics {
	m := map[types.NodeID]types.Metrics{}
	for _, id := range allViewers() {
		m[id] = up()
	}
	return m
}

func TestEvaluateHealthy(t *testing.T) {
	snap := snapshotOf(records(), allViewers(), nil, always)
	r := Evaluate(snap, healthyMetrics(), DefaultThresholds())

	assert.Equal(t, StateOK, r.State)
	assert.True(t, r.Healthy())
	assert.Empty(t, r.Issues)
	assert.Empty(t, r.Warnings)
	assert.Equal(t, types.TotalSlots, r.SlotsOK)
	assert.Equal(t, observedAt, r.ObservedAt)
}

func TestEvaluateRules(t *testing.T) {
	tests := []struct {
		name     string
		edit     func(viewer types.NodeID, rec *types.NodeRecord)
		info     func(types.NodeID) *types.ClusterInfo
		metrics  func(m map[types.NodeID]types.Metrics)
		state    State
		severity Severity
		nodeID   types.NodeID
		category Category
	}{
		{
			name: "memory warning",
			metrics: func(m map[types.NodeID]types.Metrics) {
				m[m1] = types.Metrics{UsedMemoryBytes: 800, MaxMemoryBytes: 1000}
			},
			state: StateDegraded, severity: SeverityWarning, nodeID: m1, category: CategoryMemory,
		},
		{
			name: "memory critical",
			metrics: func(m map[types.NodeID]types.Metrics) {
				m[m2] = types.Metrics{UsedMemoryBytes: 950, MaxMemoryBytes: 1000}
			},
			state: StateFailed, severity: SeverityCritical, nodeID: m2, category: CategoryMemory,
		},
		{
			name: "replica link down",
			metrics: func(m map[types.NodeID]types.Metrics) {
				m[r1] = types.Metrics{LinkStatus: "down"}
			},
			state: StateFailed, severity: SeverityCritical, nodeID: r1, category: CategoryReplication,
		},
		{
			name: "replication lag",
			metrics: func(m map[types.NodeID]types.Metrics) {
				lag := 30
				m[r2] = types.Metrics{LinkStatus: "up", ReplicationLagSeconds: &lag}
			},
			state: StateDegraded, severity: SeverityWarning, nodeID: r2, category: CategoryReplication,
		},
		{
			name: "bgsave failed",
			metrics: func(m map[types.NodeID]types.Metrics) {
				failed := false
				m[m1] = types.Metrics{LastBgsaveOK: &failed}
			},
			state: StateDegraded, severity: SeverityWarning, nodeID: m1, category: CategoryPersistence,
		},
		{
			name: "peer reports fail?",
			edit: func(viewer types.NodeID, rec *types.NodeRecord) {
				if viewer == m1 && rec.ID == r2 {
					rec.Flags = append(rec.Flags, types.FlagPFail)
				}
			},
			state: StateDegraded, severity: SeverityWarning, nodeID: r2, category: CategoryFailure,
		},
		{
			name: "open slot",
			edit: func(viewer types.NodeID, rec *types.NodeRecord) {
				if viewer == m1 && rec.ID == m1 {
					rec.OpenSlots = []types.OpenSlot{{Slot: 5, State: types.SlotMigrating, Peer: m2}}
				}
			},
			state: StateDegraded, severity: SeverityWarning, nodeID: m1, category: CategoryMigration,
		},
		{
			name: "cluster state fail",
			info: func(id types.NodeID) *types.ClusterInfo {
				ci := okInfo()
				if id == r2 {
					ci.State = "fail"
				}
				return ci
			},
			state: StateFailed, severity: SeverityCritical, nodeID: r2, category: CategoryClusterState,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info := tt.info
			if info == nil {
				info = always
			}
			snap := snapshotOf(records(), allViewers(), tt.edit, info)
			metrics := healthyMetrics()
			if tt.metrics != nil {
				tt.metrics(metrics)
			}

			r := Evaluate(snap, metrics, DefaultThresholds())
			assert.Equal(t, tt.state, r.State)
			all := r.All()
			require.Len(t, all, 1, "issues: %v", all)
			assert.Equal(t, tt.severity, all[0].Severity)
			assert.Equal(t, tt.nodeID, all[0].NodeID)
			assert.Equal(t, tt.category, all[0].Category)
		})
	}
}

func TestEvaluateSkipsUnboundedMemory(t *testing.T) {
	snap := snapshotOf(records(), allViewers(), nil, always)
	metrics := healthyMetrics()
	metrics[m1] = types.Metrics{UsedMemoryBytes: 1 << 40, MaxMemoryBytes: 0}

	r := Evaluate(snap, metrics, DefaultThresholds())
	assert.Equal(t, StateOK, r.State)
}

func TestEvaluateUnreachableMaster(t *testing.T) {
	obs := observationsOf(records(), []types.NodeID{m2, r1, r2}, nil, always)
	obs = append(obs, topology.Observation{
		Endpoint: types.Endpoint{Host: "10.0.0.1", Port: 7000},
		Err:      errdefs.Unreachable("10.0.0.1:7000", assert.AnError),
	})
	snap := topology.Merge(observedAt, obs)
	require.True(t, snap.IsUnreachable(m1))

	metrics := healthyMetrics()
	delete(metrics, m1)
	r := Evaluate(snap, metrics, DefaultThresholds())

	assert.Equal(t, StateFailed, r.State)
	require.NotEmpty(t, r.Issues)
	assert.Equal(t, m1, r.Issues[0].NodeID)
	assert.Equal(t, CategoryReachability, r.Issues[0].Category)
}

func TestEvaluateInconsistentIsFailed(t *testing.T) {
	edit := func(viewer types.NodeID, rec *types.NodeRecord) {
		if viewer != m2 {
			return
		}
		// m2 believes it also owns slot 0
		switch rec.ID {
		case m1:
			rec.Slots.Remove(0)
		case m2:
			rec.Slots.Add(0)
		}
	}
	snap := snapshotOf(records(), allViewers(), edit, always)
	require.False(t, snap.Consistent())

	r := Evaluate(snap, healthyMetrics(), DefaultThresholds())
	assert.Equal(t, StateFailed, r.State)
	assert.False(t, r.Consistent)
	assert.Empty(t, r.Issues)
	require.Len(t, r.Warnings, 1)
	assert.Equal(t, CategoryTopology, r.Warnings[0].Category)
}

func TestEvaluateLowSlotsOK(t *testing.T) {
	info := func(types.NodeID) *types.ClusterInfo {
		ci := okInfo()
		ci.SlotsOK = types.TotalSlots - 10
		return ci
	}
	snap := snapshotOf(records(), allViewers(), nil, info)
	r := Evaluate(snap, healthyMetrics(), DefaultThresholds())
	assert.Equal(t, StateFailed, r.State)
	require.Len(t, r.Issues, 1)
	assert.Equal(t, CategoryCoverage, r.Issues[0].Category)
	assert.Equal(t, types.TotalSlots-10, r.SlotsOK)
}

func TestEvaluateOrderingAndIdempotence(t *testing.T) {
	edit := func(viewer types.NodeID, rec *types.NodeRecord) {
		if rec.ID == r2 && viewer == m1 {
			rec.Flags = append(rec.Flags, types.FlagFail)
		}
	}
	snap := snapshotOf(records(), allViewers(), edit, always)
	metrics := healthyMetrics()
	metrics[m1] = types.Metrics{UsedMemoryBytes: 850, MaxMemoryBytes: 1000}
	metrics[m2] = types.Metrics{UsedMemoryBytes: 990, MaxMemoryBytes: 1000}
	metrics[r1] = types.Metrics{LinkStatus: "down"}

	first := Evaluate(snap, metrics, DefaultThresholds())
	assert.Equal(t, StateFailed, first.State)

	var severities []Severity
	var nodes []types.NodeID
	for _, i := range first.All() {
		severities = append(severities, i.Severity)
		nodes = append(nodes, i.NodeID)
	}
	assert.Equal(t, []Severity{SeverityCritical, SeverityCritical, SeverityCritical, SeverityWarning}, severities)
	assert.Equal(t, []types.NodeID{m2, r1, r2, m1}, nodes)

	a, err := json.Marshal(first)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		b, err := json.Marshal(Evaluate(snap, metrics, DefaultThresholds()))
		require.NoError(t, err)
		require.Equal(t, string(a), string(b))
	}
}

func TestCheckListsOpenSlotsAndGaps(t *testing.T) {
	edit := func(viewer types.NodeID, rec *types.NodeRecord) {
		if rec.ID == m2 {
			rec.Slots.Remove(16383)
		}
		if viewer == m2 && rec.ID == m2 {
			rec.OpenSlots = []types.OpenSlot{{Slot: 9000, State: types.SlotImporting, Peer: m1}}
		}
	}
	snap := snapshotOf(records(), allViewers(), edit, always)
	res := NewEvaluator(DefaultThresholds()).Check(snap, healthyMetrics())

	assert.True(t, res.NeedsFix())
	require.Len(t, res.OpenSlots, 1)
	assert.Equal(t, 9000, res.OpenSlots[0].Slot)
	assert.Equal(t, types.NewSlotSet(16383), res.Gaps)
	assert.Equal(t, StateFailed, res.Report.State)
}

func TestThresholdsValidate(t *testing.T) {
	tests := []struct {
		name    string
		t       Thresholds
		wantErr bool
	}{
		{"defaults", DefaultThresholds(), false},
		{"warning above critical", Thresholds{MemoryWarning: 0.95, MemoryCritical: 0.9}, true},
		{"zero warning", Thresholds{MemoryWarning: 0, MemoryCritical: 0.9}, true},
		{"critical above one", Thresholds{MemoryWarning: 0.5, MemoryCritical: 1.5}, true},
		{"negative lag", Thresholds{MemoryWarning: 0.5, MemoryCritical: 0.9, MaxReplicationLag: -time.Second}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
