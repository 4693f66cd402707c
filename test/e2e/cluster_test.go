package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/chaos"
	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/keyspace"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/cuemby/shardctl/test/simcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// env is a simulated cluster with an orchestrator and a chaos harness
// pointed at it
type env struct {
	sim     *simcluster.Cluster
	orch    *orchestrator.Orchestrator
	harness *chaos.Harness
	opener  keyspace.Opener
}

func newEnv(t *testing.T, opts simcluster.Options) *env {
	t.Helper()
	sim, err := simcluster.Start(opts)
	require.NoError(t, err)
	t.Cleanup(sim.Close)

	pool := client.NewPool(client.Options{Timeout: time.Second})
	t.Cleanup(func() { _ = pool.Close() })

	orch := orchestrator.New(pool, topology.NewBuilder(pool, topology.Options{Discover: true}), orchestrator.Options{
		Endpoints:      sim.Endpoints(),
		Policy:         retry.NewPolicy(20*time.Millisecond, 5*time.Second),
		RejoinDeadline: 5 * time.Second,
		BatchSize:      50,
	})
	opener := keyspace.ClusterOpener(sim.Addrs(), "", time.Second)
	return &env{
		sim:  sim,
		orch: orch,
		harness: chaos.New(chaos.Options{
			Orchestrator: orch,
			Injector:     sim,
			Opener:       opener,
			Interval:     50 * time.Millisecond,
		}),
		opener: opener,
	}
}

func (e *env) totalKeys() int {
	n := 0
	for _, id := range e.sim.IDs() {
		n += e.sim.KeyCount(id)
	}
	return n
}

func requirePassed(t *testing.T, res *chaos.Result) {
	t.Helper()
	for _, f := range res.Failures {
		t.Logf("assertion failed: %s", f)
	}
	require.True(t, res.Passed, "scenario %s failed", res.Scenario)
}

// TestMasterDownKeepsData stops a master holding test keys and expects its
// replica to take over without losing any of them
func TestMasterDownKeepsData(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping master-down test in short mode")
	}

	e := newEnv(t, simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	ctx := context.Background()

	replicas := make(map[types.NodeID][]types.NodeID)
	for _, m := range e.sim.Masters() {
		replicas[m] = e.sim.Replicas(m)
	}

	res, err := e.harness.Run(ctx, chaos.Params{
		Scenario:        chaos.ScenarioMasterDown,
		Keys:            50,
		ObserveDeadline: 10 * time.Second,
		RecoverDeadline: 15 * time.Second,
	})
	require.NoError(t, err)
	requirePassed(t, res)

	t.Run("TopologyRestored", func(t *testing.T) {
		for _, id := range e.sim.IDs() {
			assert.True(t, e.sim.Running(id), "node %s not running", id.Short())
		}
		check, _, err := e.orch.Check(ctx)
		require.NoError(t, err)
		assert.False(t, check.NeedsFix())
		assert.Equal(t, types.TotalSlots, check.Report.SlotsOK)
	})

	t.Run("OldMasterIsReplica", func(t *testing.T) {
		target := types.NodeID(res.Target)
		require.Contains(t, replicas, target)
		assert.Equal(t, types.RoleReplica, e.sim.Role(target))
		promoted := e.sim.MasterOf(target)
		assert.Contains(t, replicas[target], promoted)
		assert.Equal(t, types.RoleMaster, e.sim.Role(promoted))
	})

	t.Run("TestKeysRemoved", func(t *testing.T) {
		assert.Zero(t, e.totalKeys())
	})
}

// TestReshardThousandSlots moves 1000 slots between two masters that split
// the slot space evenly and checks the resulting layout and the data
func TestReshardThousandSlots(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping reshard test in short mode")
	}

	e := newEnv(t, simcluster.Options{Masters: 2})
	ctx := context.Background()

	masters := e.sim.Masters()
	require.Len(t, masters, 2)
	src, dst := masters[0], masters[1]
	require.True(t, e.sim.SlotsOf(src).Has(0))
	require.Equal(t, 8192, e.sim.SlotsOf(src).Len())

	ks := keyspace.New(e.opener, "e2e-reshard")
	data, err := ks.Seed(ctx, 500)
	require.NoError(t, err)

	plan, err := e.orch.Reshard(ctx, src, dst, 1000)
	require.NoError(t, err)
	assert.Equal(t, orchestrator.StatusSucceeded, plan.Status)

	t.Run("Layout", func(t *testing.T) {
		srcSlots := e.sim.SlotsOf(src)
		dstSlots := e.sim.SlotsOf(dst)
		assert.Equal(t, 7192, srcSlots.Len())
		assert.Equal(t, 9192, dstSlots.Len())
		assert.Equal(t, []types.SlotRange{{Start: 0, End: 7191}}, srcSlots.Ranges())
		assert.Equal(t, []types.SlotRange{{Start: 7192, End: 16383}}, dstSlots.Ranges())
	})

	t.Run("NoOpenSlots", func(t *testing.T) {
		snap, err := e.orch.Snapshot(ctx)
		require.NoError(t, err)
		assert.Empty(t, snap.Transitional())
		assert.True(t, snap.Consistent())
		assert.True(t, snap.Gaps().Empty())
	})

	t.Run("DataIntact", func(t *testing.T) {
		v, err := ks.Verify(ctx, data)
		require.NoError(t, err)
		assert.Equal(t, len(data), v.Checked)
		assert.True(t, v.OK(), "mismatches: %v", v.Mismatches)
	})

	_, err = ks.Delete(ctx, data)
	require.NoError(t, err)
}

// TestConflictingOperationRejected runs a second reshard against a node
// that a running reshard holds and expects a conflict
func TestConflictingOperationRejected(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping conflicting operation test in short mode")
	}

	e := newEnv(t, simcluster.Options{Masters: 2})
	ctx := context.Background()

	before := map[types.NodeID]int{}
	for _, id := range e.sim.Masters() {
		before[id] = e.sim.SlotsOf(id).Len()
	}

	res, err := e.harness.Run(ctx, chaos.Params{
		Scenario:        chaos.ScenarioConflictingOperation,
		Keys:            100,
		ObserveDeadline: 30 * time.Second,
		RecoverDeadline: 30 * time.Second,
	})
	require.NoError(t, err)
	requirePassed(t, res)

	// Recovery moves the slots back
	for id, n := range before {
		assert.Equal(t, n, e.sim.SlotsOf(id).Len(), "slot count of %s", id.Short())
	}
	assert.Empty(t, e.orch.Locks().Held())
	assert.Zero(t, e.totalKeys())
}
