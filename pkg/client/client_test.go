package client

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/cuemby/shardctl/test/simcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startCluster(t *testing.T) *simcluster.Cluster {
	t.Helper()
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	t.Cleanup(sim.Close)
	return sim
}

func TestClientStatusCommands(t *testing.T) {
	sim := startCluster(t)
	ctx := context.Background()
	master := sim.Masters()[0]
	replica := sim.Replicas(master)[0]

	mc := New(sim.Endpoint(master), Options{Timeout: time.Second})
	defer mc.Close()
	rc := New(sim.Endpoint(replica), Options{Timeout: time.Second})
	defer rc.Close()

	assert.Equal(t, Alive, mc.Ping(ctx))

	id, err := mc.MyID(ctx)
	require.NoError(t, err)
	assert.Equal(t, master, id)

	role, err := mc.GetRole(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleMaster, role)

	info, err := rc.GetReplicationInfo(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.RoleReplica, info.Role)
	assert.True(t, info.LinkUp())
	assert.Equal(t, sim.Endpoint(master).Port, info.Master.Port)

	records, err := mc.GetClusterNodes(ctx)
	require.NoError(t, err)
	assert.Len(t, records, 6)

	var self *types.NodeRecord
	for i := range records {
		if records[i].Flags.Has(types.FlagMyself) {
			self = &records[i]
		}
	}
	require.NotNil(t, self)
	assert.Equal(t, master, self.ID)
	assert.Equal(t, sim.SlotsOf(master), self.Slots)

	ci, err := mc.GetClusterInfo(ctx)
	require.NoError(t, err)
	assert.True(t, ci.OK())
	assert.Equal(t, types.TotalSlots, ci.SlotsOK)
	assert.Equal(t, 6, ci.KnownNodes)

	m, err := mc.GetMetrics(ctx)
	require.NoError(t, err)
	assert.Greater(t, m.UsedMemoryBytes, int64(0))
}

func TestClientUnreachable(t *testing.T) {
	sim := startCluster(t)
	ctx := context.Background()
	master := sim.Masters()[0]

	c := New(sim.Endpoint(master), Options{Timeout: 300 * time.Millisecond})
	defer c.Close()
	require.Equal(t, Alive, c.Ping(ctx))

	require.NoError(t, sim.Stop(master))

	assert.Equal(t, Unreachable, c.Ping(ctx))
	_, err := c.GetClusterInfo(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsUnreachable(err), "got %v", err)
	assert.Equal(t, 5, errdefs.ExitCode(err))
}

func TestClientCommandError(t *testing.T) {
	sim := startCluster(t)
	ctx := context.Background()
	master := sim.Masters()[0]

	c := New(sim.Endpoint(master), Options{})
	defer c.Close()

	err := c.Failover(ctx, FailoverDefault)
	require.Error(t, err)
	assert.True(t, IsCommandError(err))
	assert.False(t, errdefs.IsUnreachable(err))
	assert.Contains(t, err.Error(), "CLUSTER FAILOVER")

	err = c.SetSlot(ctx, sim.SlotsOf(master).Slots()[0], SlotImporting, sim.Masters()[1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already the owner")
}

func TestClientCanceledContext(t *testing.T) {
	sim := startCluster(t)
	c := New(sim.Endpoints()[0], Options{})
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetClusterInfo(ctx)
	require.Error(t, err)
	assert.Equal(t, errdefs.KindCanceled, errdefs.KindOf(err))
}

func TestClientSlotCommands(t *testing.T) {
	sim := startCluster(t)
	ctx := context.Background()
	masters := sim.Masters()
	src, dst := masters[0], masters[1]

	slot := sim.SlotsOf(src).Slots()[0]

	sc := New(sim.Endpoint(src), Options{})
	defer sc.Close()
	dc := New(sim.Endpoint(dst), Options{})
	defer dc.Close()

	require.NoError(t, dc.SetSlot(ctx, slot, SlotImporting, src))
	require.NoError(t, sc.SetSlot(ctx, slot, SlotMigrating, dst))

	records, err := sc.GetClusterNodes(ctx)
	require.NoError(t, err)
	for _, r := range records {
		if r.ID == src {
			assert.Equal(t, []types.OpenSlot{{Slot: slot, State: types.SlotMigrating, Peer: dst}}, r.OpenSlots)
		}
	}

	n, err := sc.CountKeysInSlot(ctx, slot)
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	require.NoError(t, dc.SetSlot(ctx, slot, SlotNode, dst))
	require.NoError(t, sc.SetSlot(ctx, slot, SlotNode, dst))
	assert.Equal(t, dst, sim.Owner(slot))

	before, err := sc.LastSave(ctx)
	require.NoError(t, err)
	require.NoError(t, sc.BGSave(ctx))
	after, err := sc.LastSave(ctx)
	require.NoError(t, err)
	assert.True(t, after.After(before))
}

func TestPoolReusesClients(t *testing.T) {
	p := NewPool(Options{})
	defer p.Close()

	a := p.Dial(types.Endpoint{Host: "127.0.0.1", Port: 7000, BusPort: 17000})
	b := p.Dial(types.Endpoint{Host: "127.0.0.1", Port: 7000})
	c := p.Dial(types.Endpoint{Host: "127.0.0.1", Port: 7001})

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, 7001, c.Endpoint().Port)
}
