package resp

import (
	"testing"

	"github.com/cuemby/shardctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterNodesReply = `07c37dfeb235213a872192d90877d0cd55635b91 127.0.0.1:30004@31004 slave e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 0 1426238317239 4 connected
67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 127.0.0.1:30002@31002 master - 0 1426238316232 2 connected 5461-10922
292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 127.0.0.1:30003@31003 master - 0 1426238318243 3 connected 10923-16383
6ec23923021cf3ffec47632106199cb7f496ce01 127.0.0.1:30005@31005 slave 67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1 0 1426238316232 5 connected
824fe116063bc5fcf9f4ffd895bc17aee7731ac3 127.0.0.1:30006@31006 slave,fail? 292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f 0 1426238317741 6 disconnected
e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca 127.0.0.1:30001@31001 myself,master - 0 0 1 connected 0-5460 [93->-292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f] [77-<-67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1]
`

func TestParseClusterNodes(t *testing.T) {
	records, err := ParseClusterNodes(clusterNodesReply)
	require.NoError(t, err)
	require.Len(t, records, 6)

	replica := records[0]
	assert.Equal(t, types.RoleReplica, replica.Role)
	assert.Equal(t, types.NodeID("e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca"), replica.ReplicaOf)
	assert.Equal(t, types.Endpoint{Host: "127.0.0.1", Port: 30004, BusPort: 31004}, replica.Endpoint)
	assert.True(t, replica.Slots.Empty())

	failing := records[4]
	assert.True(t, failing.Flags.Has(types.FlagPFail))
	assert.Equal(t, types.LinkDisconnected, failing.LinkState)

	self := records[5]
	assert.True(t, self.Flags.Has(types.FlagMyself))
	assert.Equal(t, types.RoleMaster, self.Role)
	assert.Equal(t, uint64(1), self.ConfigEpoch)
	assert.Equal(t, 5461, self.Slots.Len())
	assert.Equal(t, []types.OpenSlot{
		{Slot: 93, State: types.SlotMigrating, Peer: "292f8b365bb7edb5e285caf0b7e6ddc7265d2f4f"},
		{Slot: 77, State: types.SlotImporting, Peer: "67ed2db8d677e59ec4a4cefb06858cf2a1a89fa1"},
	}, self.OpenSlots)
}

func TestParseClusterNodesMalformed(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "too few fields", input: "abc 127.0.0.1:7000@17000 master -\n"},
		{name: "bad epoch", input: "abc 127.0.0.1:7000@17000 master - 0 0 x connected\n"},
		{name: "bad link state", input: "abc 127.0.0.1:7000@17000 master - 0 0 1 sideways\n"},
		{name: "bad slot", input: "abc 127.0.0.1:7000@17000 master - 0 0 1 connected 0-99999\n"},
		{name: "bad open slot", input: "abc 127.0.0.1:7000@17000 master - 0 0 1 connected [12]\n"},
		{name: "unknown flag", input: "abc 127.0.0.1:7000@17000 wizard - 0 0 1 connected\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseClusterNodes(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestFormatClusterNodesRoundTrip(t *testing.T) {
	records, err := ParseClusterNodes(clusterNodesReply)
	require.NoError(t, err)

	again, err := ParseClusterNodes(FormatClusterNodes(records, "e7d1eecce10fd6bb5eb35b9f99a514335d9ba9ca"))
	require.NoError(t, err)
	require.Len(t, again, len(records))
	for i := range records {
		assert.Equal(t, records[i].ID, again[i].ID)
		assert.Equal(t, records[i].Role, again[i].Role)
		assert.Equal(t, records[i].Slots, again[i].Slots)
		assert.Equal(t, records[i].OpenSlots, again[i].OpenSlots)
	}
}

func TestParseClusterInfo(t *testing.T) {
	reply := "cluster_state:ok\r\ncluster_slots_assigned:16384\r\ncluster_slots_ok:16384\r\ncluster_slots_pfail:0\r\n" +
		"cluster_slots_fail:0\r\ncluster_known_nodes:6\r\ncluster_size:3\r\ncluster_current_epoch:6\r\ncluster_my_epoch:2\r\n"

	info, err := ParseClusterInfo(reply)
	require.NoError(t, err)
	assert.True(t, info.OK())
	assert.Equal(t, 16384, info.SlotsOK)
	assert.Equal(t, 6, info.KnownNodes)
	assert.Equal(t, uint64(6), info.CurrentEpoch)

	_, err = ParseClusterInfo("cluster_slots_ok:1\r\n")
	assert.Error(t, err)

	_, err = ParseClusterInfo("cluster_state:ok\r\ncluster_slots_assigned:x\r\n")
	assert.Error(t, err)
}

func TestParseReplicationInfo(t *testing.T) {
	replica := "# Replication\r\nrole:slave\r\nmaster_host:10.0.0.1\r\nmaster_port:7000\r\n" +
		"master_link_status:up\r\nmaster_last_io_seconds_ago:2\r\nslave_repl_offset:1234\r\nconnected_slaves:0\r\n"

	info, err := ParseReplicationInfo(replica)
	require.NoError(t, err)
	assert.Equal(t, types.RoleReplica, info.Role)
	assert.Equal(t, types.Endpoint{Host: "10.0.0.1", Port: 7000}, info.Master)
	assert.True(t, info.LinkUp())
	assert.Equal(t, 2, info.LastIOSecondsAgo)
	assert.Equal(t, int64(1234), info.Offset)

	master, err := ParseReplicationInfo("role:master\r\nconnected_slaves:1\r\nmaster_repl_offset:99\r\n")
	require.NoError(t, err)
	assert.Equal(t, types.RoleMaster, master.Role)
	assert.Equal(t, 1, master.ConnectedReplicas)

	_, err = ParseReplicationInfo("connected_slaves:1\r\n")
	assert.Error(t, err)

	_, err = ParseReplicationInfo("role:slave\r\nmaster_host:x\r\n")
	assert.Error(t, err, "replica without link status")
}

func TestParseMetrics(t *testing.T) {
	reply := "# Memory\r\nused_memory:800\r\nmaxmemory:1000\r\n# Clients\r\nconnected_clients:7\r\n" +
		"# Stats\r\ninstantaneous_ops_per_sec:120\r\n# Persistence\r\nrdb_last_save_time:1700000000\r\n" +
		"rdb_last_bgsave_status:ok\r\naof_enabled:1\r\n# Replication\r\nrole:slave\r\nmaster_link_status:up\r\n" +
		"master_last_io_seconds_ago:3\r\n"

	m, err := ParseMetrics(reply)
	require.NoError(t, err)
	assert.Equal(t, int64(800), m.UsedMemoryBytes)
	assert.InDelta(t, 0.8, m.MemoryRatio(), 0.0001)
	assert.Equal(t, 7, m.ConnectedClients)
	assert.Equal(t, int64(120), m.OpsPerSecond)
	require.NotNil(t, m.ReplicationLagSeconds)
	assert.Equal(t, 3, *m.ReplicationLagSeconds)
	require.NotNil(t, m.AOFEnabled)
	assert.True(t, *m.AOFEnabled)
	require.NotNil(t, m.LastSaveTimestamp)
	assert.Equal(t, int64(1700000000), m.LastSaveTimestamp.Unix())

	_, err = ParseMetrics("maxmemory:0\r\n")
	assert.Error(t, err)
}
