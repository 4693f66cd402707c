/*
Package simcluster runs a sharded, replicated store cluster in-process for
tests. Each node is a redcon server on its own loopback port and speaks enough
of the store protocol for the node client, the topology builder, the
orchestrators and go-redis' cluster client:

	PING INFO GET SET DEL EXISTS DBSIZE ASKING MIGRATE BGSAVE LASTSAVE
	SHUTDOWN DEBUG SLEEP
	CLUSTER NODES|INFO|SLOTS|MYID|MEET|FORGET|REPLICATE|FAILOVER|SETSLOT|
	        ADDSLOTS|COUNTKEYSINSLOT|GETKEYSINSLOT

The cluster keeps one authoritative slot owner table plus per-node
migrating/importing markers. SetSlotView lets a test make one node disagree
with the others. Writes on a master are copied to its running replicas
synchronously.

Failure handling follows the store's observable behaviour closely enough for
failover tests:

  - a stopped node is flagged fail? by its peers at once and fail after
    Options.FailAfter
  - a master stopped for Options.PromoteAfter is replaced by its first running
    replica, which takes over its slots with a bumped config epoch
  - a restarted master that was replaced rejoins as a replica of its successor
  - a paused node (DEBUG SLEEP or Pause) is flagged like a stopped one but is
    never replaced

Typical use:

	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	snap, err := topology.NewBuilder(pool, opts).BuildSnapshot(ctx, sim.Endpoints())
*/
package simcluster
