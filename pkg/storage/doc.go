/*
Package storage keeps the local diagnostic catalog of shardctl in a bbolt
file (<data_dir>/shardctl.db).

The catalog holds two buckets:

	snapshots   environment           -> SnapshotRecord (JSON)
	backups     nodeID/startedAt(UTC) -> BackupRecord (JSON)

The last snapshot of an environment is written after every status, check
and operation, so that a failed command can still show the topology it last
saw. Backup records are appended by the backup operation, one per node and
run; the key layout makes a cursor seek on "nodeID/" return a node's
backups oldest first.

The catalog is not a history of operations. Plans live only as long as the
orchestrator executing them.
*/
package storage
