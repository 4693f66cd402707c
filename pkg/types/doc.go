/*
Package types defines the data model shared by every shardctl package.

The model mirrors what a store node reports about the cluster:

  - NodeID: store-assigned identity, stable across restarts
  - Endpoint: host, port and cluster-bus port; may change on redeploy
  - NodeRecord: one node as seen in a topology view (role, link state,
    replica-of, owned slots, flags, config epoch, open slots)
  - SlotRange / SlotSet: slot ownership, the unit of sharding and migration
  - ClusterInfo, ReplicationInfo, Metrics: decoded status replies

SlotSet is a fixed-size bitmap over the TotalSlots slot space. It is a value
type, so snapshots that embed it can be shared between goroutines without
copying or locking.

# Serialization

All types carry json and yaml tags. SlotSet encodes as a list of range
strings ("0-8191", "9000") so that reports stay readable:

	{"id":"07c37dfe...","role":"master","slots":["0-5460"]}
*/
package types
