/*
Package topology builds point-in-time views of the cluster from the node
tables its members report.

A Builder polls every endpoint concurrently through the node client, one
CLUSTER NODES and one CLUSTER INFO per node, and hands the observations to
Merge. Merge is pure: given the same observations it always produces the
same Snapshot.

# Merging views

Every node reports the whole cluster from its own point of view. The
record a node reports about itself (flagged myself) is preferred over what
its peers say about it; fail and fail? flags are the union of what peers
report. Endpoints that were polled but did not answer are matched to known
nodes by address and marked unreachable.

Slot ownership is compared across the views of reachable masters:

	viewer A: 0-5460 -> A   5461-10922 -> B   10923-16383 -> C
	viewer B: 0-5460 -> A   5461-10922 -> B   10923-16383 -> C
	viewer C: 0-5460 -> A   5461-10922 -> C   10923-16383 -> C   <- conflict

When viewers disagree the snapshot is marked inconsistent and each
disagreement is recorded as a Conflict. The claimed owner with the strictly
highest config epoch wins; a tie leaves the slots without an owner. A node
known to some masters and not to others is recorded as a MembershipConflict
and also makes the snapshot inconsistent.

A Snapshot never changes after it is built. Operations that need fresh
state call Builder.Refresh.
*/
package topology
