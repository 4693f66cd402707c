/*
Package orchestrator runs the multi-step operations of the control plane:
failover, slot migration (reshard, rebalance, completing or aborting an open
slot), node join and leave, repair and backup.

Every operation follows the same shape:

	snapshot -> validate -> lock targets -> step ... step -> verify -> release

Validation happens against a fresh topology snapshot and fails with a
precondition error before anything is locked or sent. Targets are locked in
the shared lock table for the whole operation; a second operation on a locked
node fails at once with a conflict error instead of waiting.

Steps run strictly in order. The context is checked before each step, never
during one, so a command that was sent is always allowed to finish. Waiting
for the cluster to converge (promotion, node visibility, slot ownership)
uses the retry policy and ends in a timeout error when the deadline elapses.

A slot migration moves one slot at a time:

	dst: SETSLOT IMPORTING src
	src: SETSLOT MIGRATING dst
	src: GETKEYSINSLOT / MIGRATE ... until empty
	dst, src, other masters: SETSLOT NODE dst

A slot that fails before any key moved is rolled back to stable. A slot that
already moved keys is left open and reported as pending in a
PartialFailureError, for 'check' and 'fix' (or CompleteSlot and AbortSlot)
to resolve.

Plans live only as long as the operation; they are returned to the caller and
published as events but never persisted.
*/
package orchestrator
