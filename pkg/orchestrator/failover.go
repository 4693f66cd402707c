package orchestrator

import (
	"context"
	"fmt"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// Failover states, in order
const (
	FailoverInit              = "init"
	FailoverValidated         = "validated"
	FailoverRequested         = "requested"
	FailoverAwaitingPromotion = "awaiting_promotion"
	FailoverVerified          = "verified"
)

// Failover promotes the replica at target to master and verifies that it
// took over exactly the slots its master owned. The replica and its master
// are locked for the whole operation. The FAILOVER command is issued once;
// promotion is then polled until the policy deadline.
func (o *Orchestrator) Failover(ctx context.Context, target types.Endpoint, mode client.FailoverMode) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(KindFailover), FailoverInit)
	}
	rec, ok := snap.NodeByEndpoint(target)
	if !ok {
		return nil, errdefs.WithStep(
			errdefs.Precondition("no cluster node is known at %s", target.Addr()),
			string(KindFailover), FailoverInit)
	}

	op, err := o.begin(KindFailover, []types.NodeID{rec.ID, rec.ReplicaOf}, map[string]string{
		"endpoint": target.Addr(),
		"mode":     failoverModeName(mode),
	})
	if err != nil {
		return nil, err
	}
	for _, name := range []string{FailoverInit, FailoverValidated, FailoverRequested, FailoverAwaitingPromotion, FailoverVerified} {
		op.plan.AddStep(name)
	}
	return op.plan, op.finish(o.runFailover(ctx, op, snap, rec, mode))
}

func failoverModeName(mode client.FailoverMode) string {
	if mode == client.FailoverDefault {
		return "default"
	}
	return string(mode)
}

func (o *Orchestrator) runFailover(ctx context.Context, op *operation, snap *topology.Snapshot, rec types.NodeRecord, mode client.FailoverMode) error {
	node := o.dialer.Dial(rec.Endpoint)

	var (
		info    types.ReplicationInfo
		infoErr error
	)
	if err := op.step(ctx, FailoverInit, func(ctx context.Context) error {
		info, infoErr = node.GetReplicationInfo(ctx)
		return nil
	}); err != nil {
		return err
	}

	if err := op.step(ctx, FailoverValidated, func(ctx context.Context) error {
		if infoErr != nil {
			return errdefs.Precondition("replica %s is unreachable: %v", rec.ID.Short(), infoErr)
		}
		if info.Role != types.RoleReplica {
			return errdefs.Precondition("node %s is a %s, not a replica", rec.ID.Short(), info.Role)
		}
		if rec.ReplicaOf == "" {
			return errdefs.Precondition("replica %s has no known master", rec.ID.Short())
		}
		if mode == client.FailoverDefault && snap.IsUnreachable(rec.ReplicaOf) {
			return errdefs.Precondition("master %s is unreachable; a coordinated failover needs it, use force or takeover",
				rec.ReplicaOf.Short())
		}
		return nil
	}); err != nil {
		return err
	}

	prior := snap.SlotsOf(rec.ReplicaOf)
	op.plan.setParam("master", string(rec.ReplicaOf))
	op.plan.setParam("slots", prior.String())

	if err := op.step(ctx, FailoverRequested, func(ctx context.Context) error {
		return node.Failover(ctx, mode)
	}); err != nil {
		return err
	}

	if err := op.step(ctx, FailoverAwaitingPromotion, func(ctx context.Context) error {
		return o.opts.Policy.WaitFor(ctx, fmt.Sprintf("promotion of %s", rec.ID.Short()), func(ctx context.Context) (bool, error) {
			role, err := node.GetRole(ctx)
			return role == types.RoleMaster, err
		})
	}); err != nil {
		return err
	}

	return op.step(ctx, FailoverVerified, func(ctx context.Context) error {
		return o.verifyTakeover(ctx, snap, rec.ID, prior)
	})
}

// verifyTakeover waits until a fresh snapshot shows id owning exactly the
// slots in want. Slots left migrating or importing are reported as an
// inconsistency rather than a timeout.
func (o *Orchestrator) verifyTakeover(ctx context.Context, old *topology.Snapshot, id types.NodeID, want types.SlotSet) error {
	var (
		open types.SlotSet
		last types.SlotSet
	)
	err := o.opts.Policy.WaitFor(ctx, fmt.Sprintf("slot takeover by %s", id.Short()), func(ctx context.Context) (bool, error) {
		snap, err := o.poller.Refresh(ctx, old)
		if snap == nil {
			return false, err
		}
		open = types.SlotSet{}
		for _, t := range snap.Transitional() {
			if want.Has(t.Slot) {
				open.Add(t.Slot)
			}
		}
		last = snap.SlotsOf(id)
		return open.Empty() && last == want, nil
	})
	if err == nil {
		return nil
	}
	if !open.Empty() {
		return errdefs.Inconsistent("slots %s of %s are still in a transitional state", open.String(), id.Short())
	}
	if errdefs.IsTimeout(err) {
		missing := want.Difference(last)
		extra := last.Difference(want)
		return errdefs.Inconsistent("%s does not own the expected slots (missing: [%s], unexpected: [%s])",
			id.Short(), missing.String(), extra.String())
	}
	return err
}
