package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// AddNodeOptions selects the role of a joining node
type AddNodeOptions struct {
	// Replica joins the node as a replica
	Replica bool
	// Master is the master to replicate. When empty the master with the
	// fewest replicas is chosen.
	Master types.NodeID
}

// AddNode introduces an empty node at ep to the cluster, as an empty master
// or as a replica
func (o *Orchestrator) AddNode(ctx context.Context, ep types.Endpoint, opts AddNodeOptions) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(KindAddNode), "plan")
	}
	node := o.dialer.Dial(ep)
	id, seed, master, err := o.validateJoin(ctx, snap, node, opts)
	if err != nil {
		return nil, errdefs.WithStep(err, string(KindAddNode), "plan")
	}

	role := "master"
	if opts.Replica {
		role = "replica"
	}
	op, err := o.begin(KindAddNode, []types.NodeID{id, master}, map[string]string{
		"endpoint": ep.Addr(),
		"node_id":  string(id),
		"role":     role,
		"master":   string(master),
	})
	if err != nil {
		return nil, err
	}
	op.plan.AddStep("meet")
	op.plan.AddStep("join")
	if opts.Replica {
		op.plan.AddStep("replicate")
		op.plan.AddStep("verify")
	}
	return op.plan, op.finish(o.runJoin(ctx, op, node, id, seed, master))
}

func (o *Orchestrator) validateJoin(ctx context.Context, snap *topology.Snapshot, node client.Node, opts AddNodeOptions) (types.NodeID, types.NodeRecord, types.NodeID, error) {
	var seed types.NodeRecord
	id, err := node.MyID(ctx)
	if err != nil {
		return "", seed, "", errdefs.Precondition("new node %s is unreachable: %v", node.Endpoint().Addr(), err)
	}
	if _, ok := snap.Node(id); ok {
		return "", seed, "", errdefs.Precondition("node %s is already a member of the cluster", id.Short())
	}
	records, err := node.GetClusterNodes(ctx)
	if err != nil {
		return "", seed, "", errdefs.Precondition("read node table of %s: %v", id.Short(), err)
	}
	for _, r := range records {
		if r.ID != id {
			return "", seed, "", errdefs.Precondition("node %s already knows other nodes", id.Short())
		}
		if !r.Slots.Empty() {
			return "", seed, "", errdefs.Precondition("node %s already has slots assigned", id.Short())
		}
	}

	found := false
	for _, m := range snap.Masters() {
		if !snap.IsUnreachable(m.ID) {
			seed, found = m, true
			break
		}
	}
	if !found {
		return "", seed, "", errdefs.Precondition("no reachable master to join through")
	}
	if !opts.Replica {
		return id, seed, "", nil
	}

	master := opts.Master
	if master == "" {
		best := -1
		for _, m := range snap.Masters() {
			if snap.IsUnreachable(m.ID) {
				continue
			}
			if n := len(snap.ReplicasOf(m.ID)); best < 0 || n < best {
				master, best = m.ID, n
			}
		}
	}
	rec, ok := snap.Node(master)
	if !ok || !rec.IsMaster() {
		return "", seed, "", errdefs.Precondition("%q is not a master", master)
	}
	if snap.IsUnreachable(master) {
		return "", seed, "", errdefs.Precondition("master %s is unreachable", master.Short())
	}
	return id, seed, master, nil
}

func (o *Orchestrator) runJoin(ctx context.Context, op *operation, node client.Node, id types.NodeID, seed types.NodeRecord, master types.NodeID) error {
	policy := o.opts.Policy.WithDeadline(o.opts.RejoinDeadline)
	seedNode := o.dialer.Dial(seed.Endpoint)

	if err := op.step(ctx, "meet", func(ctx context.Context) error {
		return node.Meet(ctx, seed.Endpoint)
	}); err != nil {
		return err
	}

	if err := op.step(ctx, "join", func(ctx context.Context) error {
		return policy.WaitFor(ctx, fmt.Sprintf("%s visible to %s", id.Short(), seed.ID.Short()), func(ctx context.Context) (bool, error) {
			records, err := seedNode.GetClusterNodes(ctx)
			if err != nil {
				return false, err
			}
			for _, r := range records {
				if r.ID == id && !r.Flags.Has(types.FlagHandshake) {
					return true, nil
				}
			}
			return false, nil
		})
	}); err != nil {
		return err
	}

	if master == "" {
		return nil
	}

	if err := op.step(ctx, "replicate", func(ctx context.Context) error {
		// The new node may not have learned the master yet
		return policy.WaitFor(ctx, fmt.Sprintf("%s accepted as replica of %s", id.Short(), master.Short()), func(ctx context.Context) (bool, error) {
			err := node.Replicate(ctx, master)
			return err == nil, err
		})
	}); err != nil {
		return err
	}

	return op.step(ctx, "verify", func(ctx context.Context) error {
		return policy.WaitFor(ctx, fmt.Sprintf("%s replicating", id.Short()), func(ctx context.Context) (bool, error) {
			role, err := node.GetRole(ctx)
			return role == types.RoleReplica, err
		})
	})
}

// DelNode removes a node from the cluster: every other node forgets it and
// the node is shut down. A master must own no slots and have no replicas.
func (o *Orchestrator) DelNode(ctx context.Context, id types.NodeID) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(KindDelNode), "plan")
	}
	rec, ok := snap.Node(id)
	if !ok {
		return nil, errdefs.WithStep(errdefs.Precondition("unknown node %s", id), string(KindDelNode), "plan")
	}
	if rec.IsMaster() {
		if len(snap.Masters()) == 1 {
			return nil, errdefs.WithStep(errdefs.Precondition("node %s is the only master", id.Short()),
				string(KindDelNode), "plan")
		}
		if n := snap.SlotsOf(id).Len(); n > 0 {
			return nil, errdefs.WithStep(
				errdefs.Precondition("master %s still owns %d slots; reshard them away first", id.Short(), n),
				string(KindDelNode), "plan")
		}
		if n := len(snap.ReplicasOf(id)); n > 0 {
			return nil, errdefs.WithStep(
				errdefs.Precondition("master %s still has %d replicas", id.Short(), n),
				string(KindDelNode), "plan")
		}
	}

	op, err := o.begin(KindDelNode, []types.NodeID{id}, map[string]string{
		"node_id":  string(id),
		"endpoint": rec.Endpoint.Addr(),
	})
	if err != nil {
		return nil, err
	}
	op.plan.AddStep("forget")
	op.plan.AddStep("shutdown")
	op.plan.AddStep("verify")
	return op.plan, op.finish(o.runLeave(ctx, op, snap, rec))
}

func (o *Orchestrator) runLeave(ctx context.Context, op *operation, snap *topology.Snapshot, rec types.NodeRecord) error {
	if err := op.step(ctx, "forget", func(ctx context.Context) error {
		for _, n := range snap.Nodes() {
			if n.ID == rec.ID || snap.IsUnreachable(n.ID) {
				continue
			}
			err := o.dialer.Dial(n.Endpoint).Forget(ctx, rec.ID)
			if err != nil && !(client.IsCommandError(err) && strings.Contains(err.Error(), "Unknown node")) {
				return fmt.Errorf("forget on %s: %w", n.ID.Short(), err)
			}
		}
		return nil
	}); err != nil {
		return err
	}

	if err := op.step(ctx, "shutdown", func(ctx context.Context) error {
		if snap.IsUnreachable(rec.ID) {
			return nil
		}
		// The connection drops while the node exits
		if err := o.dialer.Dial(rec.Endpoint).Shutdown(ctx, false); err != nil && !errdefs.IsUnreachable(err) {
			op.logger.Debug().Err(err).Msg("Shutdown reply")
		}
		return nil
	}); err != nil {
		return err
	}

	return op.step(ctx, "verify", func(ctx context.Context) error {
		policy := o.opts.Policy.WithDeadline(o.opts.RejoinDeadline)
		return policy.WaitFor(ctx, fmt.Sprintf("%s forgotten", rec.ID.Short()), func(ctx context.Context) (bool, error) {
			fresh, err := o.poller.Refresh(ctx, snap)
			if fresh == nil {
				return false, err
			}
			_, known := fresh.Node(rec.ID)
			return !known, nil
		})
	})
}
