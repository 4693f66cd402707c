package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// openSlot is a slot left between a migrating source and an importing
// destination
type openSlot struct {
	slot      int
	src       types.NodeRecord
	dst       types.NodeRecord
	migrating bool
	importing bool
}

func findOpenSlot(snap *topology.Snapshot, slot int) (openSlot, error) {
	mig := openSlot{slot: slot}
	var srcID, dstID types.NodeID
	set := func(cur *types.NodeID, id types.NodeID) error {
		if *cur != "" && *cur != id {
			return errdefs.Precondition("slot %d is open between more than two nodes", slot)
		}
		*cur = id
		return nil
	}
	for _, t := range snap.Transitional() {
		if t.Slot != slot {
			continue
		}
		var err error
		switch t.State {
		case types.SlotMigrating:
			mig.migrating = true
			if err = set(&srcID, t.NodeID); err == nil {
				err = set(&dstID, t.Peer)
			}
		case types.SlotImporting:
			mig.importing = true
			if err = set(&dstID, t.NodeID); err == nil {
				err = set(&srcID, t.Peer)
			}
		}
		if err != nil {
			return mig, err
		}
	}
	if srcID == "" || dstID == "" {
		return mig, errdefs.Precondition("slot %d is not open", slot)
	}

	var ok bool
	if mig.src, ok = snap.Node(srcID); !ok {
		return mig, errdefs.Precondition("slot %d refers to unknown node %s", slot, srcID)
	}
	if mig.dst, ok = snap.Node(dstID); !ok {
		return mig, errdefs.Precondition("slot %d refers to unknown node %s", slot, dstID)
	}
	return mig, nil
}

func (s openSlot) targets() []types.NodeID {
	return []types.NodeID{s.src.ID, s.dst.ID}
}

// CompleteSlot finishes an interrupted migration: the remaining keys move to
// the importing node, which then becomes the owner
func (o *Orchestrator) CompleteSlot(ctx context.Context, slot int) (*Plan, error) {
	return o.resolveSlot(ctx, KindComplete, slot)
}

// AbortSlot rolls an interrupted migration back: keys already imported move
// back to the source and both ends return to stable
func (o *Orchestrator) AbortSlot(ctx context.Context, slot int) (*Plan, error) {
	return o.resolveSlot(ctx, KindAbort, slot)
}

func (o *Orchestrator) resolveSlot(ctx context.Context, kind Kind, slot int) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(kind), "plan")
	}
	mig, err := findOpenSlot(snap, slot)
	if err == nil {
		if kind == KindComplete {
			err = checkCompletable(snap, mig)
		} else {
			err = checkAbortable(snap, mig)
		}
	}
	if err != nil {
		return nil, errdefs.WithStep(err, string(kind), "plan")
	}

	op, err := o.begin(kind, mig.targets(), map[string]string{
		"slot": strconv.Itoa(slot),
		"from": string(mig.src.ID),
		"to":   string(mig.dst.ID),
	})
	if err != nil {
		return nil, err
	}
	name := string(kind) + " " + strconv.Itoa(slot)
	op.plan.AddStep(name)
	op.plan.AddStep("verify")

	owner := mig.src.ID
	err = op.step(ctx, name, func(ctx context.Context) error {
		if kind == KindComplete {
			owner = mig.dst.ID
			_, err := o.completeSlot(ctx, snap, mig)
			return err
		}
		return o.abortSlot(ctx, mig)
	})
	if err == nil {
		result := "completed"
		if kind == KindAbort {
			result = "aborted"
		}
		metrics.SlotsMigrated.WithLabelValues(result).Inc()
		err = op.step(ctx, "verify", func(ctx context.Context) error {
			return o.verifyOwners(ctx, snap, map[int]types.NodeID{slot: owner})
		})
	}
	return op.plan, op.finish(err)
}

func checkCompletable(snap *topology.Snapshot, mig openSlot) error {
	if snap.IsUnreachable(mig.dst.ID) {
		return errdefs.Precondition("importing node %s is unreachable", mig.dst.ID.Short())
	}
	owner := snap.OwnerOf(mig.slot)
	if owner == mig.src.ID && snap.IsUnreachable(mig.src.ID) {
		return errdefs.Precondition("slot %d keys are held by unreachable node %s", mig.slot, mig.src.ID.Short())
	}
	if owner != mig.src.ID && owner != mig.dst.ID {
		return errdefs.Precondition("slot %d is owned by %q, neither end of the migration", mig.slot, owner)
	}
	return nil
}

func checkAbortable(snap *topology.Snapshot, mig openSlot) error {
	for _, id := range mig.targets() {
		if snap.IsUnreachable(id) {
			return errdefs.Precondition("node %s is unreachable", id.Short())
		}
	}
	if owner := snap.OwnerOf(mig.slot); owner == mig.dst.ID {
		return errdefs.Precondition("slot %d already belongs to %s; complete it instead", mig.slot, owner.Short())
	}
	return nil
}

// completeSlot moves what is left of the slot and assigns it to the
// destination. Markers that are missing on either end are set first.
func (o *Orchestrator) completeSlot(ctx context.Context, snap *topology.Snapshot, mig openSlot) (int, error) {
	owner := snap.OwnerOf(mig.slot)
	dstNode := o.dialer.Dial(mig.dst.Endpoint)
	if owner != mig.dst.ID && !mig.importing {
		if err := dstNode.SetSlot(ctx, mig.slot, client.SlotImporting, mig.src.ID); err != nil {
			return 0, fmt.Errorf("mark slot %d importing on %s: %w", mig.slot, mig.dst.ID.Short(), err)
		}
	}

	moved := 0
	if owner == mig.src.ID {
		srcNode := o.dialer.Dial(mig.src.Endpoint)
		if !mig.migrating {
			if err := srcNode.SetSlot(ctx, mig.slot, client.SlotMigrating, mig.dst.ID); err != nil {
				return 0, fmt.Errorf("mark slot %d migrating on %s: %w", mig.slot, mig.src.ID.Short(), err)
			}
		}
		var err error
		if moved, err = o.moveKeys(ctx, srcNode, mig.dst.Endpoint, mig.slot); err != nil {
			return moved, err
		}
	}
	return moved, o.assignSlot(ctx, snap, mig.slot, mig.src.ID, mig.dst)
}

// abortSlot returns imported keys to the source and clears both markers
func (o *Orchestrator) abortSlot(ctx context.Context, mig openSlot) error {
	dstNode := o.dialer.Dial(mig.dst.Endpoint)
	n, err := dstNode.CountKeysInSlot(ctx, mig.slot)
	if err != nil {
		return fmt.Errorf("count keys of slot %d on %s: %w", mig.slot, mig.dst.ID.Short(), err)
	}
	if n > 0 {
		if _, err := o.moveKeys(ctx, dstNode, mig.src.Endpoint, mig.slot); err != nil {
			return fmt.Errorf("return keys of slot %d: %w", mig.slot, err)
		}
	}
	return o.rollback(ctx, mig.src, mig.dst, mig.slot)
}
