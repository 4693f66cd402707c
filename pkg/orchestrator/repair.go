package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// Check builds a snapshot, collects node metrics and evaluates both. The
// snapshot is returned even when some endpoints did not answer.
func (o *Orchestrator) Check(ctx context.Context) (health.CheckResult, *topology.Snapshot, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return health.CheckResult{}, nil, err
	}
	res := o.evaluator.Check(snap, o.poller.CollectMetrics(ctx, snap))
	return res, snap, err
}

// slotFix is the decision taken for one open slot
type slotFix struct {
	mig  openSlot
	kind Kind
}

// decideFix completes a slot whose destination already owns it or holds some
// of its keys, and aborts it otherwise
func (o *Orchestrator) decideFix(ctx context.Context, snap *topology.Snapshot, mig openSlot) (Kind, error) {
	if snap.OwnerOf(mig.slot) == mig.dst.ID {
		return KindComplete, checkCompletable(snap, mig)
	}
	if snap.IsUnreachable(mig.dst.ID) {
		return KindAbort, errdefs.Precondition("importing node %s is unreachable", mig.dst.ID.Short())
	}
	n, err := o.dialer.Dial(mig.dst.Endpoint).CountKeysInSlot(ctx, mig.slot)
	if err != nil {
		return KindAbort, err
	}
	if n > 0 {
		return KindComplete, checkCompletable(snap, mig)
	}
	return KindAbort, checkAbortable(snap, mig)
}

// Fix resolves every open slot and assigns uncovered slots to the masters
// owning the fewest slots. Slots whose owners conflict are left alone.
func (o *Orchestrator) Fix(ctx context.Context) (*Plan, error) {
	res, snap, err := o.Check(ctx)
	if err != nil {
		return nil, errdefs.WithStep(err, string(KindFix), "check")
	}

	l := &ledger{}
	var (
		fixes   []slotFix
		failed  []string
		targets []types.NodeID
	)
	seen := make(map[int]bool)
	for _, t := range res.OpenSlots {
		if seen[t.Slot] {
			continue
		}
		seen[t.Slot] = true
		mig, err := findOpenSlot(snap, t.Slot)
		var kind Kind
		if err == nil {
			kind, err = o.decideFix(ctx, snap, mig)
		}
		if err != nil {
			l.leaveOpen(t.Slot)
			failed = append(failed, fmt.Sprintf("slot %d: %v", t.Slot, err))
			continue
		}
		fixes = append(fixes, slotFix{mig: mig, kind: kind})
		targets = append(targets, mig.targets()...)
	}

	gaps := res.Gaps
	for _, c := range res.Conflicts {
		gaps = gaps.Difference(c.Slots)
	}
	counts := make(map[types.NodeID]int)
	var masters []types.NodeRecord
	for _, m := range snap.Masters() {
		if !snap.IsUnreachable(m.ID) {
			masters = append(masters, m)
			counts[m.ID] = m.Slots.Len()
		}
	}
	if !gaps.Empty() {
		if len(masters) == 0 {
			return nil, errdefs.WithStep(errdefs.Precondition("no reachable master to cover %d slots", gaps.Len()),
				string(KindFix), "plan")
		}
		for _, m := range masters {
			targets = append(targets, m.ID)
		}
	}

	op, err := o.begin(KindFix, targets, map[string]string{
		"open_slots": strconv.Itoa(len(seen)),
		"gaps":       strconv.Itoa(gaps.Len()),
	})
	if err != nil {
		return nil, err
	}

	want := make(map[int]types.NodeID)
	var stepErr error
	for _, f := range fixes {
		f := f
		name := string(f.kind) + " " + strconv.Itoa(f.mig.slot)
		err := op.step(ctx, name, func(ctx context.Context) error {
			if f.kind == KindComplete {
				_, err := o.completeSlot(ctx, snap, f.mig)
				return err
			}
			return o.abortSlot(ctx, f.mig)
		})
		if err != nil {
			if errdefs.KindOf(err) == errdefs.KindCanceled {
				stepErr = err
				break
			}
			l.leaveOpen(f.mig.slot)
			failed = append(failed, err.Error())
			continue
		}
		l.repaired(f.mig.slot, f.kind)
		if f.kind == KindComplete {
			want[f.mig.slot] = f.mig.dst.ID
			metrics.SlotsMigrated.WithLabelValues("completed").Inc()
		} else {
			want[f.mig.slot] = f.mig.src.ID
			metrics.SlotsMigrated.WithLabelValues("aborted").Inc()
		}
	}

	if stepErr == nil {
		for _, r := range gaps.Ranges() {
			sort.SliceStable(masters, func(i, j int) bool {
				if counts[masters[i].ID] != counts[masters[j].ID] {
					return counts[masters[i].ID] < counts[masters[j].ID]
				}
				return masters[i].ID < masters[j].ID
			})
			m := masters[0]
			slots := types.SlotSetOf(r).Slots()
			err := op.step(ctx, "cover "+r.String(), func(ctx context.Context) error {
				return o.dialer.Dial(m.Endpoint).AddSlots(ctx, slots...)
			})
			if err != nil {
				if errdefs.KindOf(err) == errdefs.KindCanceled {
					stepErr = err
					break
				}
				failed = append(failed, err.Error())
				continue
			}
			counts[m.ID] += len(slots)
			for _, slot := range slots {
				want[slot] = m.ID
			}
		}
	}

	if stepErr == nil && len(want) > 0 {
		stepErr = op.step(ctx, "verify", func(ctx context.Context) error {
			return o.verifyOwners(ctx, snap, want)
		})
	}
	if stepErr == nil && len(failed) > 0 {
		stepErr = errdefs.Inconsistent("%d repairs failed: %s", len(failed), failed[0])
	}
	return op.plan, op.finish(l.result(string(KindFix), stepErr))
}
