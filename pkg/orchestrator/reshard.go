package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// SelectSlots picks count slots of set, taking them from the high end of the
// largest contiguous range first. The result is in ascending order.
func SelectSlots(set types.SlotSet, count int) []int {
	ranges := set.Ranges()
	var out []int
	for count > 0 && len(ranges) > 0 {
		best := 0
		for i, r := range ranges {
			if r.Len() > ranges[best].Len() {
				best = i
			}
		}
		r := &ranges[best]
		take := r.Len()
		if take > count {
			take = count
		}
		for slot := r.End - take + 1; slot <= r.End; slot++ {
			out = append(out, slot)
		}
		r.End -= take
		count -= take
		if r.Len() == 0 {
			ranges = append(ranges[:best], ranges[best+1:]...)
		}
	}
	sort.Ints(out)
	return out
}

// ledger accounts for the slots of a multi-slot operation
type ledger struct {
	mu        sync.Mutex
	completed []int
	pending   []int
	aborted   []int
	// dirty is set when a slot was left open on the cluster
	dirty bool
	// rolledBack is set when fix cleared the markers of an open slot
	rolledBack bool
}

func (l *ledger) complete(slot int) {
	l.mu.Lock()
	l.completed = append(l.completed, slot)
	l.mu.Unlock()
}

func (l *ledger) abort(slot int) {
	l.mu.Lock()
	l.aborted = append(l.aborted, slot)
	l.mu.Unlock()
}

// repaired records an open slot that fix completed or rolled back
func (l *ledger) repaired(slot int, kind Kind) {
	if kind != KindAbort {
		l.complete(slot)
		return
	}
	l.mu.Lock()
	l.aborted = append(l.aborted, slot)
	l.rolledBack = true
	l.mu.Unlock()
}

func (l *ledger) leaveOpen(slot int) {
	l.mu.Lock()
	l.pending = append(l.pending, slot)
	l.dirty = true
	l.mu.Unlock()
}

func (l *ledger) skip(slots ...int) {
	l.mu.Lock()
	l.pending = append(l.pending, slots...)
	l.mu.Unlock()
}

// result turns err into a PartialFailureError when the cluster was changed
// before the operation stopped. Otherwise err is returned unchanged.
func (l *ledger) result(op string, err error) error {
	if err == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.completed) == 0 && !l.dirty && !l.rolledBack {
		return err
	}
	pf := &errdefs.PartialFailureError{
		Op:        op,
		Completed: append([]int(nil), l.completed...),
		Pending:   append([]int(nil), l.pending...),
		Aborted:   append([]int(nil), l.aborted...),
		Err:       err,
	}
	pf.Normalize()
	return pf
}

func slotStepName(slot int, from, to types.NodeID) string {
	return "slot " + strconv.Itoa(slot) + " " + from.Short() + "->" + to.Short()
}

// Reshard moves count slots from one master to another. Slots are migrated
// one at a time; the context is checked between slots.
func (o *Orchestrator) Reshard(ctx context.Context, from, to types.NodeID, count int) (*Plan, error) {
	return o.migrate(ctx, from, to, count, nil)
}

// MigrateSlots moves the given slots, all owned by from, to another master
func (o *Orchestrator) MigrateSlots(ctx context.Context, from, to types.NodeID, slots []int) (*Plan, error) {
	if len(slots) == 0 {
		return nil, errdefs.WithStep(errdefs.Precondition("no slots to migrate"), string(KindReshard), "plan")
	}
	return o.migrate(ctx, from, to, len(slots), slots)
}

func (o *Orchestrator) migrate(ctx context.Context, from, to types.NodeID, count int, slots []int) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(KindReshard), "plan")
	}
	src, dst, err := validateMove(snap, from, to, count)
	if err != nil {
		return nil, errdefs.WithStep(err, string(KindReshard), "plan")
	}
	owned := snap.SlotsOf(from)
	if slots == nil {
		slots = SelectSlots(owned, count)
	}
	set := types.NewSlotSet(slots...)
	if missing := set.Difference(owned); !missing.Empty() {
		return nil, errdefs.WithStep(
			errdefs.Precondition("slots %s are not owned by %s", missing.String(), from.Short()),
			string(KindReshard), "plan")
	}
	slots = set.Slots()

	op, err := o.begin(KindReshard, []types.NodeID{from, to}, map[string]string{
		"from":  string(from),
		"to":    string(to),
		"count": strconv.Itoa(len(slots)),
		"slots": set.String(),
	})
	if err != nil {
		return nil, err
	}

	for _, slot := range slots {
		op.plan.AddStep(slotStepName(slot, from, to))
	}
	op.plan.AddStep("verify")

	l := &ledger{}
	err = o.moveSlots(ctx, op, snap, src, dst, slots, l)
	if err == nil {
		want := make(map[int]types.NodeID, len(slots))
		for _, slot := range slots {
			want[slot] = to
		}
		err = op.step(ctx, "verify", func(ctx context.Context) error {
			return o.verifyOwners(ctx, snap, want)
		})
	}
	return op.plan, op.finish(l.result(string(KindReshard), err))
}

// validateMove checks that a migration from -> to of count slots can start
// from snap
func validateMove(snap *topology.Snapshot, from, to types.NodeID, count int) (types.NodeRecord, types.NodeRecord, error) {
	var src, dst types.NodeRecord
	if !snap.Consistent() {
		return src, dst, errdefs.Precondition("topology is inconsistent; run check before migrating slots")
	}
	if from == to {
		return src, dst, errdefs.Precondition("source and destination are the same node")
	}
	for _, side := range []struct {
		id  types.NodeID
		rec *types.NodeRecord
	}{{from, &src}, {to, &dst}} {
		rec, ok := snap.Node(side.id)
		if !ok {
			return src, dst, errdefs.Precondition("unknown node %s", side.id)
		}
		if !rec.IsMaster() {
			return src, dst, errdefs.Precondition("node %s is not a master", side.id.Short())
		}
		if snap.IsUnreachable(side.id) {
			return src, dst, errdefs.Precondition("master %s is unreachable", side.id.Short())
		}
		if len(rec.OpenSlots) > 0 {
			p := errdefs.Precondition("master %s has %d open slots", side.id.Short(), len(rec.OpenSlots))
			p.Remediation = errdefs.RemediationCheckFix
			return src, dst, p
		}
		*side.rec = rec
	}
	owned := snap.SlotsOf(from).Len()
	if count <= 0 || count > owned {
		return src, dst, errdefs.Precondition("cannot move %d slots: %s owns %d", count, from.Short(), owned)
	}
	return src, dst, nil
}

// moveSlots migrates slots one by one, recording each outcome in l. A slot
// whose migration fails before any key moved is rolled back to stable; a slot
// that already moved keys is left open for completion or abort.
func (o *Orchestrator) moveSlots(ctx context.Context, op *operation, snap *topology.Snapshot, src, dst types.NodeRecord, slots []int, l *ledger) error {
	for i, slot := range slots {
		var moved int
		err := op.step(ctx, slotStepName(slot, src.ID, dst.ID), func(ctx context.Context) error {
			var err error
			moved, err = o.migrateSlot(ctx, snap, src, dst, slot)
			return err
		})
		if err == nil {
			l.complete(slot)
			metrics.SlotsMigrated.WithLabelValues("completed").Inc()
			continue
		}

		if errdefs.KindOf(err) == errdefs.KindCanceled {
			l.skip(slots[i:]...)
			return err
		}
		if moved == 0 && o.rollback(context.WithoutCancel(ctx), src, dst, slot) == nil {
			l.abort(slot)
			metrics.SlotsMigrated.WithLabelValues("aborted").Inc()
		} else {
			op.logger.Warn().Int("slot", slot).Int("keys_moved", moved).Msg("Slot left open")
			l.leaveOpen(slot)
		}
		l.skip(slots[i+1:]...)
		return err
	}
	return nil
}

// migrateSlot runs the full migration sequence for one slot and returns the
// number of keys moved
func (o *Orchestrator) migrateSlot(ctx context.Context, snap *topology.Snapshot, src, dst types.NodeRecord, slot int) (int, error) {
	srcNode := o.dialer.Dial(src.Endpoint)
	dstNode := o.dialer.Dial(dst.Endpoint)

	if err := dstNode.SetSlot(ctx, slot, client.SlotImporting, src.ID); err != nil {
		return 0, fmt.Errorf("mark slot %d importing on %s: %w", slot, dst.ID.Short(), err)
	}
	if err := srcNode.SetSlot(ctx, slot, client.SlotMigrating, dst.ID); err != nil {
		return 0, fmt.Errorf("mark slot %d migrating on %s: %w", slot, src.ID.Short(), err)
	}
	moved, err := o.moveKeys(ctx, srcNode, dst.Endpoint, slot)
	if err != nil {
		return moved, err
	}
	return moved, o.assignSlot(ctx, snap, slot, src.ID, dst)
}

// moveKeys drains slot from src to target in batches, throttled by the
// orchestrator's limiter
func (o *Orchestrator) moveKeys(ctx context.Context, src client.Node, target types.Endpoint, slot int) (int, error) {
	moved := 0
	var previous []string
	for {
		keys, err := src.GetKeysInSlot(ctx, slot, o.opts.BatchSize)
		if err != nil {
			return moved, fmt.Errorf("list keys of slot %d: %w", slot, err)
		}
		if len(keys) == 0 {
			return moved, nil
		}
		if sameKeys(keys, previous) {
			return moved, fmt.Errorf("keys of slot %d are not moving (first: %q)", slot, keys[0])
		}
		previous = keys

		for n := len(keys); n > 0; {
			chunk := n
			if b := o.limiter.Burst(); b > 0 && chunk > b {
				chunk = b
			}
			if err := o.limiter.WaitN(ctx, chunk); err != nil {
				return moved, err
			}
			n -= chunk
		}

		if err := src.MigrateKeys(ctx, target, keys, o.opts.MigrateTimeout); err != nil {
			return moved, fmt.Errorf("migrate %d keys of slot %d: %w", len(keys), slot, err)
		}
		moved += len(keys)
		metrics.KeysMigrated.Add(float64(len(keys)))
	}
}

func sameKeys(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// assignSlot hands slot to dst: the destination first, then the source, then
// every other reachable master. The first two must succeed; the rest learn
// the new owner from the cluster bus if the command fails.
func (o *Orchestrator) assignSlot(ctx context.Context, snap *topology.Snapshot, slot int, src types.NodeID, dst types.NodeRecord) error {
	if err := o.dialer.Dial(dst.Endpoint).SetSlot(ctx, slot, client.SlotNode, dst.ID); err != nil {
		return fmt.Errorf("assign slot %d on %s: %w", slot, dst.ID.Short(), err)
	}
	if rec, ok := snap.Node(src); ok && !snap.IsUnreachable(src) {
		if err := o.dialer.Dial(rec.Endpoint).SetSlot(ctx, slot, client.SlotNode, dst.ID); err != nil {
			return fmt.Errorf("assign slot %d on %s: %w", slot, src.Short(), err)
		}
	}
	for _, m := range snap.Masters() {
		if m.ID == src || m.ID == dst.ID || snap.IsUnreachable(m.ID) {
			continue
		}
		if err := o.dialer.Dial(m.Endpoint).SetSlot(ctx, slot, client.SlotNode, dst.ID); err != nil {
			o.logger.Debug().Err(err).Int("slot", slot).Str("node_id", m.ID.Short()).Msg("Slot assignment not propagated")
		}
	}
	return nil
}

// rollback clears the open markers of slot on both ends
func (o *Orchestrator) rollback(ctx context.Context, src, dst types.NodeRecord, slot int) error {
	var firstErr error
	for _, rec := range []types.NodeRecord{dst, src} {
		if err := o.dialer.Dial(rec.Endpoint).SetSlot(ctx, slot, client.SlotStable, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// verifyOwners waits until a fresh snapshot resolves every slot of want to
// the expected owner with no slot left open
func (o *Orchestrator) verifyOwners(ctx context.Context, old *topology.Snapshot, want map[int]types.NodeID) error {
	var wrong, open []int
	err := o.opts.Policy.WaitFor(ctx, fmt.Sprintf("ownership of %d slots", len(want)), func(ctx context.Context) (bool, error) {
		snap, err := o.poller.Refresh(ctx, old)
		if snap == nil {
			return false, err
		}
		wrong, open = wrong[:0], open[:0]
		for slot, owner := range want {
			if snap.OwnerOf(slot) != owner {
				wrong = append(wrong, slot)
			}
		}
		for _, t := range snap.Transitional() {
			if _, ok := want[t.Slot]; ok {
				open = append(open, t.Slot)
			}
		}
		return len(wrong) == 0 && len(open) == 0, nil
	})
	if err == nil || !errdefs.IsTimeout(err) {
		return err
	}
	sort.Ints(wrong)
	if len(open) > 0 {
		return errdefs.Inconsistent("%d slots still open after migration (first: %d)", len(open), open[0])
	}
	if len(wrong) > 0 {
		return errdefs.Inconsistent("%d slots not owned by their destination (first: %d)", len(wrong), wrong[0])
	}
	return err
}
