package chaos

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// Built-in scenarios
const (
	ScenarioMasterDown           = "master-down"
	ScenarioReplicaDown          = "replica-down"
	ScenarioMasterPause          = "master-pause"
	ScenarioReshard              = "reshard"
	ScenarioConflictingOperation = "conflicting-operation"
)

// scenario supplies the scenario-specific part of each phase. Seeding,
// restarting stopped nodes and deleting keys are done by the harness.
type scenario interface {
	Name() string
	// Setup selects the target from r.before
	Setup(ctx context.Context, r *run) error
	Inject(ctx context.Context, r *run) error
	Observe(ctx context.Context, r *run) error
	// Assert records failures with r.check and r.fail
	Assert(ctx context.Context, r *run)
	Recover(ctx context.Context, r *run) error
}

var registry = map[string]func() scenario{
	ScenarioMasterDown:           func() scenario { return &masterDown{} },
	ScenarioReplicaDown:          func() scenario { return &replicaDown{} },
	ScenarioMasterPause:          func() scenario { return &masterPause{} },
	ScenarioReshard:              func() scenario { return &reshard{} },
	ScenarioConflictingOperation: func() scenario { return &conflictingOperation{} },
}

// Scenarios returns the names of the built-in scenarios
func Scenarios() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookup(name string) (scenario, error) {
	newScenario, ok := registry[name]
	if !ok {
		return nil, errdefs.Precondition("unknown scenario %q (known: %s)", name, strings.Join(Scenarios(), ", "))
	}
	return newScenario(), nil
}

func describe(snap *topology.Snapshot) string {
	if snap == nil {
		return "no snapshot"
	}
	return fmt.Sprintf("consistent=%t slots_ok=%d unassigned=%d open=%d",
		snap.Consistent(), snap.SlotsOK(), snap.Gaps().Len(), len(snap.Transitional()))
}

func shortIDs(ids []types.NodeID) string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.Short()
	}
	return strings.Join(out, ",")
}

// pickMaster returns the master named by params.Target, or the first
// reachable master owning slots and satisfying accept
func pickMaster(r *run, accept func(rec types.NodeRecord) bool) (types.NodeRecord, error) {
	snap := r.before
	if r.params.Target != "" {
		rec, err := snap.Resolve(r.params.Target)
		if err != nil {
			return rec, err
		}
		if !rec.IsMaster() || rec.Slots.Empty() {
			return rec, errdefs.Precondition("target %s is not a master owning slots", rec.ID.Short())
		}
		if !accept(rec) {
			return rec, errdefs.Precondition("target %s is not suitable for %s", rec.ID.Short(), r.result.Scenario)
		}
		return rec, nil
	}
	for _, rec := range snap.Masters() {
		if !rec.Slots.Empty() && !snap.IsUnreachable(rec.ID) && accept(rec) {
			return rec, nil
		}
	}
	return types.NodeRecord{}, errdefs.Precondition("no master suitable for %s", r.result.Scenario)
}

func replicaIDs(snap *topology.Snapshot, master types.NodeID) []types.NodeID {
	var ids []types.NodeID
	for _, rec := range snap.ReplicasOf(master) {
		if !snap.IsUnreachable(rec.ID) {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// masterDown stops a master and expects one of its replicas to take over
// its slots
type masterDown struct {
	slots    types.SlotSet
	replicas []types.NodeID
	promoted types.NodeID
}

func (s *masterDown) Name() string { return ScenarioMasterDown }

func (s *masterDown) Setup(ctx context.Context, r *run) error {
	target, err := pickMaster(r, func(rec types.NodeRecord) bool {
		return len(replicaIDs(r.before, rec.ID)) > 0
	})
	if err != nil {
		return err
	}
	r.target = target
	s.slots = r.before.SlotsOf(target.ID)
	s.replicas = replicaIDs(r.before, target.ID)
	return nil
}

func (s *masterDown) Inject(ctx context.Context, r *run) error {
	return r.stop(ctx, r.target)
}

func (s *masterDown) Observe(ctx context.Context, r *run) error {
	return r.waitFor(ctx, r.params.ObserveDeadline, "replica of "+r.target.ID.Short()+" to take over", func(snap *topology.Snapshot) bool {
		for _, id := range s.replicas {
			rec, ok := snap.Node(id)
			if ok && rec.IsMaster() && !snap.IsUnreachable(id) && snap.SlotsOf(id) == s.slots {
				s.promoted = id
				return true
			}
		}
		return false
	})
}

func (s *masterDown) Assert(ctx context.Context, r *run) {
	expected := "one of " + shortIDs(s.replicas) + " promoted to master"
	if s.promoted == "" {
		r.fail(PhaseAssert, "replica promoted", expected, "no replica promoted")
	} else {
		r.check(r.after.SlotsOf(s.promoted) == s.slots, "slots taken over",
			s.slots.String(), r.after.SlotsOf(s.promoted).String())
	}

	err := r.waitSettled(ctx, r.params.ObserveDeadline)
	r.check(err == nil, "cluster state", "consistent with all slots served", describe(r.after))
	r.verifyData(ctx, PhaseAssert, "data integrity")
}

func (s *masterDown) Recover(ctx context.Context, r *run) error {
	if err := r.waitSettled(ctx, r.params.RecoverDeadline); err != nil {
		return err
	}
	if s.promoted == "" {
		return nil
	}

	// The restarted master must come back as a replica of the node that
	// took over its slots
	id := r.target.ID
	err := r.waitFor(ctx, r.params.RecoverDeadline, id.Short()+" to replicate "+s.promoted.Short(), func(snap *topology.Snapshot) bool {
		rec, ok := snap.Node(id)
		return ok && rec.Role == types.RoleReplica && rec.ReplicaOf == s.promoted
	})
	if err != nil {
		observed := "missing from topology"
		if rec, ok := r.after.Node(id); ok {
			observed = fmt.Sprintf("%s is %s", id.Short(), rec.Role)
			if rec.ReplicaOf != "" {
				observed += " of " + rec.ReplicaOf.Short()
			}
		}
		r.fail(PhaseRecover, "old master rejoined as replica", "replica of "+s.promoted.Short(), observed)
	}
	return nil
}

// replicaDown stops a replica and expects its master to keep serving
type replicaDown struct {
	master types.NodeID
	slots  types.SlotSet
}

func (s *replicaDown) Name() string { return ScenarioReplicaDown }

func (s *replicaDown) Setup(ctx context.Context, r *run) error {
	snap := r.before
	if r.params.Target != "" {
		rec, err := snap.Resolve(r.params.Target)
		if err != nil {
			return err
		}
		if rec.IsMaster() || rec.ReplicaOf == "" {
			return errdefs.Precondition("target %s is not a replica", rec.ID.Short())
		}
		r.target = rec
	} else {
		found := false
		for _, m := range snap.Masters() {
			if ids := replicaIDs(snap, m.ID); len(ids) > 0 {
				r.target, _ = snap.Node(ids[0])
				found = true
				break
			}
		}
		if !found {
			return errdefs.Precondition("cluster has no reachable replica")
		}
	}
	s.master = r.target.ReplicaOf
	s.slots = snap.SlotsOf(s.master)
	return nil
}

func (s *replicaDown) Inject(ctx context.Context, r *run) error {
	return r.stop(ctx, r.target)
}

func (s *replicaDown) Observe(ctx context.Context, r *run) error {
	id := r.target.ID
	return r.waitFor(ctx, r.params.ObserveDeadline, "peers to flag "+id.Short(), func(snap *topology.Snapshot) bool {
		rec, ok := snap.Node(id)
		return ok && rec.Failing()
	})
}

func (s *replicaDown) Assert(ctx context.Context, r *run) {
	master, ok := r.after.Node(s.master)
	r.check(ok && master.IsMaster(), "master kept role",
		s.master.Short()+" is master", fmt.Sprintf("%s is %s", s.master.Short(), master.Role))
	r.check(r.after.SlotsOf(s.master) == s.slots, "master kept slots",
		s.slots.String(), r.after.SlotsOf(s.master).String())
	r.check(settled(r.after), "cluster state", "consistent with all slots served", describe(r.after))
	r.verifyData(ctx, PhaseAssert, "data integrity")
}

func (s *replicaDown) Recover(ctx context.Context, r *run) error {
	return nil
}

// masterPause freezes a master and expects its slots to be served again once
// the pause ends, by the master itself or by a promoted replica
type masterPause struct {
	slots  types.SlotSet
	owners []types.NodeID
}

func (s *masterPause) Name() string { return ScenarioMasterPause }

func (s *masterPause) Setup(ctx context.Context, r *run) error {
	target, err := pickMaster(r, func(types.NodeRecord) bool { return true })
	if err != nil {
		return err
	}
	r.target = target
	s.slots = r.before.SlotsOf(target.ID)
	s.owners = append([]types.NodeID{target.ID}, replicaIDs(r.before, target.ID)...)
	return nil
}

func (s *masterPause) Inject(ctx context.Context, r *run) error {
	if err := r.h.injector.PauseNode(ctx, r.target, r.params.PauseDuration); err != nil {
		return fmt.Errorf("pause %s: %w", r.target.ID.Short(), err)
	}
	r.logger.Info().Str("node_id", string(r.target.ID)).Dur("pause", r.params.PauseDuration).Msg("Node paused")
	return nil
}

func (s *masterPause) Observe(ctx context.Context, r *run) error {
	if err := r.policy(r.params.PauseDuration).Sleep(ctx, r.params.PauseDuration); err != nil {
		return err
	}
	return r.waitFor(ctx, r.params.ObserveDeadline, "slots of "+r.target.ID.Short()+" to be served", func(snap *topology.Snapshot) bool {
		return s.servedBy(snap) != "" && settled(snap)
	})
}

func (s *masterPause) servedBy(snap *topology.Snapshot) types.NodeID {
	for _, id := range s.owners {
		rec, ok := snap.Node(id)
		if ok && rec.IsMaster() && !snap.IsUnreachable(id) && snap.SlotsOf(id) == s.slots {
			return id
		}
	}
	return ""
}

func (s *masterPause) Assert(ctx context.Context, r *run) {
	r.check(s.servedBy(r.after) != "", "slots served",
		s.slots.String()+" owned by one of "+shortIDs(s.owners), describe(r.after))
	r.check(settled(r.after), "cluster state", "consistent with all slots served", describe(r.after))
	r.verifyData(ctx, PhaseAssert, "data integrity")
}

func (s *masterPause) Recover(ctx context.Context, r *run) error {
	return r.waitSettled(ctx, r.params.RecoverDeadline)
}

// pickPair selects the source (target) and destination masters of a reshard
func pickPair(r *run) (types.NodeRecord, types.NodeRecord, error) {
	var dst types.NodeRecord
	src, err := pickMaster(r, func(rec types.NodeRecord) bool {
		return rec.Slots.Len() >= r.params.SlotCount
	})
	if err != nil {
		return src, dst, err
	}

	snap := r.before
	if r.params.Destination != "" {
		dst, err = snap.Resolve(r.params.Destination)
		if err != nil {
			return src, dst, err
		}
		if !dst.IsMaster() {
			return src, dst, errdefs.Precondition("destination %s is not a master", dst.ID.Short())
		}
	} else {
		found := false
		for _, rec := range snap.Masters() {
			if rec.ID == src.ID || snap.IsUnreachable(rec.ID) {
				continue
			}
			if !found || rec.Slots.Len() < dst.Slots.Len() {
				dst = rec
				found = true
			}
		}
		if !found {
			return src, dst, errdefs.Precondition("no destination master besides %s", src.ID.Short())
		}
	}
	if dst.ID == src.ID {
		return src, dst, errdefs.Precondition("source and destination are both %s", src.ID.Short())
	}
	return src, dst, nil
}

// movedSlots returns the slots src lost between r.before and r.after
func movedSlots(r *run, src types.NodeID) types.SlotSet {
	if r.after == nil {
		return types.SlotSet{}
	}
	return r.before.SlotsOf(src).Difference(r.after.SlotsOf(src))
}

// assertMoved checks that exactly the moved slots changed hands
func assertMoved(r *run, src, dst types.NodeID) {
	moved := movedSlots(r, src)
	r.check(moved.Len() == r.params.SlotCount, "slots moved",
		fmt.Sprintf("%d slots moved from %s", r.params.SlotCount, src.Short()), fmt.Sprintf("%d moved", moved.Len()))
	want := r.before.SlotsOf(dst).Union(moved)
	r.check(r.after.SlotsOf(dst) == want, "destination owns moved slots",
		want.String(), r.after.SlotsOf(dst).String())
	r.check(settled(r.after), "cluster state", "consistent with all slots served", describe(r.after))
}

// moveBack returns moved slots to their original owner
func moveBack(ctx context.Context, r *run, src, dst types.NodeID) error {
	snap, err := r.h.orch.Snapshot(ctx)
	if err != nil {
		return err
	}
	r.after = snap
	moved := movedSlots(r, src)
	if moved.Empty() {
		return nil
	}
	if _, err := r.h.orch.MigrateSlots(ctx, dst, src, moved.Slots()); err != nil {
		return fmt.Errorf("restore %d slots to %s: %w", moved.Len(), src.Short(), err)
	}
	return r.waitSettled(ctx, r.params.RecoverDeadline)
}

// reshard moves slots between two masters while test keys live in them
type reshard struct {
	dst types.NodeRecord
}

func (s *reshard) Name() string { return ScenarioReshard }

func (s *reshard) Setup(ctx context.Context, r *run) error {
	src, dst, err := pickPair(r)
	if err != nil {
		return err
	}
	r.target, s.dst = src, dst
	if ids := replicaIDs(r.before, src.ID); len(ids) > 0 {
		rec, _ := r.before.Node(ids[0])
		s.replica = &rec
	}
	return nil
}

func (s *reshard) Inject(ctx context.Context, r *run) error {
	_, err := r.h.orch.Reshard(ctx, r.target.ID, s.dst.ID, r.params.SlotCount)
	return err
}

func (s *reshard) Observe(ctx context.Context, r *run) error {
	return r.waitSettled(ctx, r.params.ObserveDeadline)
}

func (s *reshard) Assert(ctx context.Context, r *run) {
	assertMoved(r, r.target.ID, s.dst.ID)
	r.verifyData(ctx, PhaseAssert, "data integrity")
}

func (s *reshard) Recover(ctx context.Context, r *run) error {
	return moveBack(ctx, r, r.target.ID, s.dst.ID)
}

// conflictingOperation starts a reshard and, while it holds its locks, a
// failover of one of the source's replicas (a second reshard when it has
// none). The second must be rejected with a conflict and the first must
// complete.
type conflictingOperation struct {
	dst     types.NodeRecord
	replica *types.NodeRecord
	done    chan struct{}
	first   error
	second  error
}

func (s *conflictingOperation) Name() string { return ScenarioConflictingOperation }

func (s *conflictingOperation) Setup(ctx context.Context, r *run) error {
	src, dst, err := pickPair(r)
	if err != nil {
		return err
	}
	r.target, s.dst = src, dst
	return nil
}

func (s *conflictingOperation) Inject(ctx context.Context, r *run) error {
	src := r.target.ID
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_, s.first = r.h.orch.Reshard(ctx, src, s.dst.ID, r.params.SlotCount)
	}()

	finished := false
	contended := retry.Policy{Interval: 2 * time.Millisecond, Deadline: r.params.ObserveDeadline, Clock: r.h.clock}
	err := contended.WaitFor(ctx, "reshard to lock "+src.Short(), func(ctx context.Context) (bool, error) {
		select {
		case <-s.done:
			finished = true
			return true, nil
		default:
		}
		_, held := r.h.orch.Locks().Held()[src]
		return held, nil
	})
	if err != nil {
		return err
	}
	if finished {
		return fmt.Errorf("first operation ended before it could be contended: %v", s.first)
	}

	// A failover of a replica of the source needs the same lock
	second := "reshard"
	if s.replica != nil {
		second = "failover"
		_, s.second = r.h.orch.Failover(ctx, s.replica.Endpoint, client.FailoverDefault)
	} else {
		_, s.second = r.h.orch.Reshard(ctx, src, s.dst.ID, 1)
	}
	r.logger.Info().Str("operation", second).AnErr("second", s.second).Msg("Second operation returned")
	return nil
}

func (s *conflictingOperation) Observe(ctx context.Context, r *run) error {
	select {
	case <-s.done:
	case <-r.h.clock.After(r.params.ObserveDeadline):
		return errdefs.Timeout("first operation still running after %s", r.params.ObserveDeadline)
	case <-ctx.Done():
		return ctx.Err()
	}
	return r.waitSettled(ctx, r.params.ObserveDeadline)
}

func (s *conflictingOperation) Assert(ctx context.Context, r *run) {
	observed := "accepted"
	if s.second != nil {
		observed = string(errdefs.KindOf(s.second)) + ": " + s.second.Error()
	}
	r.check(errdefs.IsConflict(s.second), "second operation rejected", "conflict error", observed)
	if s.replica != nil {
		rec, ok := r.after.Node(s.replica.ID)
		r.check(ok && rec.Role == types.RoleReplica && rec.ReplicaOf == r.target.ID, "replica kept role",
			"replica of "+r.target.ID.Short(), fmt.Sprintf("%s is %s", s.replica.ID.Short(), rec.Role))
	}

	select {
	case <-s.done:
		observed = "succeeded"
		if s.first != nil {
			observed = s.first.Error()
		}
		r.check(s.first == nil, "first operation completed", "succeeded", observed)
		assertMoved(r, r.target.ID, s.dst.ID)
	default:
		r.fail(PhaseAssert, "first operation completed", "succeeded", "still running")
	}
	r.verifyData(ctx, PhaseAssert, "data integrity")
}

func (s *conflictingOperation) Recover(ctx context.Context, r *run) error {
	if s.done != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return moveBack(ctx, r, r.target.ID, s.dst.ID)
}
