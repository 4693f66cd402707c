package orchestrator

import (
	"context"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Move is one pairwise slot transfer of a rebalance
type Move struct {
	From  types.NodeID `json:"from" yaml:"from"`
	To    types.NodeID `json:"to" yaml:"to"`
	Count int          `json:"count" yaml:"count"`
}

// Round is a set of moves that share no node and can run concurrently
type Round []Move

// PlanRebalance computes the moves that bring every master to its weighted
// share of the assigned slots. Masters missing from weights have weight 1; a
// weight of 0 drains a master. Moves are grouped in rounds so that no master
// takes part in two moves of the same round.
func PlanRebalance(snap *topology.Snapshot, weights map[types.NodeID]float64) ([]Round, error) {
	masters := snap.Masters()
	if len(masters) == 0 {
		return nil, errdefs.Precondition("no masters to rebalance")
	}
	for id, w := range weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return nil, errdefs.Precondition("invalid weight %v for %s", w, id.Short())
		}
		if rec, ok := snap.Node(id); !ok || !rec.IsMaster() {
			return nil, errdefs.Precondition("weight given for %s, which is not a master", id.Short())
		}
	}

	type share struct {
		id      types.NodeID
		weight  float64
		current int
		target  int
		frac    float64
	}
	shares := make([]*share, 0, len(masters))
	total, sumWeights := 0, 0.0
	for _, m := range masters {
		w, ok := weights[m.ID]
		if !ok {
			w = 1
		}
		n := m.Slots.Len()
		total += n
		sumWeights += w
		shares = append(shares, &share{id: m.ID, weight: w, current: n})
	}
	if sumWeights == 0 {
		return nil, errdefs.Precondition("every master has weight 0")
	}

	assigned := 0
	for _, s := range shares {
		exact := float64(total) * s.weight / sumWeights
		s.target = int(math.Floor(exact))
		s.frac = exact - float64(s.target)
		assigned += s.target
	}
	// Remainder slots go to the largest fractions; among equals to the
	// masters already holding more, so a balanced cluster plans no moves
	sort.Slice(shares, func(i, j int) bool {
		if shares[i].frac != shares[j].frac {
			return shares[i].frac > shares[j].frac
		}
		if shares[i].current != shares[j].current {
			return shares[i].current > shares[j].current
		}
		return shares[i].id < shares[j].id
	})
	for i := 0; assigned < total; i++ {
		if s := shares[i%len(shares)]; s.weight > 0 {
			s.target++
			assigned++
		}
	}

	type delta struct {
		id types.NodeID
		n  int
	}
	var sources, sinks []delta
	for _, s := range shares {
		switch d := s.current - s.target; {
		case d > 0:
			sources = append(sources, delta{s.id, d})
		case d < 0:
			sinks = append(sinks, delta{s.id, -d})
		}
	}
	byAmount := func(ds []delta) func(i, j int) bool {
		return func(i, j int) bool {
			if ds[i].n != ds[j].n {
				return ds[i].n > ds[j].n
			}
			return ds[i].id < ds[j].id
		}
	}
	sort.Slice(sources, byAmount(sources))
	sort.Slice(sinks, byAmount(sinks))

	var moves []Move
	for i, j := 0, 0; i < len(sources) && j < len(sinks); {
		n := sources[i].n
		if sinks[j].n < n {
			n = sinks[j].n
		}
		moves = append(moves, Move{From: sources[i].id, To: sinks[j].id, Count: n})
		sources[i].n -= n
		sinks[j].n -= n
		if sources[i].n == 0 {
			i++
		}
		if sinks[j].n == 0 {
			j++
		}
	}

	var rounds []Round
	var busy []map[types.NodeID]bool
	for _, mv := range moves {
		placed := false
		for r := range rounds {
			if !busy[r][mv.From] && !busy[r][mv.To] {
				rounds[r] = append(rounds[r], mv)
				busy[r][mv.From], busy[r][mv.To] = true, true
				placed = true
				break
			}
		}
		if !placed {
			rounds = append(rounds, Round{mv})
			busy = append(busy, map[types.NodeID]bool{mv.From: true, mv.To: true})
		}
	}
	return rounds, nil
}

// Rebalance redistributes slots between masters according to weights. The
// moves of a round run concurrently; rounds run one after the other and the
// context is checked between slots.
func (o *Orchestrator) Rebalance(ctx context.Context, weights map[types.NodeID]float64) (*Plan, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, errdefs.WithStep(err, string(KindRebalance), "plan")
	}
	if !snap.Consistent() {
		return nil, errdefs.WithStep(
			errdefs.Precondition("topology is inconsistent; run check before migrating slots"),
			string(KindRebalance), "plan")
	}
	if open := snap.Transitional(); len(open) > 0 {
		p := errdefs.Precondition("%d slots are open", len(open))
		p.Remediation = errdefs.RemediationCheckFix
		return nil, errdefs.WithStep(p, string(KindRebalance), "plan")
	}
	rounds, err := PlanRebalance(snap, weights)
	if err != nil {
		return nil, errdefs.WithStep(err, string(KindRebalance), "plan")
	}

	var targets []types.NodeID
	seen := make(map[types.NodeID]bool)
	for _, r := range rounds {
		for _, mv := range r {
			for _, id := range []types.NodeID{mv.From, mv.To} {
				if seen[id] {
					continue
				}
				if snap.IsUnreachable(id) {
					return nil, errdefs.WithStep(errdefs.Precondition("master %s is unreachable", id.Short()),
						string(KindRebalance), "plan")
				}
				seen[id] = true
				targets = append(targets, id)
			}
		}
	}

	op, err := o.begin(KindRebalance, targets, map[string]string{
		"rounds":  strconv.Itoa(len(rounds)),
		"weights": formatWeights(weights),
	})
	if err != nil {
		return nil, err
	}

	// Select every slot up front so that a master acting as source in
	// several rounds never hands out the same slot twice
	remaining := make(map[types.NodeID]types.SlotSet)
	selected := make([][][]int, len(rounds))
	want := make(map[int]types.NodeID)
	for r, round := range rounds {
		selected[r] = make([][]int, len(round))
		for i, mv := range round {
			set, ok := remaining[mv.From]
			if !ok {
				set = snap.SlotsOf(mv.From)
			}
			slots := SelectSlots(set, mv.Count)
			for _, slot := range slots {
				set.Remove(slot)
				want[slot] = mv.To
				op.plan.AddStep(slotStepName(slot, mv.From, mv.To))
			}
			remaining[mv.From] = set
			selected[r][i] = slots
		}
	}
	if len(want) > 0 {
		op.plan.AddStep("verify")
	}

	l := &ledger{}
	err = o.runRounds(ctx, op, snap, rounds, selected, l)
	if err == nil && len(want) > 0 {
		err = op.step(ctx, "verify", func(ctx context.Context) error {
			return o.verifyOwners(ctx, snap, want)
		})
	}
	return op.plan, op.finish(l.result(string(KindRebalance), err))
}

func (o *Orchestrator) runRounds(ctx context.Context, op *operation, snap *topology.Snapshot, rounds []Round, selected [][][]int, l *ledger) error {
	for r, round := range rounds {
		if err := ctx.Err(); err != nil {
			for _, later := range selected[r:] {
				for _, slots := range later {
					l.skip(slots...)
				}
			}
			return errdefs.WithStep(err, string(KindRebalance), "round "+strconv.Itoa(r+1))
		}

		op.logger.Info().Int("round", r+1).Int("moves", len(round)).Msg("Starting rebalance round")
		var g errgroup.Group
		for i, mv := range round {
			mv, slots := mv, selected[r][i]
			src, _ := snap.Node(mv.From)
			dst, _ := snap.Node(mv.To)
			g.Go(func() error {
				return o.moveSlots(ctx, op, snap, src, dst, slots, l)
			})
		}
		if err := g.Wait(); err != nil {
			for _, later := range selected[r+1:] {
				for _, slots := range later {
					l.skip(slots...)
				}
			}
			return err
		}
	}
	return nil
}

func formatWeights(weights map[types.NodeID]float64) string {
	ids := make([]types.NodeID, 0, len(weights))
	for id := range weights {
		ids = append(ids, id)
	}
	types.SortNodeIDs(ids)
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = id.Short() + "=" + strconv.FormatFloat(weights[id], 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}
