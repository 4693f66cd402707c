package health

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// Evaluator applies the health rules with a fixed set of thresholds
type Evaluator struct {
	thresholds Thresholds
}

// NewEvaluator creates an evaluator
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t}
}

// Thresholds returns the evaluator's thresholds
func (e *Evaluator) Thresholds() Thresholds {
	return e.thresholds
}

// Evaluate derives a Report from a snapshot and per-node metrics. It has no
// side effects and the same inputs always produce the same report.
func (e *Evaluator) Evaluate(snap *topology.Snapshot, metrics map[types.NodeID]types.Metrics) Report {
	return Evaluate(snap, metrics, e.thresholds)
}

// CheckResult is the outcome of a consistency check
type CheckResult struct {
	Report      Report                  `json:"report" yaml:"report"`
	OpenSlots   []topology.Transitional `json:"open_slots" yaml:"open_slots"`
	Gaps        types.SlotSet           `json:"gaps" yaml:"gaps"`
	Conflicts   []topology.Conflict     `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	Unreachable []types.NodeID          `json:"unreachable,omitempty" yaml:"unreachable,omitempty"`
}

// NeedsFix reports whether fix has anything to repair
func (c CheckResult) NeedsFix() bool {
	return len(c.OpenSlots) > 0 || !c.Gaps.Empty()
}

// Check evaluates snap and lists what the fix operation would act on
func (e *Evaluator) Check(snap *topology.Snapshot, metrics map[types.NodeID]types.Metrics) CheckResult {
	return CheckResult{
		Report:      e.Evaluate(snap, metrics),
		OpenSlots:   snap.Transitional(),
		Gaps:        snap.Gaps(),
		Conflicts:   snap.Conflicts(),
		Unreachable: snap.Unreachable(),
	}
}

// Evaluate derives a Report from a snapshot and per-node metrics
func Evaluate(snap *topology.Snapshot, metrics map[types.NodeID]types.Metrics, t Thresholds) Report {
	var issues []Issue
	add := func(sev Severity, id types.NodeID, cat Category, format string, args ...interface{}) {
		issues = append(issues, Issue{Severity: sev, NodeID: id, Category: cat, Message: fmt.Sprintf(format, args...)})
	}

	slotsOK := snap.SlotsOK()
	if slotsOK < types.TotalSlots {
		add(SeverityCritical, "", CategoryCoverage, "%d of %d slots served", slotsOK, types.TotalSlots)
	}
	if gaps := snap.Gaps(); !gaps.Empty() {
		add(SeverityCritical, "", CategoryCoverage, "%d slots without owner: %s", gaps.Len(), gaps)
	}
	for _, c := range snap.Conflicts() {
		if c.Resolved {
			add(SeverityWarning, "", CategoryTopology, "masters disagree on slots %s, resolved for %s by config epoch", c.Slots, c.Winner.Short())
		} else {
			add(SeverityWarning, "", CategoryTopology, "masters disagree on slots %s, unresolved", c.Slots)
		}
	}
	for _, m := range snap.MembershipConflicts() {
		missing := make([]string, len(m.MissingFrom))
		for i, id := range m.MissingFrom {
			missing[i] = id.Short()
		}
		add(SeverityWarning, m.NodeID, CategoryTopology, "unknown to %s", strings.Join(missing, ","))
	}

	for _, rec := range snap.Nodes() {
		id := rec.ID
		if snap.IsUnreachable(id) {
			add(SeverityCritical, id, CategoryReachability, "%s did not answer", rec.Endpoint.Addr())
		}
		switch {
		case rec.Flags.Has(types.FlagFail):
			add(SeverityCritical, id, CategoryFailure, "flagged fail by peers")
		case rec.Flags.Has(types.FlagPFail):
			add(SeverityWarning, id, CategoryFailure, "flagged fail? by peers")
		}
		if ci, ok := snap.ClusterInfo(id); ok && !ci.OK() {
			add(SeverityCritical, id, CategoryClusterState, "reports cluster_state:%s", ci.State)
		}
		if rec.IsMaster() && !rec.Slots.Empty() && len(snap.ReplicasOf(id)) == 0 {
			add(SeverityWarning, id, CategoryRedundancy, "master owns %d slots and has no replica", rec.Slots.Len())
		}

		m, ok := metrics[id]
		if !ok {
			continue
		}
		if ratio := m.MemoryRatio(); m.MaxMemoryBytes > 0 {
			switch {
			case ratio >= t.MemoryCritical:
				add(SeverityCritical, id, CategoryMemory, "memory at %.0f%% of maxmemory", ratio*100)
			case ratio >= t.MemoryWarning:
				add(SeverityWarning, id, CategoryMemory, "memory at %.0f%% of maxmemory", ratio*100)
			}
		}
		if rec.Role == types.RoleReplica {
			if m.LinkStatus != "up" {
				status := m.LinkStatus
				if status == "" {
					status = "unknown"
				}
				add(SeverityCritical, id, CategoryReplication, "link to master is %s", status)
			} else if m.ReplicationLagSeconds != nil && t.MaxReplicationLag > 0 &&
				float64(*m.ReplicationLagSeconds) > t.MaxReplicationLag.Seconds() {
				add(SeverityWarning, id, CategoryReplication, "replication lag %ds above %s", *m.ReplicationLagSeconds, t.MaxReplicationLag)
			}
		}
		if m.LastBgsaveOK != nil && !*m.LastBgsaveOK {
			add(SeverityWarning, id, CategoryPersistence, "last background save failed")
		}
	}

	for _, open := range snap.Transitional() {
		add(SeverityWarning, open.NodeID, CategoryMigration, "slot %d is %s (peer %s)", open.Slot, open.State, open.Peer.Short())
	}

	sortIssues(issues)

	r := Report{
		ObservedAt: snap.ObservedAt(),
		SlotsOK:    slotsOK,
		Consistent: snap.Consistent(),
		Issues:     []Issue{},
		Warnings:   []Issue{},
	}
	for _, i := range issues {
		if i.Severity == SeverityCritical {
			r.Issues = append(r.Issues, i)
		} else {
			r.Warnings = append(r.Warnings, i)
		}
	}

	switch {
	case !r.Consistent || slotsOK < types.TotalSlots || len(r.Issues) > 0:
		r.State = StateFailed
	case len(r.Warnings) > 0:
		r.State = StateDegraded
	default:
		r.State = StateOK
	}
	return r
}

// sortIssues orders by severity (critical first), node ID, category and
// message so that the result does not depend on discovery order
func sortIssues(issues []Issue) {
	sort.SliceStable(issues, func(i, j int) bool {
		a, b := issues[i], issues[j]
		if a.Severity.rank() != b.Severity.rank() {
			return a.Severity.rank() > b.Severity.rank()
		}
		if a.NodeID != b.NodeID {
			return a.NodeID < b.NodeID
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Message < b.Message
	})
}
