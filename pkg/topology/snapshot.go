package topology

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/types"
)

// Claim is one viewer's opinion about who owns a set of slots
type Claim struct {
	Viewer types.NodeID `json:"viewer" yaml:"viewer"`
	Owner  types.NodeID `json:"owner" yaml:"owner"`
}

// Conflict groups slots on which reachable masters disagree
type Conflict struct {
	Slots    types.SlotSet `json:"slots" yaml:"slots"`
	Claims   []Claim       `json:"claims" yaml:"claims"`
	Winner   types.NodeID  `json:"winner,omitempty" yaml:"winner,omitempty"`
	Resolved bool          `json:"resolved" yaml:"resolved"`
}

// MembershipConflict reports a node that some masters know and others do not
type MembershipConflict struct {
	NodeID      types.NodeID   `json:"node_id" yaml:"node_id"`
	MissingFrom []types.NodeID `json:"missing_from" yaml:"missing_from"`
}

// Transitional is a slot a node reports as migrating or importing
type Transitional struct {
	NodeID types.NodeID `json:"node_id" yaml:"node_id"`
	types.OpenSlot `yaml:",inline"`
}

// Snapshot is an immutable view of the cluster at one point in time. It is
// safe for concurrent readers; every accessor returns copies.
type Snapshot struct {
	observedAt  time.Time
	endpoints   []types.Endpoint
	nodes       map[types.NodeID]*types.NodeRecord
	order       []types.NodeID
	owners      [types.TotalSlots]types.NodeID
	consistent  bool
	conflicts   []Conflict
	membership  []MembershipConflict
	unreachable map[types.NodeID]bool
	failedEps   []types.Endpoint
	info        map[types.NodeID]types.ClusterInfo
}

// ObservedAt returns when the snapshot was built
func (s *Snapshot) ObservedAt() time.Time {
	return s.observedAt
}

// Endpoints returns every endpoint that was polled
func (s *Snapshot) Endpoints() []types.Endpoint {
	return append([]types.Endpoint(nil), s.endpoints...)
}

// Consistent reports whether every reachable master agreed on slot ownership
// and membership
func (s *Snapshot) Consistent() bool {
	return s.consistent
}

// Nodes returns every known node sorted by ID
func (s *Snapshot) Nodes() []types.NodeRecord {
	out := make([]types.NodeRecord, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.nodes[id].Clone())
	}
	return out
}

// Node returns the record of id
func (s *Snapshot) Node(id types.NodeID) (types.NodeRecord, bool) {
	n, ok := s.nodes[id]
	if !ok {
		return types.NodeRecord{}, false
	}
	return *n.Clone(), true
}

// NodeByEndpoint returns the node listening on ep's host:port
func (s *Snapshot) NodeByEndpoint(ep types.Endpoint) (types.NodeRecord, bool) {
	for _, id := range s.order {
		n := s.nodes[id]
		if n.Endpoint.Host == ep.Host && n.Endpoint.Port == ep.Port {
			return *n.Clone(), true
		}
	}
	return types.NodeRecord{}, false
}

// Resolve finds the node named by ref: a host:port endpoint, a full node ID
// or an unambiguous ID prefix
func (s *Snapshot) Resolve(ref string) (types.NodeRecord, error) {
	if ep, err := types.ParseEndpoint(ref); err == nil {
		if rec, ok := s.NodeByEndpoint(ep); ok {
			return rec, nil
		}
		return types.NodeRecord{}, errdefs.Precondition("no node at %s", ep.Addr())
	}
	if rec, ok := s.Node(types.NodeID(ref)); ok {
		return rec, nil
	}
	var found []types.NodeRecord
	for _, id := range s.order {
		if strings.HasPrefix(string(id), ref) {
			found = append(found, *s.nodes[id].Clone())
		}
	}
	switch {
	case ref == "" || len(found) == 0:
		return types.NodeRecord{}, errdefs.Precondition("no node matches %q", ref)
	case len(found) > 1:
		return types.NodeRecord{}, errdefs.Precondition("%q matches %d nodes", ref, len(found))
	}
	return found[0], nil
}

// Masters returns master records sorted by ID
func (s *Snapshot) Masters() []types.NodeRecord {
	var out []types.NodeRecord
	for _, id := range s.order {
		if n := s.nodes[id]; n.IsMaster() {
			out = append(out, *n.Clone())
		}
	}
	return out
}

// ReplicasOf returns the replicas of master sorted by ID
func (s *Snapshot) ReplicasOf(master types.NodeID) []types.NodeRecord {
	var out []types.NodeRecord
	for _, id := range s.order {
		if n := s.nodes[id]; n.Role == types.RoleReplica && n.ReplicaOf == master {
			out = append(out, *n.Clone())
		}
	}
	return out
}

// OwnerOf returns the resolved owner of slot, "" when unassigned or unresolved
func (s *Snapshot) OwnerOf(slot int) types.NodeID {
	if slot < 0 || slot >= types.TotalSlots {
		return ""
	}
	return s.owners[slot]
}

// SlotsOf returns the slots resolved to id
func (s *Snapshot) SlotsOf(id types.NodeID) types.SlotSet {
	if n, ok := s.nodes[id]; ok {
		return n.Slots
	}
	return types.SlotSet{}
}

// Assigned returns every slot with a resolved owner
func (s *Snapshot) Assigned() types.SlotSet {
	var set types.SlotSet
	for slot, o := range s.owners {
		if o != "" {
			set.Add(slot)
		}
	}
	return set
}

// Gaps returns the slots no master owns
func (s *Snapshot) Gaps() types.SlotSet {
	return types.FullSlotSet().Difference(s.Assigned())
}

// Transitional returns every open slot reported by a node about itself,
// ordered by slot then node
func (s *Snapshot) Transitional() []Transitional {
	var out []Transitional
	for _, id := range s.order {
		for _, o := range s.nodes[id].OpenSlots {
			out = append(out, Transitional{NodeID: id, OpenSlot: o})
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Slot != out[j].Slot {
			return out[i].Slot < out[j].Slot
		}
		return out[i].NodeID < out[j].NodeID
	})
	return out
}

// Conflicts returns the slot ownership disagreements found while merging
func (s *Snapshot) Conflicts() []Conflict {
	return append([]Conflict(nil), s.conflicts...)
}

// MembershipConflicts returns the membership disagreements found while merging
func (s *Snapshot) MembershipConflicts() []MembershipConflict {
	return append([]MembershipConflict(nil), s.membership...)
}

// Unreachable returns the IDs of known nodes whose endpoint did not answer
func (s *Snapshot) Unreachable() []types.NodeID {
	var ids []types.NodeID
	for _, id := range s.order {
		if s.unreachable[id] {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsUnreachable reports whether id was polled and did not answer
func (s *Snapshot) IsUnreachable(id types.NodeID) bool {
	return s.unreachable[id]
}

// FailedEndpoints returns polled endpoints that did not answer, including
// ones that match no known node
func (s *Snapshot) FailedEndpoints() []types.Endpoint {
	return append([]types.Endpoint(nil), s.failedEps...)
}

// ClusterInfo returns the CLUSTER INFO reported by id
func (s *Snapshot) ClusterInfo(id types.NodeID) (types.ClusterInfo, bool) {
	ci, ok := s.info[id]
	return ci, ok
}

// SlotsOK returns the lowest cluster_slots_ok reported by a reachable master,
// falling back to any reachable node. It is 0 when nothing reported.
func (s *Snapshot) SlotsOK() int {
	best, found := 0, false
	for _, mastersOnly := range []bool{true, false} {
		for _, id := range s.order {
			ci, ok := s.info[id]
			if !ok || (mastersOnly && !s.nodes[id].IsMaster()) {
				continue
			}
			if !found || ci.SlotsOK < best {
				best, found = ci.SlotsOK, true
			}
		}
		if found {
			return best
		}
	}
	return 0
}

// Changed reports whether roles, replication links or slot ownership differ
// between s and other
func (s *Snapshot) Changed(other *Snapshot) bool {
	if other == nil || len(s.order) != len(other.order) || s.owners != other.owners {
		return true
	}
	for _, id := range s.order {
		a := s.nodes[id]
		b, ok := other.nodes[id]
		if !ok || a.Role != b.Role || a.ReplicaOf != b.ReplicaOf {
			return true
		}
	}
	return false
}

// Summary is the serializable form of a snapshot used by reports and the
// local catalog
type Summary struct {
	ObservedAt          time.Time            `json:"observed_at" yaml:"observed_at"`
	Consistent          bool                 `json:"consistent" yaml:"consistent"`
	SlotsOK             int                  `json:"slots_ok" yaml:"slots_ok"`
	Nodes               []types.NodeRecord   `json:"nodes" yaml:"nodes"`
	Unreachable         []types.NodeID       `json:"unreachable,omitempty" yaml:"unreachable,omitempty"`
	Conflicts           []Conflict           `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	MembershipConflicts []MembershipConflict `json:"membership_conflicts,omitempty" yaml:"membership_conflicts,omitempty"`
	Transitional        []Transitional       `json:"transitional,omitempty" yaml:"transitional,omitempty"`
	Gaps                types.SlotSet        `json:"gaps" yaml:"gaps"`
}

// Summary returns the serializable form of s
func (s *Snapshot) Summary() Summary {
	return Summary{
		ObservedAt:          s.observedAt,
		Consistent:          s.consistent,
		SlotsOK:             s.SlotsOK(),
		Nodes:               s.Nodes(),
		Unreachable:         s.Unreachable(),
		Conflicts:           s.Conflicts(),
		MembershipConflicts: s.MembershipConflicts(),
		Transitional:        s.Transitional(),
		Gaps:                s.Gaps(),
	}
}
