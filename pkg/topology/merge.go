package topology

import (
	"sort"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// Observation is what one polled endpoint reported
type Observation struct {
	Endpoint types.Endpoint
	// Records is the endpoint's CLUSTER NODES table; nil when unreachable
	Records []types.NodeRecord
	Info    *types.ClusterInfo
	Err     error
}

// Reachable reports whether the endpoint answered with a node table
func (o Observation) Reachable() bool {
	return o.Err == nil && o.Records != nil
}

func (o Observation) self() (types.NodeRecord, bool) {
	for _, r := range o.Records {
		if r.Flags.Has(types.FlagMyself) {
			return r, true
		}
	}
	return types.NodeRecord{}, false
}

// Merge builds a snapshot from per-endpoint observations. It is a pure
// function of its inputs.
//
// A node's own record wins over what peers report about it. Slot ownership is
// compared across every reachable master: when they disagree the snapshot is
// marked inconsistent and the owner with the highest config epoch is chosen;
// equal epochs leave the slot unresolved (no owner).
func Merge(observedAt time.Time, obs []Observation) *Snapshot {
	sorted := append([]Observation(nil), obs...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Endpoint.Addr() < sorted[j].Endpoint.Addr()
	})

	s := &Snapshot{
		observedAt:  observedAt,
		nodes:       make(map[types.NodeID]*types.NodeRecord),
		consistent:  true,
		unreachable: make(map[types.NodeID]bool),
		info:        make(map[types.NodeID]types.ClusterInfo),
	}

	selfRecords := make(map[types.NodeID]types.NodeRecord)
	peerRecords := make(map[types.NodeID]types.NodeRecord)
	peerFlags := make(map[types.NodeID]types.Flags)
	var viewers []types.NodeRecord
	views := make(map[types.NodeID][]types.NodeRecord)

	for _, o := range sorted {
		s.endpoints = append(s.endpoints, o.Endpoint)
		if !o.Reachable() {
			continue
		}
		self, ok := o.self()
		if !ok {
			continue
		}
		selfRecords[self.ID] = self
		views[self.ID] = o.Records
		viewers = append(viewers, self)
		if o.Info != nil {
			s.info[self.ID] = *o.Info
		}
		for _, r := range o.Records {
			if r.ID == self.ID {
				continue
			}
			if _, seen := peerRecords[r.ID]; !seen {
				peerRecords[r.ID] = r
			}
			for _, f := range []types.Flag{types.FlagFail, types.FlagPFail} {
				if r.Flags.Has(f) && !peerFlags[r.ID].Has(f) {
					peerFlags[r.ID] = append(peerFlags[r.ID], f)
				}
			}
		}
	}

	for id, r := range peerRecords {
		rec := r.Clone()
		if self, ok := selfRecords[id]; ok {
			rec = self.Clone()
		}
		s.nodes[id] = rec
	}
	for id, r := range selfRecords {
		if _, ok := s.nodes[id]; !ok {
			s.nodes[id] = r.Clone()
		}
	}
	for id, rec := range s.nodes {
		flags := types.Flags{}
		for _, f := range rec.Flags {
			if f != types.FlagMyself && f != types.FlagFail && f != types.FlagPFail {
				flags = append(flags, f)
			}
		}
		rec.Flags = append(flags, peerFlags[id]...)
		if _, self := selfRecords[id]; !self {
			// Open slots are only meaningful in a node's report about itself
			rec.OpenSlots = nil
		} else {
			rec.LinkState = types.LinkConnected
		}
		s.order = append(s.order, id)
	}
	sort.Slice(s.order, func(i, j int) bool { return s.order[i] < s.order[j] })

	// Polled endpoints that did not answer: match them to known nodes
	for _, o := range sorted {
		if o.Reachable() {
			if _, ok := o.self(); ok {
				continue
			}
		}
		matched := false
		for _, id := range s.order {
			n := s.nodes[id]
			if n.Endpoint.Host == o.Endpoint.Host && n.Endpoint.Port == o.Endpoint.Port {
				if _, self := selfRecords[id]; !self {
					s.unreachable[id] = true
					n.LinkState = types.LinkDisconnected
				}
				matched = true
			}
		}
		if !matched || !o.Reachable() {
			s.failedEps = append(s.failedEps, o.Endpoint)
		}
	}

	s.resolveOwnership(viewers, views)
	s.checkMembership(viewers, views)
	return s
}

// slotViewers returns the nodes whose slot view is authoritative: reachable
// masters, or every reachable node when no master answered
func slotViewers(viewers []types.NodeRecord) []types.NodeRecord {
	var masters []types.NodeRecord
	for _, v := range viewers {
		if v.IsMaster() {
			masters = append(masters, v)
		}
	}
	if len(masters) > 0 {
		return masters
	}
	return viewers
}

func ownerTable(records []types.NodeRecord) [types.TotalSlots]types.NodeID {
	var table [types.TotalSlots]types.NodeID
	for _, r := range records {
		if !r.IsMaster() {
			continue
		}
		for _, slot := range r.Slots.Slots() {
			table[slot] = r.ID
		}
	}
	return table
}

func (s *Snapshot) epochOf(id types.NodeID) uint64 {
	if n, ok := s.nodes[id]; ok {
		return n.ConfigEpoch
	}
	return 0
}

func (s *Snapshot) resolveOwnership(viewers []types.NodeRecord, views map[types.NodeID][]types.NodeRecord) {
	authoritative := slotViewers(viewers)
	if len(authoritative) == 0 {
		// Nothing answered; fall back to whatever peers reported
		for _, id := range s.order {
			if n := s.nodes[id]; n.IsMaster() {
				for _, slot := range n.Slots.Slots() {
					s.owners[slot] = id
				}
			}
		}
		s.applyOwners()
		return
	}

	tables := make([][types.TotalSlots]types.NodeID, len(authoritative))
	for i, v := range authoritative {
		tables[i] = ownerTable(views[v.ID])
	}

	grouped := make(map[string]*Conflict)
	var keys []string
	for slot := 0; slot < types.TotalSlots; slot++ {
		first := tables[0][slot]
		agree := true
		for i := 1; i < len(tables); i++ {
			if tables[i][slot] != first {
				agree = false
				break
			}
		}
		if agree && s.canOwn(first) {
			s.owners[slot] = first
			continue
		}

		claims := make([]Claim, len(authoritative))
		for i, v := range authoritative {
			claims[i] = Claim{Viewer: v.ID, Owner: tables[i][slot]}
		}
		winner, resolved := first, true
		if !agree {
			winner, resolved = s.tieBreak(claims)
		}
		if !s.canOwn(winner) {
			// The claimed owner reports itself as a replica
			claims = append(claims, Claim{Viewer: winner})
			winner, resolved = "", false
		}
		s.owners[slot] = winner

		key := claimKey(claims)
		c, ok := grouped[key]
		if !ok {
			c = &Conflict{Claims: claims, Winner: winner, Resolved: resolved}
			grouped[key] = c
			keys = append(keys, key)
		}
		c.Slots.Add(slot)
	}

	sort.Strings(keys)
	for _, k := range keys {
		s.conflicts = append(s.conflicts, *grouped[k])
	}
	if len(s.conflicts) > 0 {
		s.consistent = false
	}
	s.applyOwners()
}

// canOwn reports whether id may be recorded as a slot owner: unassigned, not
// in the merged node set, or a master in its merged record
func (s *Snapshot) canOwn(id types.NodeID) bool {
	n, ok := s.nodes[id]
	return id == "" || !ok || n.IsMaster()
}

// tieBreak picks the claimed owner with the strictly highest config epoch.
// A claim of "unassigned" never wins over a named owner.
func (s *Snapshot) tieBreak(claims []Claim) (types.NodeID, bool) {
	var best types.NodeID
	var bestEpoch uint64
	tied := false
	seen := make(map[types.NodeID]bool)
	for _, c := range claims {
		if c.Owner == "" || seen[c.Owner] {
			continue
		}
		seen[c.Owner] = true
		e := s.epochOf(c.Owner)
		switch {
		case best == "" || e > bestEpoch:
			best, bestEpoch, tied = c.Owner, e, false
		case e == bestEpoch:
			tied = true
		}
	}
	if tied || (best != "" && bestEpoch == 0 && len(seen) > 1) {
		return "", false
	}
	return best, best != ""
}

func claimKey(claims []Claim) string {
	parts := make([]string, len(claims))
	for i, c := range claims {
		parts[i] = string(c.Viewer) + "=" + string(c.Owner)
	}
	return strings.Join(parts, ",")
}

// applyOwners rewrites every master's slot set from the resolved owner table
func (s *Snapshot) applyOwners() {
	for _, n := range s.nodes {
		n.Slots = types.SlotSet{}
	}
	for slot, o := range s.owners {
		if n, ok := s.nodes[o]; ok {
			n.Slots.Add(slot)
		} else if o != "" {
			s.owners[slot] = ""
		}
	}
}

func (s *Snapshot) checkMembership(viewers []types.NodeRecord, views map[types.NodeID][]types.NodeRecord) {
	authoritative := slotViewers(viewers)
	if len(authoritative) < 2 {
		return
	}
	known := make([]map[types.NodeID]bool, len(authoritative))
	for i, v := range authoritative {
		known[i] = make(map[types.NodeID]bool)
		for _, r := range views[v.ID] {
			if !r.Flags.Has(types.FlagHandshake) && !r.Flags.Has(types.FlagNoAddr) {
				known[i][r.ID] = true
			}
		}
	}
	for _, id := range s.order {
		var missing []types.NodeID
		seen := false
		for i, v := range authoritative {
			if known[i][id] {
				seen = true
			} else {
				missing = append(missing, v.ID)
			}
		}
		if seen && len(missing) > 0 {
			s.membership = append(s.membership, MembershipConflict{NodeID: id, MissingFrom: missing})
		}
	}
	if len(s.membership) > 0 {
		s.consistent = false
	}
}
