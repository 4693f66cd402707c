package simcluster

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// Endpoints returns the address of every node in creation order
func (c *Cluster) Endpoints() []types.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	eps := make([]types.Endpoint, 0, len(c.order))
	for _, id := range c.order {
		eps = append(eps, c.nodes[id].endpoint())
	}
	return eps
}

// Addrs returns host:port of every node in creation order
func (c *Cluster) Addrs() []string {
	eps := c.Endpoints()
	addrs := make([]string, len(eps))
	for i, ep := range eps {
		addrs[i] = ep.Addr()
	}
	return addrs
}

// IDs returns every node ID in creation order
func (c *Cluster) IDs() []types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]types.NodeID(nil), c.order...)
}

// Masters returns the IDs of current masters that own slots, in creation order
func (c *Cluster) Masters() []types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []types.NodeID
	for _, id := range c.order {
		if c.nodes[id].role == types.RoleMaster && c.ownsAny(id) {
			ids = append(ids, id)
		}
	}
	return ids
}

// Replicas returns the replicas of master in creation order
func (c *Cluster) Replicas(master types.NodeID) []types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replicaIDs(master)
}

// Endpoint returns the address of id
func (c *Cluster) Endpoint(id types.NodeID) types.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return n.endpoint()
	}
	return types.Endpoint{}
}

// Role returns the true role of id
func (c *Cluster) Role(id types.NodeID) types.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return n.role
	}
	return types.RoleUnknown
}

// MasterOf returns the master id replicates, or "" for masters
func (c *Cluster) MasterOf(id types.NodeID) types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return n.replicaOf
	}
	return ""
}

// Owner returns the owner of slot
func (c *Cluster) Owner(slot int) types.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.owner[slot]
}

// SlotsOf returns the slots owned by id
func (c *Cluster) SlotsOf(id types.NodeID) types.SlotSet {
	c.mu.Lock()
	defer c.mu.Unlock()
	var set types.SlotSet
	for s, o := range c.owner {
		if o == id {
			set.Add(s)
		}
	}
	return set
}

// Running reports whether id is accepting connections
func (c *Cluster) Running(id types.NodeID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	return ok && n.running
}

// Value returns the value of key stored on id
func (c *Cluster) Value(id types.NodeID, key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[id]
	if !ok {
		return "", false
	}
	v, ok := n.data[key]
	return v, ok
}

// KeyCount returns the number of keys stored on id
func (c *Cluster) KeyCount(id types.NodeID) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		return len(n.data)
	}
	return 0
}

// Put writes key directly on the owner of its slot, bypassing routing
func (c *Cluster) Put(key, value string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[c.owner[slotOf(key)]]
	if !ok {
		return fmt.Errorf("simcluster: slot of %q is unassigned", key)
	}
	c.write(n, key, value)
	return nil
}

// Stop shuts down id as if its process had died
func (c *Cluster) Stop(id types.NodeID) error {
	c.mu.Lock()
	n, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if !n.running {
		c.mu.Unlock()
		return nil
	}
	n.running = false
	n.downSince = time.Now()
	srv, ln := n.srv, n.ln
	n.srv, n.ln = nil, nil
	c.mu.Unlock()

	closeServer(srv, ln)
	return nil
}

// Restart starts a stopped node on its previous address with its previous
// identity. A master that lost its slots while down rejoins as a replica of
// the node that replaced it.
func (c *Cluster) Restart(id types.NodeID) error {
	c.mu.Lock()
	n, err := c.lookup(id)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if n.running {
		c.mu.Unlock()
		return nil
	}
	if n.demotedTo != "" {
		n.role = types.RoleReplica
		n.replicaOf = n.demotedTo
		n.demotedTo = ""
	}
	if n.role == types.RoleReplica {
		if m, ok := c.nodes[n.replicaOf]; ok {
			n.data = copyData(m.data)
		}
	}
	addr := n.addr()
	c.mu.Unlock()

	return c.listen(n, addr)
}

// Pause makes id stop answering for d. Commands received meanwhile are
// served after the pause.
func (c *Cluster) Pause(id types.NodeID, d time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	c.pause(n, d)
	return nil
}

func (c *Cluster) pause(n *node, d time.Duration) {
	now := time.Now()
	n.pauseStart = now
	n.pausedUntil = now.Add(d)
}

// Spawn starts a new empty master that knows no other node
func (c *Cluster) Spawn() (types.NodeID, types.Endpoint, error) {
	n, err := c.spawn()
	if err != nil {
		return "", types.Endpoint{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return n.id, n.endpoint(), nil
}

// SetSlotView makes viewer report owner as the owner of slot, diverging from
// the rest of the cluster
func (c *Cluster) SetSlotView(viewer types.NodeID, slot int, owner types.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(viewer)
	if err != nil {
		return err
	}
	n.view[slot] = owner
	return nil
}

// SetEpoch overrides the config epoch of id
func (c *Cluster) SetEpoch(id types.NodeID, epoch uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	n.epoch = epoch
	return nil
}

// SetOpenSlot leaves slot in a migrating or importing state on id
func (c *Cluster) SetOpenSlot(id types.NodeID, slot int, state types.SlotState, peer types.NodeID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	switch state {
	case types.SlotMigrating:
		n.migrating[slot] = peer
	case types.SlotImporting:
		n.importing[slot] = peer
	default:
		delete(n.migrating, slot)
		delete(n.importing, slot)
	}
	return nil
}

// Unassign removes the owner of slot, leaving a coverage gap
func (c *Cluster) Unassign(slot int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owner[slot] = ""
}

// IgnoreFailover makes id acknowledge CLUSTER FAILOVER without acting on it
func (c *Cluster) IgnoreFailover(id types.NodeID, ignore bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	n.ignoreFailover = ignore
	return nil
}

// SetReplicationLag forces the lag a replica reports
func (c *Cluster) SetReplicationLag(id types.NodeID, seconds int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	n.lagSeconds = seconds
	return nil
}

// SetMemory overrides the memory figures id reports
func (c *Cluster) SetMemory(id types.NodeID, used, max int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, err := c.lookup(id)
	if err != nil {
		return err
	}
	n.usedMemory = used
	n.maxMemory = max
	return nil
}

// StopNode, StartNode and PauseNode let the cluster act as a fault injector
// for the chaos harness.
func (c *Cluster) StopNode(ctx context.Context, rec types.NodeRecord) error {
	return c.Stop(rec.ID)
}

func (c *Cluster) StartNode(ctx context.Context, rec types.NodeRecord) error {
	return c.Restart(rec.ID)
}

func (c *Cluster) PauseNode(ctx context.Context, rec types.NodeRecord, d time.Duration) error {
	return c.Pause(rec.ID, d)
}
