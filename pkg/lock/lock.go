// Package lock implements the advisory per-node lock table that serializes
// operations touching the same node's slots or role.
//
// Locks are never queued. A request for a node that is already held fails
// at once with a conflict error naming the holder.
package lock

import (
	"sort"
	"sync"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/types"
)

// Holder describes the operation holding a node
type Holder struct {
	OperationID string    `json:"operation_id" yaml:"operation_id"`
	Kind        string    `json:"kind" yaml:"kind"`
	Since       time.Time `json:"since" yaml:"since"`
}

func (h Holder) String() string {
	return h.Kind + " " + h.OperationID
}

// Table maps node IDs to the operation holding them. The zero value is not
// usable; use NewTable.
type Table struct {
	mu   sync.Mutex
	held map[types.NodeID]Holder
	now  func() time.Time
}

// NewTable creates an empty lock table
func NewTable() *Table {
	return &Table{
		held: make(map[types.NodeID]Holder),
		now:  time.Now,
	}
}

// Lease is a set of nodes held by one operation
type Lease struct {
	table  *Table
	holder Holder
	ids    []types.NodeID
	once   sync.Once
}

// Acquire locks every node in ids for the operation, or none of them. When any
// node is already held the returned error is a conflict naming it.
func (t *Table) Acquire(operationID, kind string, ids ...types.NodeID) (*Lease, error) {
	unique := make(map[types.NodeID]bool, len(ids))
	var sorted []types.NodeID
	for _, id := range ids {
		if id == "" || unique[id] {
			continue
		}
		unique[id] = true
		sorted = append(sorted, id)
	}
	types.SortNodeIDs(sorted)

	t.mu.Lock()
	defer t.mu.Unlock()

	for _, id := range sorted {
		if h, ok := t.held[id]; ok {
			return nil, errdefs.Conflict(string(id), h.String())
		}
	}

	holder := Holder{OperationID: operationID, Kind: kind, Since: t.now()}
	for _, id := range sorted {
		t.held[id] = holder
	}
	return &Lease{table: t, holder: holder, ids: sorted}, nil
}

// Release unlocks the lease's nodes. Calling it more than once is a no-op.
func (l *Lease) Release() {
	if l == nil {
		return
	}
	l.once.Do(func() {
		l.table.mu.Lock()
		defer l.table.mu.Unlock()
		for _, id := range l.ids {
			if h, ok := l.table.held[id]; ok && h.OperationID == l.holder.OperationID {
				delete(l.table.held, id)
			}
		}
	})
}

// Extend adds nodes to a lease already held, with the same all-or-nothing
// rule as Acquire. Nodes the lease already holds are skipped.
func (l *Lease) Extend(ids ...types.NodeID) error {
	t := l.table
	t.mu.Lock()
	defer t.mu.Unlock()

	var add []types.NodeID
	for _, id := range ids {
		if id == "" {
			continue
		}
		h, ok := t.held[id]
		if ok && h.OperationID == l.holder.OperationID {
			continue
		}
		if ok {
			return errdefs.Conflict(string(id), h.String())
		}
		add = append(add, id)
	}
	for _, id := range add {
		t.held[id] = l.holder
	}
	l.ids = append(l.ids, add...)
	return nil
}

// NodeIDs returns the nodes held by the lease
func (l *Lease) NodeIDs() []types.NodeID {
	return append([]types.NodeID(nil), l.ids...)
}

// Held returns a copy of the table
func (t *Table) Held() map[types.NodeID]Holder {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.NodeID]Holder, len(t.held))
	for id, h := range t.held {
		out[id] = h
	}
	return out
}

// HeldBy returns the nodes held by an operation in sorted order
func (t *Table) HeldBy(operationID string) []types.NodeID {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ids []types.NodeID
	for id, h := range t.held {
		if h.OperationID == operationID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
