package types

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"
)

// TotalSlots is the size of the store's hash-slot space
const TotalSlots = 16384

// NodeID is the store-assigned identity of a node. It survives restarts as
// long as the node keeps its on-disk cluster config.
type NodeID string

// Short returns the first 8 characters of the ID for display
func (id NodeID) Short() string {
	if len(id) <= 8 {
		return string(id)
	}
	return string(id[:8])
}

// Endpoint is the network address of a store node
type Endpoint struct {
	Host    string `json:"host" yaml:"host"`
	Port    int    `json:"port" yaml:"port"`
	BusPort int    `json:"bus_port,omitempty" yaml:"bus_port,omitempty"`
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e Endpoint) String() string {
	if e.BusPort == 0 {
		return e.Addr()
	}
	return fmt.Sprintf("%s@%d", e.Addr(), e.BusPort)
}

// IsZero reports whether the endpoint is unset
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

// ParseEndpoint parses "host:port" or "host:port@busport"
func ParseEndpoint(s string) (Endpoint, error) {
	var ep Endpoint
	addr := s
	if i := strings.IndexByte(s, '@'); i >= 0 {
		addr = s[:i]
		bus := s[i+1:]
		// Newer stores append ",hostname" to the bus port
		if j := strings.IndexByte(bus, ','); j >= 0 {
			bus = bus[:j]
		}
		busPort, err := strconv.Atoi(bus)
		if err != nil {
			return ep, fmt.Errorf("invalid bus port in %q: %w", s, err)
		}
		ep.BusPort = busPort
	}

	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return ep, fmt.Errorf("invalid endpoint %q: %w", s, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return ep, fmt.Errorf("invalid port in %q", s)
	}
	ep.Host = host
	ep.Port = port
	return ep, nil
}

// ParseEndpoints parses a list of endpoint strings
func ParseEndpoints(list []string) ([]Endpoint, error) {
	eps := make([]Endpoint, 0, len(list))
	for _, s := range list {
		ep, err := ParseEndpoint(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		eps = append(eps, ep)
	}
	return eps, nil
}

// Role defines the role of a node
type Role string

const (
	RoleUnknown Role = ""
	RoleMaster  Role = "master"
	RoleReplica Role = "replica"
)

// LinkState is the state of the cluster-bus link to a node
type LinkState string

const (
	LinkConnected    LinkState = "connected"
	LinkDisconnected LinkState = "disconnected"
)

// Flag is one of the node flags reported in the node table
type Flag string

const (
	FlagMyself    Flag = "myself"
	FlagFail      Flag = "fail"
	FlagPFail     Flag = "fail?"
	FlagHandshake Flag = "handshake"
	FlagNoAddr    Flag = "noaddr"
)

// Flags is a set of node flags
type Flags []Flag

// Has reports whether f is set
func (fs Flags) Has(f Flag) bool {
	for _, x := range fs {
		if x == f {
			return true
		}
	}
	return false
}

// SlotState is the transitional state of a slot during migration
type SlotState string

const (
	SlotStable    SlotState = "stable"
	SlotMigrating SlotState = "migrating"
	SlotImporting SlotState = "importing"
)

// OpenSlot is a slot a node reports as migrating to or importing from a peer
type OpenSlot struct {
	Slot  int       `json:"slot" yaml:"slot"`
	State SlotState `json:"state" yaml:"state"`
	Peer  NodeID    `json:"peer" yaml:"peer"`
}

// NodeRecord is one node as seen in a topology view
type NodeRecord struct {
	ID          NodeID     `json:"id" yaml:"id"`
	Endpoint    Endpoint   `json:"endpoint" yaml:"endpoint"`
	Role        Role       `json:"role" yaml:"role"`
	LinkState   LinkState  `json:"link_state" yaml:"link_state"`
	ReplicaOf   NodeID     `json:"replica_of,omitempty" yaml:"replica_of,omitempty"`
	Slots       SlotSet    `json:"slots" yaml:"slots"`
	Flags       Flags      `json:"flags,omitempty" yaml:"flags,omitempty"`
	ConfigEpoch uint64     `json:"config_epoch" yaml:"config_epoch"`
	OpenSlots   []OpenSlot `json:"open_slots,omitempty" yaml:"open_slots,omitempty"`
}

// IsMaster reports whether the record has the master role
func (n *NodeRecord) IsMaster() bool {
	return n.Role == RoleMaster
}

// Failing reports whether the node is flagged fail or fail?
func (n *NodeRecord) Failing() bool {
	return n.Flags.Has(FlagFail) || n.Flags.Has(FlagPFail)
}

// Clone returns a deep copy of the record
func (n *NodeRecord) Clone() *NodeRecord {
	c := *n
	c.Flags = append(Flags(nil), n.Flags...)
	c.OpenSlots = append([]OpenSlot(nil), n.OpenSlots...)
	return &c
}

// ClusterInfo is the decoded CLUSTER INFO reply
type ClusterInfo struct {
	State         string `json:"state" yaml:"state"`
	SlotsAssigned int    `json:"slots_assigned" yaml:"slots_assigned"`
	SlotsOK       int    `json:"slots_ok" yaml:"slots_ok"`
	SlotsPFail    int    `json:"slots_pfail" yaml:"slots_pfail"`
	SlotsFail     int    `json:"slots_fail" yaml:"slots_fail"`
	KnownNodes    int    `json:"known_nodes" yaml:"known_nodes"`
	Size          int    `json:"size" yaml:"size"`
	CurrentEpoch  uint64 `json:"current_epoch" yaml:"current_epoch"`
	MyEpoch       uint64 `json:"my_epoch" yaml:"my_epoch"`
}

// OK reports whether the node considers the cluster healthy
func (c ClusterInfo) OK() bool {
	return c.State == "ok"
}

// ReplicationInfo is the decoded INFO replication section
type ReplicationInfo struct {
	Role              Role     `json:"role" yaml:"role"`
	Master            Endpoint `json:"master,omitempty" yaml:"master,omitempty"`
	LinkStatus        string   `json:"link_status,omitempty" yaml:"link_status,omitempty"`
	LastIOSecondsAgo  int      `json:"last_io_seconds_ago" yaml:"last_io_seconds_ago"`
	ConnectedReplicas int      `json:"connected_replicas" yaml:"connected_replicas"`
	Offset            int64    `json:"offset" yaml:"offset"`
}

// LinkUp reports whether the replica's link to its master is up
func (r ReplicationInfo) LinkUp() bool {
	return r.LinkStatus == "up"
}

// Metrics is a point-in-time resource reading of one node
type Metrics struct {
	UsedMemoryBytes       int64      `json:"used_memory_bytes" yaml:"used_memory_bytes"`
	MaxMemoryBytes        int64      `json:"max_memory_bytes" yaml:"max_memory_bytes"`
	ConnectedClients      int        `json:"connected_clients" yaml:"connected_clients"`
	OpsPerSecond          int64      `json:"ops_per_second" yaml:"ops_per_second"`
	ReplicationLagSeconds *int       `json:"replication_lag_seconds,omitempty" yaml:"replication_lag_seconds,omitempty"`
	LinkStatus            string     `json:"link_status,omitempty" yaml:"link_status,omitempty"`
	LastSaveTimestamp     *time.Time `json:"last_save_timestamp,omitempty" yaml:"last_save_timestamp,omitempty"`
	LastBgsaveOK          *bool      `json:"last_bgsave_ok,omitempty" yaml:"last_bgsave_ok,omitempty"`
	AOFEnabled            *bool      `json:"aof_enabled,omitempty" yaml:"aof_enabled,omitempty"`
}

// MemoryRatio returns used/max, or 0 when maxmemory is unbounded
func (m Metrics) MemoryRatio() float64 {
	if m.MaxMemoryBytes <= 0 {
		return 0
	}
	return float64(m.UsedMemoryBytes) / float64(m.MaxMemoryBytes)
}

// SortNodeIDs sorts ids in place and returns them
func SortNodeIDs(ids []NodeID) []NodeID {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
