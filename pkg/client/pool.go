package client

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// Node is the command surface orchestrators and the topology builder use.
// *Client implements it; tests substitute fakes.
type Node interface {
	Endpoint() types.Endpoint
	Ping(ctx context.Context) PingStatus
	GetRole(ctx context.Context) (types.Role, error)
	GetReplicationInfo(ctx context.Context) (types.ReplicationInfo, error)
	GetClusterNodes(ctx context.Context) ([]types.NodeRecord, error)
	GetClusterInfo(ctx context.Context) (types.ClusterInfo, error)
	GetMetrics(ctx context.Context) (types.Metrics, error)
	MyID(ctx context.Context) (types.NodeID, error)
	Meet(ctx context.Context, ep types.Endpoint) error
	Forget(ctx context.Context, id types.NodeID) error
	Replicate(ctx context.Context, master types.NodeID) error
	Failover(ctx context.Context, mode FailoverMode) error
	SetSlot(ctx context.Context, slot int, mode SlotMode, nodeID types.NodeID) error
	AddSlots(ctx context.Context, slots ...int) error
	CountKeysInSlot(ctx context.Context, slot int) (int64, error)
	GetKeysInSlot(ctx context.Context, slot, count int) ([]string, error)
	MigrateKeys(ctx context.Context, target types.Endpoint, keys []string, timeout time.Duration) error
	BGSave(ctx context.Context) error
	LastSave(ctx context.Context) (time.Time, error)
	Shutdown(ctx context.Context, save bool) error
	Pause(ctx context.Context, d time.Duration) error
}

// Dialer hands out a Node for an endpoint
type Dialer interface {
	Dial(ep types.Endpoint) Node
}

// Pool is a Dialer that keeps one Client per address
type Pool struct {
	opts Options

	mu      sync.Mutex
	clients map[string]*Client
}

// NewPool creates a pool whose clients share opts
func NewPool(opts Options) *Pool {
	return &Pool{
		opts:    opts,
		clients: make(map[string]*Client),
	}
}

// Dial returns the pooled client for ep, creating it on first use
func (p *Pool) Dial(ep types.Endpoint) Node {
	p.mu.Lock()
	defer p.mu.Unlock()

	addr := ep.Addr()
	if c, ok := p.clients[addr]; ok {
		return c
	}
	c := New(types.Endpoint{Host: ep.Host, Port: ep.Port}, p.opts)
	p.clients[addr] = c
	return c
}

// Close closes every pooled client
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var firstErr error
	for addr, c := range p.clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.clients, addr)
	}
	return firstErr
}
