package simcluster

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/cuemby/shardctl/pkg/hashslot"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/tidwall/redcon"
)

// Options configures a simulated cluster
type Options struct {
	Masters           int
	ReplicasPerMaster int
	Host              string
	// FailAfter is how long a node must be unavailable before peers flag it
	// fail instead of fail?
	FailAfter time.Duration
	// PromoteAfter is how long a stopped master waits before one of its
	// replicas is promoted automatically
	PromoteAfter time.Duration
	// FailoverDelay is the time between CLUSTER FAILOVER and the role change
	FailoverDelay time.Duration
	// NoAutoFailover disables automatic promotion
	NoAutoFailover bool
	// Unassigned leaves every slot unowned
	Unassigned     bool
	MaxMemoryBytes int64
}

func (o *Options) setDefaults() {
	if o.Masters <= 0 {
		o.Masters = 3
	}
	if o.Host == "" {
		o.Host = "127.0.0.1"
	}
	if o.FailAfter <= 0 {
		o.FailAfter = 200 * time.Millisecond
	}
	if o.PromoteAfter <= 0 {
		o.PromoteAfter = 400 * time.Millisecond
	}
	if o.FailoverDelay <= 0 {
		o.FailoverDelay = 50 * time.Millisecond
	}
}

type node struct {
	id        types.NodeID
	host      string
	port      int
	role      types.Role
	replicaOf types.NodeID
	epoch     uint64

	data      map[string]string
	migrating map[int]types.NodeID
	importing map[int]types.NodeID
	view      map[int]types.NodeID
	known     map[types.NodeID]bool

	running     bool
	downSince   time.Time
	pauseStart  time.Time
	pausedUntil time.Time
	demotedTo   types.NodeID

	lastSave       int64
	ignoreFailover bool
	lagSeconds     int
	usedMemory     int64
	maxMemory      int64
	clients        int
	ops            int64

	srv *redcon.Server
	ln  net.Listener
}

func (n *node) endpoint() types.Endpoint {
	return types.Endpoint{Host: n.host, Port: n.port, BusPort: n.port + 10000}
}

func (n *node) addr() string {
	return net.JoinHostPort(n.host, strconv.Itoa(n.port))
}

// Cluster is a set of in-process store nodes speaking the wire protocol over
// real TCP sockets. All state lives behind one mutex.
type Cluster struct {
	opts Options

	mu           sync.Mutex
	nodes        map[types.NodeID]*node
	order        []types.NodeID
	owner        [types.TotalSlots]types.NodeID
	currentEpoch uint64
	seq          int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Start launches opts.Masters masters, each with opts.ReplicasPerMaster
// replicas. Slots are split evenly across masters in ascending order unless
// opts.Unassigned is set.
func Start(opts Options) (*Cluster, error) {
	opts.setDefaults()
	c := &Cluster{
		opts:   opts,
		nodes:  make(map[types.NodeID]*node),
		stopCh: make(chan struct{}),
	}

	var masters []*node
	for i := 0; i < opts.Masters; i++ {
		m, err := c.spawn()
		if err != nil {
			c.Close()
			return nil, err
		}
		masters = append(masters, m)
	}

	c.mu.Lock()
	for i, m := range masters {
		m.epoch = uint64(i + 1)
	}
	c.currentEpoch = uint64(opts.Masters)
	if !opts.Unassigned {
		per := types.TotalSlots / opts.Masters
		for i, m := range masters {
			start := i * per
			end := start + per - 1
			if i == opts.Masters-1 {
				end = types.TotalSlots - 1
			}
			for s := start; s <= end; s++ {
				c.owner[s] = m.id
			}
		}
	}
	c.mu.Unlock()

	for _, m := range masters {
		for r := 0; r < opts.ReplicasPerMaster; r++ {
			rep, err := c.spawn()
			if err != nil {
				c.Close()
				return nil, err
			}
			c.mu.Lock()
			rep.role = types.RoleReplica
			rep.replicaOf = m.id
			rep.epoch = m.epoch
			c.mu.Unlock()
		}
	}

	// Every node knows every other node
	c.mu.Lock()
	for _, a := range c.nodes {
		for _, b := range c.nodes {
			a.known[b.id] = true
		}
	}
	c.mu.Unlock()

	c.wg.Add(1)
	go c.failureDetector()
	return c, nil
}

func nodeID(seq int) types.NodeID {
	sum := sha1.Sum([]byte(fmt.Sprintf("simcluster-node-%d", seq)))
	return types.NodeID(hex.EncodeToString(sum[:]))
}

func (c *Cluster) spawn() (*node, error) {
	c.mu.Lock()
	c.seq++
	n := &node{
		id:        nodeID(c.seq),
		host:      c.opts.Host,
		role:      types.RoleMaster,
		data:      make(map[string]string),
		migrating: make(map[int]types.NodeID),
		importing: make(map[int]types.NodeID),
		view:      make(map[int]types.NodeID),
		known:     make(map[types.NodeID]bool),
		maxMemory: c.opts.MaxMemoryBytes,
	}
	n.known[n.id] = true
	c.nodes[n.id] = n
	c.order = append(c.order, n.id)
	c.mu.Unlock()

	if err := c.listen(n, net.JoinHostPort(n.host, "0")); err != nil {
		return nil, err
	}
	return n, nil
}

func (c *Cluster) listen(n *node, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("simcluster: listen %s: %w", addr, err)
	}
	id := n.id
	srv := redcon.NewServer(addr,
		func(conn redcon.Conn, cmd redcon.Command) { c.handle(id, conn, cmd) },
		func(conn redcon.Conn) bool { return c.accept(id, conn) },
		func(conn redcon.Conn, err error) { c.closed(id) },
	)

	c.mu.Lock()
	n.port = ln.Addr().(*net.TCPAddr).Port
	n.srv = srv
	n.ln = ln
	n.running = true
	n.downSince = time.Time{}
	c.mu.Unlock()

	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// Close stops every node
func (c *Cluster) Close() {
	select {
	case <-c.stopCh:
		return
	default:
		close(c.stopCh)
	}
	c.wg.Wait()

	c.mu.Lock()
	var running []*node
	for _, n := range c.nodes {
		if n.running {
			running = append(running, n)
		}
		n.running = false
	}
	c.mu.Unlock()
	for _, n := range running {
		closeServer(n.srv, n.ln)
	}
}

// failureDetector promotes a replica of every master that has been stopped
// for longer than PromoteAfter
func (c *Cluster) failureDetector() {
	defer c.wg.Done()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !c.opts.NoAutoFailover {
				c.promoteFailed()
			}
		case <-c.stopCh:
			return
		}
	}
}

func (c *Cluster) promoteFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for _, id := range c.order {
		m := c.nodes[id]
		if m.running || m.role != types.RoleMaster || now.Sub(m.downSince) < c.opts.PromoteAfter {
			continue
		}
		if !c.ownsAny(m.id) {
			continue
		}
		for _, rid := range c.replicaIDs(m.id) {
			r := c.nodes[rid]
			if r.running && !c.paused(r, now) {
				c.promote(r, m)
				break
			}
		}
	}
}

func (c *Cluster) ownsAny(id types.NodeID) bool {
	for _, o := range c.owner {
		if o == id {
			return true
		}
	}
	return false
}

func (c *Cluster) replicaIDs(master types.NodeID) []types.NodeID {
	var ids []types.NodeID
	for _, id := range c.order {
		if n := c.nodes[id]; n.role == types.RoleReplica && n.replicaOf == master {
			ids = append(ids, id)
		}
	}
	return ids
}

// promote makes r the master of old's slots. Caller holds c.mu.
func (c *Cluster) promote(r, old *node) {
	c.currentEpoch++
	r.role = types.RoleMaster
	r.replicaOf = ""
	r.epoch = c.currentEpoch
	for s, o := range c.owner {
		if o == old.id {
			c.owner[s] = r.id
		}
	}
	for _, rid := range c.replicaIDs(old.id) {
		if rid != r.id {
			c.nodes[rid].replicaOf = r.id
		}
	}
	if old.running {
		old.role = types.RoleReplica
		old.replicaOf = r.id
		old.data = copyData(r.data)
	} else {
		old.demotedTo = r.id
	}
}

func (c *Cluster) paused(n *node, now time.Time) bool {
	return now.Before(n.pausedUntil)
}

// downFor returns how long n has been unavailable, zero when it is serving
func (c *Cluster) downFor(n *node, now time.Time) time.Duration {
	if !n.running {
		return now.Sub(n.downSince)
	}
	if c.paused(n, now) {
		return now.Sub(n.pauseStart)
	}
	return 0
}

func copyData(src map[string]string) map[string]string {
	dst := make(map[string]string, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// write stores key on n and on every running replica of n. Caller holds c.mu.
func (c *Cluster) write(n *node, key, value string) {
	n.data[key] = value
	for _, rid := range c.replicaIDs(n.id) {
		if r := c.nodes[rid]; r.running {
			r.data[key] = value
		}
	}
}

func (c *Cluster) remove(n *node, key string) bool {
	_, ok := n.data[key]
	delete(n.data, key)
	for _, rid := range c.replicaIDs(n.id) {
		if r := c.nodes[rid]; r.running {
			delete(r.data, key)
		}
	}
	return ok
}

// viewOwner returns the owner of slot as seen by n
func (c *Cluster) viewOwner(n *node, slot int) types.NodeID {
	if o, ok := n.view[slot]; ok {
		return o
	}
	return c.owner[slot]
}

func (c *Cluster) byPort(port int) *node {
	for _, n := range c.nodes {
		if n.port == port {
			return n
		}
	}
	return nil
}

func (c *Cluster) keysInSlot(n *node, slot int) []string {
	var keys []string
	for k := range n.data {
		if hashslot.KeySlot(k) == slot {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

func (c *Cluster) lookup(id types.NodeID) (*node, error) {
	n, ok := c.nodes[id]
	if !ok {
		return nil, fmt.Errorf("simcluster: unknown node %s", id)
	}
	return n, nil
}

func closeServer(srv *redcon.Server, ln net.Listener) {
	if srv != nil {
		_ = srv.Close()
	}
	if ln != nil {
		_ = ln.Close()
	}
}
