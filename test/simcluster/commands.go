package simcluster

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/hashslot"
	"github.com/cuemby/shardctl/pkg/resp"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/tidwall/redcon"
)

type connState struct {
	asking bool
}

func slotOf(key string) int {
	return hashslot.KeySlot(key)
}

func (c *Cluster) accept(id types.NodeID, conn redcon.Conn) bool {
	conn.SetContext(&connState{})
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok {
		n.clients++
	}
	return true
}

func (c *Cluster) closed(id types.NodeID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nodes[id]; ok && n.clients > 0 {
		n.clients--
	}
}

func (c *Cluster) handle(id types.NodeID, conn redcon.Conn, cmd redcon.Command) {
	if len(cmd.Args) == 0 {
		conn.WriteError("ERR empty command")
		return
	}

	c.mu.Lock()
	n, ok := c.nodes[id]
	if !ok || !n.running {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	wait := time.Until(n.pausedUntil)
	c.mu.Unlock()
	if wait > 0 {
		time.Sleep(wait)
	}

	name := strings.ToLower(string(cmd.Args[0]))
	args := make([]string, len(cmd.Args)-1)
	for i, a := range cmd.Args[1:] {
		args[i] = string(a)
	}
	st, _ := conn.Context().(*connState)
	if st == nil {
		st = &connState{}
		conn.SetContext(st)
	}
	asking := st.asking
	st.asking = false

	switch name {
	case "shutdown":
		_ = conn.Close()
		go func() { _ = c.Stop(id) }()
		return
	case "debug":
		c.cmdDebug(n, conn, args)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	n.ops++

	switch name {
	case "ping":
		if len(args) > 0 {
			conn.WriteBulkString(args[0])
		} else {
			conn.WriteString("PONG")
		}
	case "hello", "command":
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
	case "client", "auth", "select", "readonly", "readwrite":
		conn.WriteString("OK")
	case "asking":
		st.asking = true
		conn.WriteString("OK")
	case "info":
		conn.WriteBulkString(c.info(n, args))
	case "cluster":
		c.cmdCluster(n, conn, args)
	case "get", "set", "del", "exists":
		c.cmdKey(n, conn, name, args, asking)
	case "dbsize":
		conn.WriteInt(len(n.data))
	case "migrate":
		c.cmdMigrate(n, conn, args)
	case "bgsave":
		now := time.Now().Unix()
		if now <= n.lastSave {
			now = n.lastSave + 1
		}
		n.lastSave = now
		conn.WriteString("Background saving started")
	case "lastsave":
		conn.WriteInt64(n.lastSave)
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown command '%s'", name))
	}
}

func (c *Cluster) cmdDebug(n *node, conn redcon.Conn, args []string) {
	if len(args) != 2 || strings.ToLower(args[0]) != "sleep" {
		conn.WriteError("ERR DEBUG subcommand not supported")
		return
	}
	secs, err := strconv.ParseFloat(args[1], 64)
	if err != nil || secs < 0 {
		conn.WriteError("ERR invalid sleep time")
		return
	}
	d := time.Duration(secs * float64(time.Second))
	c.mu.Lock()
	c.pause(n, d)
	c.mu.Unlock()
	time.Sleep(d)
	conn.WriteString("OK")
}

func (c *Cluster) cmdKey(n *node, conn redcon.Conn, name string, args []string, asking bool) {
	if len(args) == 0 || (name == "set" && len(args) < 2) {
		conn.WriteError(fmt.Sprintf("ERR wrong number of arguments for '%s' command", name))
		return
	}
	keys := args
	if name == "get" || name == "set" {
		keys = args[:1]
	}
	slot := slotOf(keys[0])
	for _, k := range keys[1:] {
		if slotOf(k) != slot {
			conn.WriteError("CROSSSLOT Keys in request don't hash to the same slot")
			return
		}
	}
	if redirect := c.route(n, slot, keys, asking); redirect != "" {
		conn.WriteError(redirect)
		return
	}

	switch name {
	case "get":
		if v, ok := n.data[keys[0]]; ok {
			conn.WriteBulkString(v)
		} else {
			conn.WriteNull()
		}
	case "set":
		c.write(n, args[0], args[1])
		conn.WriteString("OK")
	case "del":
		deleted := 0
		for _, k := range keys {
			if c.remove(n, k) {
				deleted++
			}
		}
		conn.WriteInt(deleted)
	case "exists":
		found := 0
		for _, k := range keys {
			if _, ok := n.data[k]; ok {
				found++
			}
		}
		conn.WriteInt(found)
	}
}

// route returns the redirection error for a key command, or "" when n serves it
func (c *Cluster) route(n *node, slot int, keys []string, asking bool) string {
	owner := c.viewOwner(n, slot)
	if owner == "" {
		return "CLUSTERDOWN Hash slot not served"
	}
	if n.role == types.RoleReplica {
		return c.moved(slot, owner)
	}
	if owner == n.id {
		if target, ok := n.migrating[slot]; ok {
			for _, k := range keys {
				if _, exists := n.data[k]; !exists {
					if t, ok := c.nodes[target]; ok {
						return fmt.Sprintf("ASK %d %s", slot, t.addr())
					}
				}
			}
		}
		return ""
	}
	if _, ok := n.importing[slot]; ok && asking {
		return ""
	}
	return c.moved(slot, owner)
}

func (c *Cluster) moved(slot int, owner types.NodeID) string {
	o, ok := c.nodes[owner]
	if !ok {
		return "CLUSTERDOWN Hash slot not served"
	}
	return fmt.Sprintf("MOVED %d %s", slot, o.addr())
}

// MIGRATE host port "" 0 timeout [COPY] [REPLACE] [AUTH pw] KEYS k...
func (c *Cluster) cmdMigrate(n *node, conn redcon.Conn, args []string) {
	if len(args) < 5 {
		conn.WriteError("ERR wrong number of arguments for 'migrate' command")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		conn.WriteError("ERR invalid port")
		return
	}
	var keys []string
	if args[2] != "" {
		keys = []string{args[2]}
	}
	for i := 5; i < len(args); i++ {
		switch strings.ToLower(args[i]) {
		case "copy", "replace":
		case "auth":
			i++
		case "keys":
			keys = append(keys, args[i+1:]...)
			i = len(args)
		}
	}

	target := c.byPort(port)
	if target == nil || !target.running || target.id == n.id {
		conn.WriteError("IOERR error or timeout connecting to the client")
		return
	}

	moved := 0
	for _, k := range keys {
		v, ok := n.data[k]
		if !ok {
			continue
		}
		c.write(target, k, v)
		c.remove(n, k)
		moved++
	}
	if moved == 0 {
		conn.WriteString("NOKEY")
		return
	}
	conn.WriteString("OK")
}

func (c *Cluster) cmdCluster(n *node, conn redcon.Conn, args []string) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster' command")
		return
	}
	sub := strings.ToLower(args[0])
	args = args[1:]

	switch sub {
	case "myid":
		conn.WriteBulkString(string(n.id))
	case "nodes":
		conn.WriteBulkString(resp.FormatClusterNodes(c.nodeTable(n), n.id))
	case "info":
		conn.WriteBulkString(c.clusterInfo(n))
	case "slots":
		c.writeSlots(n, conn)
	case "meet":
		c.clusterMeet(n, conn, args)
	case "forget":
		c.clusterForget(n, conn, args)
	case "replicate":
		c.clusterReplicate(n, conn, args)
	case "failover":
		c.clusterFailover(n, conn, args)
	case "setslot":
		c.clusterSetSlot(n, conn, args)
	case "addslots":
		c.clusterAddSlots(n, conn, args)
	case "countkeysinslot":
		slot, ok := parseSlot(conn, args)
		if ok {
			conn.WriteInt(len(c.keysInSlot(n, slot)))
		}
	case "getkeysinslot":
		slot, ok := parseSlot(conn, args)
		if !ok {
			return
		}
		count := 10
		if len(args) > 1 {
			count, _ = strconv.Atoi(args[1])
		}
		keys := c.keysInSlot(n, slot)
		if len(keys) > count {
			keys = keys[:count]
		}
		conn.WriteArray(len(keys))
		for _, k := range keys {
			conn.WriteBulkString(k)
		}
	default:
		conn.WriteError(fmt.Sprintf("ERR unknown subcommand '%s'", sub))
	}
}

func parseSlot(conn redcon.Conn, args []string) (int, bool) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments")
		return 0, false
	}
	slot, err := strconv.Atoi(args[0])
	if err != nil || slot < 0 || slot >= types.TotalSlots {
		conn.WriteError("ERR Invalid or out of range slot")
		return 0, false
	}
	return slot, true
}

// nodeTable builds the node table as seen by viewer
func (c *Cluster) nodeTable(viewer *node) []types.NodeRecord {
	now := time.Now()
	slots := make(map[types.NodeID]*types.SlotSet)
	for s := 0; s < types.TotalSlots; s++ {
		o := c.viewOwner(viewer, s)
		if o == "" {
			continue
		}
		if slots[o] == nil {
			slots[o] = &types.SlotSet{}
		}
		slots[o].Add(s)
	}

	var records []types.NodeRecord
	for _, id := range c.order {
		if !viewer.known[id] {
			continue
		}
		n := c.nodes[id]
		rec := types.NodeRecord{
			ID:        n.id,
			Endpoint:  n.endpoint(),
			Role:      n.role,
			ReplicaOf: n.replicaOf,
			LinkState: types.LinkConnected,
		}
		if n.id == viewer.id {
			rec.Flags = append(rec.Flags, types.FlagMyself)
		} else if down := c.downFor(n, now); down > 0 {
			if down >= c.opts.FailAfter {
				rec.Flags = append(rec.Flags, types.FlagFail)
			} else {
				rec.Flags = append(rec.Flags, types.FlagPFail)
			}
			if !n.running {
				rec.LinkState = types.LinkDisconnected
			}
		}
		rec.ConfigEpoch = n.epoch
		if n.role == types.RoleReplica {
			if m, ok := c.nodes[n.replicaOf]; ok {
				rec.ConfigEpoch = m.epoch
			}
		}
		if n.role == types.RoleMaster && slots[n.id] != nil {
			rec.Slots = *slots[n.id]
		}
		if n.id == viewer.id {
			rec.OpenSlots = openSlots(n)
		}
		records = append(records, rec)
	}
	return records
}

func openSlots(n *node) []types.OpenSlot {
	var open []types.OpenSlot
	for s, peer := range n.migrating {
		open = append(open, types.OpenSlot{Slot: s, State: types.SlotMigrating, Peer: peer})
	}
	for s, peer := range n.importing {
		open = append(open, types.OpenSlot{Slot: s, State: types.SlotImporting, Peer: peer})
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].Slot != open[j].Slot {
			return open[i].Slot < open[j].Slot
		}
		return open[i].State < open[j].State
	})
	return open
}

func (c *Cluster) clusterInfo(viewer *node) string {
	now := time.Now()
	var assigned, ok, pfail, fail int
	size := make(map[types.NodeID]bool)
	for s := 0; s < types.TotalSlots; s++ {
		o := c.viewOwner(viewer, s)
		if o == "" {
			continue
		}
		assigned++
		size[o] = true
		owner := c.nodes[o]
		down := time.Duration(0)
		if owner != nil && owner.id != viewer.id {
			down = c.downFor(owner, now)
		}
		switch {
		case owner == nil || down >= c.opts.FailAfter:
			fail++
		case down > 0:
			pfail++
			ok++
		default:
			ok++
		}
	}
	state := "ok"
	if assigned < types.TotalSlots || fail > 0 {
		state = "fail"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "cluster_state:%s\r\n", state)
	fmt.Fprintf(&b, "cluster_slots_assigned:%d\r\n", assigned)
	fmt.Fprintf(&b, "cluster_slots_ok:%d\r\n", ok)
	fmt.Fprintf(&b, "cluster_slots_pfail:%d\r\n", pfail)
	fmt.Fprintf(&b, "cluster_slots_fail:%d\r\n", fail)
	fmt.Fprintf(&b, "cluster_known_nodes:%d\r\n", len(viewer.known))
	fmt.Fprintf(&b, "cluster_size:%d\r\n", len(size))
	fmt.Fprintf(&b, "cluster_current_epoch:%d\r\n", c.currentEpoch)
	fmt.Fprintf(&b, "cluster_my_epoch:%d\r\n", viewer.epoch)
	return b.String()
}

func (c *Cluster) writeSlots(viewer *node, conn redcon.Conn) {
	type entry struct {
		start, end int
		owner      types.NodeID
	}
	var entries []entry
	for s := 0; s < types.TotalSlots; s++ {
		o := c.viewOwner(viewer, s)
		if o == "" {
			continue
		}
		if last := len(entries) - 1; last >= 0 && entries[last].owner == o && entries[last].end == s-1 {
			entries[last].end = s
			continue
		}
		entries = append(entries, entry{start: s, end: s, owner: o})
	}

	conn.WriteArray(len(entries))
	for _, e := range entries {
		owner := c.nodes[e.owner]
		var replicas []*node
		for _, rid := range c.replicaIDs(e.owner) {
			if r := c.nodes[rid]; r.running {
				replicas = append(replicas, r)
			}
		}
		conn.WriteArray(3 + len(replicas))
		conn.WriteInt(e.start)
		conn.WriteInt(e.end)
		for _, n := range append([]*node{owner}, replicas...) {
			conn.WriteArray(3)
			conn.WriteBulkString(n.host)
			conn.WriteInt(n.port)
			conn.WriteBulkString(string(n.id))
		}
	}
}

func (c *Cluster) clusterMeet(n *node, conn redcon.Conn, args []string) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|meet' command")
		return
	}
	port, err := strconv.Atoi(args[1])
	if err != nil {
		conn.WriteError(fmt.Sprintf("ERR Invalid node address specified: %s:%s", args[0], args[1]))
		return
	}
	other := c.byPort(port)
	if other != nil && other.running {
		merged := make(map[types.NodeID]bool)
		for id := range n.known {
			merged[id] = true
		}
		for id := range other.known {
			merged[id] = true
		}
		for id := range merged {
			peer, ok := c.nodes[id]
			if !ok {
				continue
			}
			for k := range merged {
				peer.known[k] = true
			}
		}
	}
	conn.WriteString("OK")
}

func (c *Cluster) clusterForget(n *node, conn redcon.Conn, args []string) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|forget' command")
		return
	}
	id := types.NodeID(args[0])
	switch {
	case id == n.id:
		conn.WriteError("ERR I tried hard but I can't forget myself...")
	case n.role == types.RoleReplica && n.replicaOf == id:
		conn.WriteError("ERR Can't forget my master!")
	case !n.known[id]:
		conn.WriteError(fmt.Sprintf("ERR Unknown node %s", id))
	default:
		delete(n.known, id)
		conn.WriteString("OK")
	}
}

func (c *Cluster) clusterReplicate(n *node, conn redcon.Conn, args []string) {
	if len(args) != 1 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|replicate' command")
		return
	}
	m, ok := c.nodes[types.NodeID(args[0])]
	switch {
	case !ok || !n.known[m.id]:
		conn.WriteError(fmt.Sprintf("ERR Unknown node %s", args[0]))
	case m.id == n.id:
		conn.WriteError("ERR Can't replicate myself")
	case m.role != types.RoleMaster:
		conn.WriteError("ERR I can only replicate a master, not a replica.")
	case n.role == types.RoleMaster && c.ownsAny(n.id):
		conn.WriteError("ERR To set a master the node must be empty and without assigned slots.")
	default:
		n.role = types.RoleReplica
		n.replicaOf = m.id
		n.data = copyData(m.data)
		conn.WriteString("OK")
	}
}

func (c *Cluster) clusterFailover(n *node, conn redcon.Conn, args []string) {
	mode := ""
	if len(args) > 0 {
		mode = strings.ToLower(args[0])
	}
	if n.role != types.RoleReplica {
		conn.WriteError("ERR You should send CLUSTER FAILOVER to a replica")
		return
	}
	m := c.nodes[n.replicaOf]
	conn.WriteString("OK")
	if n.ignoreFailover || m == nil {
		return
	}
	if mode == "" && (!m.running || c.paused(m, time.Now())) {
		// A coordinated failover needs the master; without it the request times out
		return
	}

	replica, master := n.id, m.id
	time.AfterFunc(c.opts.FailoverDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		r, old := c.nodes[replica], c.nodes[master]
		if r.role == types.RoleReplica && r.replicaOf == master && r.running {
			c.promote(r, old)
		}
	})
}

// CLUSTER SETSLOT <slot> IMPORTING|MIGRATING|NODE <id> | STABLE
func (c *Cluster) clusterSetSlot(n *node, conn redcon.Conn, args []string) {
	if len(args) < 2 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|setslot' command")
		return
	}
	slot, ok := parseSlot(conn, args)
	if !ok {
		return
	}
	mode := strings.ToLower(args[1])
	if mode == "stable" {
		delete(n.migrating, slot)
		delete(n.importing, slot)
		conn.WriteString("OK")
		return
	}
	if len(args) < 3 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|setslot' command")
		return
	}
	peer := types.NodeID(args[2])
	if _, known := c.nodes[peer]; !known || !n.known[peer] {
		conn.WriteError(fmt.Sprintf("ERR I don't know about node %s", peer))
		return
	}
	if n.role != types.RoleMaster {
		conn.WriteError("ERR Please use SETSLOT only with masters.")
		return
	}
	owner := c.viewOwner(n, slot)

	switch mode {
	case "importing":
		if owner == n.id {
			conn.WriteError(fmt.Sprintf("ERR I'm already the owner of hash slot %d", slot))
			return
		}
		n.importing[slot] = peer
	case "migrating":
		if owner != n.id {
			conn.WriteError(fmt.Sprintf("ERR I'm not the owner of hash slot %d", slot))
			return
		}
		n.migrating[slot] = peer
	case "node":
		if owner == n.id && peer != n.id && len(c.keysInSlot(n, slot)) > 0 {
			conn.WriteError(fmt.Sprintf("ERR Can't assign hashslot %d to a different node while I still hold keys for this hash slot.", slot))
			return
		}
		if peer != n.id {
			delete(n.migrating, slot)
		}
		if peer == n.id {
			if _, importing := n.importing[slot]; importing {
				delete(n.importing, slot)
				if c.owner[slot] != n.id {
					c.currentEpoch++
					n.epoch = c.currentEpoch
				}
			}
		}
		c.owner[slot] = peer
		delete(n.view, slot)
	default:
		conn.WriteError("ERR Invalid CLUSTER SETSLOT action or number of arguments")
		return
	}
	conn.WriteString("OK")
}

func (c *Cluster) clusterAddSlots(n *node, conn redcon.Conn, args []string) {
	if len(args) == 0 {
		conn.WriteError("ERR wrong number of arguments for 'cluster|addslots' command")
		return
	}
	var slots []int
	for _, a := range args {
		s, err := strconv.Atoi(a)
		if err != nil || s < 0 || s >= types.TotalSlots {
			conn.WriteError("ERR Invalid or out of range slot")
			return
		}
		if c.owner[s] != "" {
			conn.WriteError(fmt.Sprintf("ERR Slot %d is already busy", s))
			return
		}
		slots = append(slots, s)
	}
	for _, s := range slots {
		c.owner[s] = n.id
		delete(n.view, s)
	}
	conn.WriteString("OK")
}

func (c *Cluster) info(n *node, sections []string) string {
	want := make(map[string]bool)
	for _, s := range sections {
		want[strings.ToLower(s)] = true
	}
	all := len(want) == 0 || want["all"] || want["everything"] || want["default"]
	section := func(name string) bool { return all || want[name] }

	var b strings.Builder
	if section("server") {
		fmt.Fprintf(&b, "# Server\r\nredis_version:7.2.0\r\nredis_mode:cluster\r\ntcp_port:%d\r\n\r\n", n.port)
	}
	if section("clients") {
		fmt.Fprintf(&b, "# Clients\r\nconnected_clients:%d\r\n\r\n", n.clients)
	}
	if section("memory") {
		used := n.usedMemory
		if used == 0 {
			used = 1 << 20
			for k, v := range n.data {
				used += int64(len(k) + len(v))
			}
		}
		fmt.Fprintf(&b, "# Memory\r\nused_memory:%d\r\nmaxmemory:%d\r\n\r\n", used, n.maxMemory)
	}
	if section("persistence") {
		fmt.Fprintf(&b, "# Persistence\r\nrdb_last_save_time:%d\r\nrdb_last_bgsave_status:ok\r\naof_enabled:0\r\n\r\n", n.lastSave)
	}
	if section("stats") {
		fmt.Fprintf(&b, "# Stats\r\ntotal_commands_processed:%d\r\ninstantaneous_ops_per_sec:0\r\n\r\n", n.ops)
	}
	if section("replication") {
		b.WriteString("# Replication\r\n")
		if n.role == types.RoleReplica {
			m := c.nodes[n.replicaOf]
			link, lastIO := "down", -1
			if m != nil && m.running && !c.paused(m, time.Now()) {
				link, lastIO = "up", n.lagSeconds
			} else if m != nil && !m.running {
				lastIO = int(time.Since(m.downSince).Seconds())
			}
			b.WriteString("role:slave\r\n")
			if m != nil {
				fmt.Fprintf(&b, "master_host:%s\r\nmaster_port:%d\r\n", m.host, m.port)
			}
			fmt.Fprintf(&b, "master_link_status:%s\r\nmaster_last_io_seconds_ago:%d\r\nslave_repl_offset:%d\r\n",
				link, lastIO, n.ops)
			b.WriteString("connected_slaves:0\r\n")
		} else {
			connected := 0
			for _, rid := range c.replicaIDs(n.id) {
				if c.nodes[rid].running {
					connected++
				}
			}
			fmt.Fprintf(&b, "role:master\r\nconnected_slaves:%d\r\nmaster_repl_offset:%d\r\n", connected, n.ops)
		}
		b.WriteString("\r\n")
	}
	if section("cluster") {
		b.WriteString("# Cluster\r\ncluster_enabled:1\r\n")
	}
	return b.String()
}
