// Package resp decodes the text replies of the store's status commands
// (INFO sections, CLUSTER INFO, CLUSTER NODES) into typed values. All
// text-format fragility lives here; malformed input yields an error rather
// than a zero value.
package resp

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// Info is a flattened INFO (or CLUSTER INFO) reply
type Info map[string]string

// ParseInfo splits "key:value" lines, skipping blank lines and "# Section"
// headers.
func ParseInfo(s string) Info {
	info := make(Info)
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		k, v, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		info[k] = v
	}
	return info
}

// Int returns the integer value of key
func (i Info) Int(key string) (int64, bool, error) {
	v, ok := i[key]
	if !ok {
		return 0, false, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, true, fmt.Errorf("field %s: invalid integer %q", key, v)
	}
	return n, true, nil
}

// ParseReplicationInfo decodes INFO replication
func ParseReplicationInfo(s string) (types.ReplicationInfo, error) {
	var r types.ReplicationInfo
	info := ParseInfo(s)

	role, ok := info["role"]
	if !ok {
		return r, fmt.Errorf("replication info: missing role field")
	}
	switch role {
	case "master":
		r.Role = types.RoleMaster
	case "slave", "replica":
		r.Role = types.RoleReplica
	default:
		return r, fmt.Errorf("replication info: unknown role %q", role)
	}

	if r.Role == types.RoleReplica {
		r.Master.Host = info["master_host"]
		if port, ok, err := info.Int("master_port"); err != nil {
			return r, fmt.Errorf("replication info: %w", err)
		} else if ok {
			r.Master.Port = int(port)
		}
		r.LinkStatus = info["master_link_status"]
		if r.LinkStatus == "" {
			return r, fmt.Errorf("replication info: replica without master_link_status")
		}
		if v, ok, err := info.Int("master_last_io_seconds_ago"); err != nil {
			return r, fmt.Errorf("replication info: %w", err)
		} else if ok {
			r.LastIOSecondsAgo = int(v)
		}
		if v, ok, err := info.Int("slave_repl_offset"); err == nil && ok {
			r.Offset = v
		}
	} else if v, ok, err := info.Int("master_repl_offset"); err == nil && ok {
		r.Offset = v
	}

	if v, ok, err := info.Int("connected_slaves"); err != nil {
		return r, fmt.Errorf("replication info: %w", err)
	} else if ok {
		r.ConnectedReplicas = int(v)
	}

	return r, nil
}

// ParseMetrics decodes a combined INFO reply (memory, clients, stats,
// persistence and replication sections) into Metrics.
func ParseMetrics(s string) (types.Metrics, error) {
	var m types.Metrics
	info := ParseInfo(s)

	used, ok, err := info.Int("used_memory")
	if err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	}
	if !ok {
		return m, fmt.Errorf("metrics: missing used_memory field")
	}
	m.UsedMemoryBytes = used

	if v, _, err := info.Int("maxmemory"); err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	} else {
		m.MaxMemoryBytes = v
	}
	if v, _, err := info.Int("connected_clients"); err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	} else {
		m.ConnectedClients = int(v)
	}
	if v, _, err := info.Int("instantaneous_ops_per_sec"); err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	} else {
		m.OpsPerSecond = v
	}

	if ts, ok, err := info.Int("rdb_last_save_time"); err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	} else if ok && ts > 0 {
		t := time.Unix(ts, 0).UTC()
		m.LastSaveTimestamp = &t
	}
	if v, ok := info["rdb_last_bgsave_status"]; ok {
		okStatus := v == "ok"
		m.LastBgsaveOK = &okStatus
	}
	if v, ok, err := info.Int("aof_enabled"); err != nil {
		return m, fmt.Errorf("metrics: %w", err)
	} else if ok {
		enabled := v == 1
		m.AOFEnabled = &enabled
	}

	if role := info["role"]; role == "slave" || role == "replica" {
		m.LinkStatus = info["master_link_status"]
		if v, ok, err := info.Int("master_last_io_seconds_ago"); err == nil && ok && v >= 0 {
			lag := int(v)
			m.ReplicationLagSeconds = &lag
		}
	}

	return m, nil
}

// ParseClusterInfo decodes CLUSTER INFO
func ParseClusterInfo(s string) (types.ClusterInfo, error) {
	var c types.ClusterInfo
	info := ParseInfo(s)

	state, ok := info["cluster_state"]
	if !ok {
		return c, fmt.Errorf("cluster info: missing cluster_state field")
	}
	c.State = state

	ints := []struct {
		key      string
		dst      *int
		required bool
	}{
		{"cluster_slots_assigned", &c.SlotsAssigned, true},
		{"cluster_slots_ok", &c.SlotsOK, true},
		{"cluster_slots_pfail", &c.SlotsPFail, false},
		{"cluster_slots_fail", &c.SlotsFail, false},
		{"cluster_known_nodes", &c.KnownNodes, true},
		{"cluster_size", &c.Size, false},
	}
	for _, f := range ints {
		v, ok, err := info.Int(f.key)
		if err != nil {
			return c, fmt.Errorf("cluster info: %w", err)
		}
		if !ok && f.required {
			return c, fmt.Errorf("cluster info: missing %s field", f.key)
		}
		*f.dst = int(v)
	}

	if v, _, err := info.Int("cluster_current_epoch"); err != nil {
		return c, fmt.Errorf("cluster info: %w", err)
	} else {
		c.CurrentEpoch = uint64(v)
	}
	if v, _, err := info.Int("cluster_my_epoch"); err != nil {
		return c, fmt.Errorf("cluster info: %w", err)
	} else {
		c.MyEpoch = uint64(v)
	}

	return c, nil
}
