package resp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/shardctl/pkg/types"
)

// ParseClusterNodes decodes the CLUSTER NODES node table:
//
//	<id> <ip:port@busport> <flags> <master> <ping-sent> <pong-recv> <config-epoch> <link-state> <slot> ...
func ParseClusterNodes(s string) ([]types.NodeRecord, error) {
	var records []types.NodeRecord
	for n, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rec, err := parseNodeLine(line)
		if err != nil {
			return nil, fmt.Errorf("cluster nodes line %d: %w", n+1, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseNodeLine(line string) (types.NodeRecord, error) {
	var rec types.NodeRecord
	fields := strings.Fields(line)
	if len(fields) < 8 {
		return rec, fmt.Errorf("expected at least 8 fields, got %d", len(fields))
	}

	rec.ID = types.NodeID(fields[0])

	ep, err := types.ParseEndpoint(fields[1])
	if err != nil {
		return rec, err
	}
	rec.Endpoint = ep

	for _, f := range strings.Split(fields[2], ",") {
		switch f {
		case "master":
			rec.Role = types.RoleMaster
		case "slave", "replica":
			rec.Role = types.RoleReplica
		case "myself":
			rec.Flags = append(rec.Flags, types.FlagMyself)
		case "fail":
			rec.Flags = append(rec.Flags, types.FlagFail)
		case "fail?":
			rec.Flags = append(rec.Flags, types.FlagPFail)
		case "handshake":
			rec.Flags = append(rec.Flags, types.FlagHandshake)
		case "noaddr":
			rec.Flags = append(rec.Flags, types.FlagNoAddr)
		case "noflags", "nofailover":
		default:
			return rec, fmt.Errorf("unknown flag %q", f)
		}
	}

	if fields[3] != "-" {
		rec.ReplicaOf = types.NodeID(fields[3])
	}

	epoch, err := strconv.ParseUint(fields[6], 10, 64)
	if err != nil {
		return rec, fmt.Errorf("invalid config epoch %q", fields[6])
	}
	rec.ConfigEpoch = epoch

	switch fields[7] {
	case "connected":
		rec.LinkState = types.LinkConnected
	case "disconnected":
		rec.LinkState = types.LinkDisconnected
	default:
		return rec, fmt.Errorf("unknown link state %q", fields[7])
	}

	for _, tok := range fields[8:] {
		if strings.HasPrefix(tok, "[") {
			open, err := parseOpenSlot(tok)
			if err != nil {
				return rec, err
			}
			rec.OpenSlots = append(rec.OpenSlots, open)
			continue
		}
		r, err := types.ParseSlotRange(tok)
		if err != nil {
			return rec, err
		}
		rec.Slots.AddRange(r)
	}

	return rec, nil
}

// parseOpenSlot decodes "[slot->-nodeid]" (migrating) and "[slot-<-nodeid]"
// (importing).
func parseOpenSlot(tok string) (types.OpenSlot, error) {
	var open types.OpenSlot
	body := strings.TrimSuffix(strings.TrimPrefix(tok, "["), "]")

	var sep string
	switch {
	case strings.Contains(body, "->-"):
		sep = "->-"
		open.State = types.SlotMigrating
	case strings.Contains(body, "-<-"):
		sep = "-<-"
		open.State = types.SlotImporting
	default:
		return open, fmt.Errorf("malformed open slot %q", tok)
	}

	slotStr, peer, _ := strings.Cut(body, sep)
	slot, err := strconv.Atoi(slotStr)
	if err != nil || slot < 0 || slot >= types.TotalSlots {
		return open, fmt.Errorf("malformed open slot %q", tok)
	}
	if peer == "" {
		return open, fmt.Errorf("open slot %q without peer", tok)
	}
	open.Slot = slot
	open.Peer = types.NodeID(peer)
	return open, nil
}

// FormatClusterNodes renders records in CLUSTER NODES format. The node whose
// ID equals self is flagged myself.
func FormatClusterNodes(records []types.NodeRecord, self types.NodeID) string {
	var b strings.Builder
	for _, rec := range records {
		flags := make([]string, 0, 3)
		if rec.ID == self {
			flags = append(flags, string(types.FlagMyself))
		}
		if rec.Role == types.RoleReplica {
			flags = append(flags, "slave")
		} else {
			flags = append(flags, "master")
		}
		for _, f := range rec.Flags {
			if f != types.FlagMyself {
				flags = append(flags, string(f))
			}
		}

		master := "-"
		if rec.ReplicaOf != "" {
			master = string(rec.ReplicaOf)
		}
		link := rec.LinkState
		if link == "" {
			link = types.LinkConnected
		}

		fmt.Fprintf(&b, "%s %s:%d@%d %s %s 0 0 %d %s",
			rec.ID, rec.Endpoint.Host, rec.Endpoint.Port, rec.Endpoint.BusPort,
			strings.Join(flags, ","), master, rec.ConfigEpoch, link)
		for _, r := range rec.Slots.Ranges() {
			b.WriteString(" " + r.String())
		}
		for _, o := range rec.OpenSlots {
			if o.State == types.SlotMigrating {
				fmt.Fprintf(&b, " [%d->-%s]", o.Slot, o.Peer)
			} else {
				fmt.Fprintf(&b, " [%d-<-%s]", o.Slot, o.Peer)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}
