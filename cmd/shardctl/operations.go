package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/spf13/cobra"
)

var failoverCmd = &cobra.Command{
	Use:   "failover REPLICA",
	Short: "Promote a replica to master of its master's slots",
	Long: `Promote REPLICA (host:port, node ID or ID prefix) and wait until every
reachable node agrees on the new master.

The default mode requires the current master to be reachable so that the
handover is coordinated. --force promotes without the master's agreement,
--takeover also without a cluster majority.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		takeover, _ := cmd.Flags().GetBool("takeover")
		if force && takeover {
			return fmt.Errorf("--force and --takeover are mutually exclusive")
		}
		mode := client.FailoverDefault
		switch {
		case force:
			mode = client.FailoverForce
		case takeover:
			mode = client.FailoverTakeover
		}

		rec, _, err := a.resolve(cmd, args[0])
		if err != nil {
			return a.fail(err)
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.Failover(cmd.Context(), rec.Endpoint, mode)
		})
	}),
}

var reshardCmd = &cobra.Command{
	Use:   "reshard --from SOURCE --to DESTINATION (--count N | --range SLOTS)",
	Short: "Move slots and their keys from one master to another",
	Long: `Move slots from SOURCE to DESTINATION one slot at a time: mark the slot
importing and migrating, move its keys in batches, then assign it to the
destination on both ends.

--count moves N slots taken from the high end of the source's largest range.
--range moves an explicit list such as 0-99,512.

Examples:
  shardctl reshard --from 10.0.0.1:7000 --to 10.0.0.2:7000 --count 1000
  shardctl reshard --from 3f2a --to 91bc --range 8192-8291`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		fromRef, _ := cmd.Flags().GetString("from")
		toRef, _ := cmd.Flags().GetString("to")
		count, _ := cmd.Flags().GetInt("count")
		rangeSpec, _ := cmd.Flags().GetString("range")
		if (count > 0) == (rangeSpec != "") {
			return fmt.Errorf("exactly one of --count and --range is required")
		}

		var slots []int
		if rangeSpec != "" {
			set, err := parseSlots(rangeSpec)
			if err != nil {
				return err
			}
			slots = set.Slots()
		}

		from, snap, err := a.resolve(cmd, fromRef)
		if err != nil {
			return a.fail(err)
		}
		to, err := snap.Resolve(toRef)
		if err != nil {
			return a.fail(err)
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			if slots != nil {
				return a.orch.MigrateSlots(cmd.Context(), from.ID, to.ID, slots)
			}
			return a.orch.Reshard(cmd.Context(), from.ID, to.ID, count)
		})
	}),
}

var rebalanceCmd = &cobra.Command{
	Use:   "rebalance [--weight NODE=W ...]",
	Short: "Redistribute slots between masters by weight",
	Long: `Compute each master's share of the slots from its weight (default 1) and
move the difference. A weight of 0 drains a master.

Example:
  shardctl rebalance --weight 10.0.0.4:7000=2 --weight 3f2a=0`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		raw, _ := cmd.Flags().GetStringToString("weight")

		var weights map[types.NodeID]float64
		if len(raw) > 0 {
			snap, err := a.snapshot(cmd)
			if err != nil {
				return a.fail(err)
			}
			weights = make(map[types.NodeID]float64, len(raw))
			for ref, v := range raw {
				w, err := strconv.ParseFloat(v, 64)
				if err != nil || w < 0 {
					return fmt.Errorf("invalid weight %q for %s", v, ref)
				}
				rec, err := snap.Resolve(ref)
				if err != nil {
					return a.fail(err)
				}
				weights[rec.ID] = w
			}
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.Rebalance(cmd.Context(), weights)
		})
	}),
}

var addNodeCmd = &cobra.Command{
	Use:   "add-node HOST:PORT",
	Short: "Join an empty node to the cluster",
	Long: `Introduce the node at HOST:PORT to the cluster. It joins as an empty
master unless --replica is set; a replica follows --master or, when it is
not given, the master with the fewest replicas.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		ep, err := types.ParseEndpoint(args[0])
		if err != nil {
			return err
		}
		replica, _ := cmd.Flags().GetBool("replica")
		masterRef, _ := cmd.Flags().GetString("master")
		if masterRef != "" && !replica {
			return fmt.Errorf("--master requires --replica")
		}

		opts := orchestrator.AddNodeOptions{Replica: replica}
		if masterRef != "" {
			master, _, err := a.resolve(cmd, masterRef)
			if err != nil {
				return a.fail(err)
			}
			opts.Master = master.ID
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.AddNode(cmd.Context(), ep, opts)
		})
	}),
}

var delNodeCmd = &cobra.Command{
	Use:   "del-node NODE",
	Short: "Remove a node that owns no slots",
	Long: `Make every other node forget NODE and shut it down. A master must be
emptied with 'reshard' or 'rebalance --weight NODE=0' first.`,
	Args: cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		rec, _, err := a.resolve(cmd, args[0])
		if err != nil {
			return a.fail(err)
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.DelNode(cmd.Context(), rec.ID)
		})
	}),
}

var completeSlotCmd = &cobra.Command{
	Use:   "complete-slot SLOT",
	Short: "Finish an interrupted slot migration",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.CompleteSlot(cmd.Context(), slot)
		})
	}),
}

var abortSlotCmd = &cobra.Command{
	Use:   "abort-slot SLOT",
	Short: "Roll an interrupted slot migration back to its source",
	Args:  cobra.ExactArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		slot, err := parseSlot(args[0])
		if err != nil {
			return err
		}
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.AbortSlot(cmd.Context(), slot)
		})
	}),
}

func parseSlot(s string) (int, error) {
	slot, err := strconv.Atoi(s)
	if err != nil || slot < 0 || slot >= types.TotalSlots {
		return 0, errdefs.Precondition("invalid slot %q (want 0-%d)", s, types.TotalSlots-1)
	}
	return slot, nil
}

// parseSlots parses a comma separated list of slots and ranges
func parseSlots(spec string) (types.SlotSet, error) {
	var set types.SlotSet
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		r, err := types.ParseSlotRange(part)
		if err != nil {
			return set, err
		}
		set.AddRange(r)
	}
	if set.Empty() {
		return set, fmt.Errorf("no slots in %q", spec)
	}
	return set, nil
}

func init() {
	failoverCmd.Flags().Bool("force", false, "Promote without the master's agreement")
	failoverCmd.Flags().Bool("takeover", false, "Promote without agreement of the master or a majority")

	reshardCmd.Flags().String("from", "", "Source master (host:port or node ID)")
	reshardCmd.Flags().String("to", "", "Destination master (host:port or node ID)")
	reshardCmd.Flags().Int("count", 0, "Number of slots to move")
	reshardCmd.Flags().String("range", "", "Slots to move, e.g. 0-99,512")
	_ = reshardCmd.MarkFlagRequired("from")
	_ = reshardCmd.MarkFlagRequired("to")

	rebalanceCmd.Flags().StringToString("weight", nil, "Master weight as NODE=W (repeatable)")

	addNodeCmd.Flags().Bool("replica", false, "Join as a replica")
	addNodeCmd.Flags().String("master", "", "Master to replicate (host:port or node ID)")
}
