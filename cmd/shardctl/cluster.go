package main

import (
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/spf13/cobra"
)

// withApp builds the app for the duration of fn
func withApp(fn func(cmd *cobra.Command, a *app, args []string) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()
		return fn(cmd, a, args)
	}
}

// snapshot builds a snapshot and records it as the last known state
func (a *app) snapshot(cmd *cobra.Command) (*topology.Snapshot, error) {
	snap, err := a.orch.Snapshot(cmd.Context())
	if err != nil {
		return nil, err
	}
	a.record(snap, nil)
	return snap, nil
}

// runPlan executes an operation, renders its plan and reports a failure
func (a *app) runPlan(exec func() (*orchestrator.Plan, error)) error {
	stop := a.followProgress()
	plan, err := exec()
	stop()

	if plan != nil {
		if renderErr := a.out.Plan(plan); renderErr != nil && err == nil {
			err = renderErr
		}
	}
	if err != nil {
		return a.fail(err)
	}
	return nil
}

func healthExit(state health.State) error {
	if state != health.StateOK {
		return &exitError{code: exitUnhealthy}
	}
	return nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show topology and health of the cluster",
	Long: `Poll every seed endpoint, merge the node tables into one topology and
evaluate its health.

Exits with 9 when the cluster is Degraded or Failed.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		snap, err := a.orch.Snapshot(cmd.Context())
		if err != nil {
			return a.fail(err)
		}
		nodeMetrics := a.builder.CollectMetrics(cmd.Context(), snap)
		rep := health.Evaluate(snap, nodeMetrics, a.cfg.Thresholds())
		a.record(snap, &rep)

		if err := a.out.Status(snap.Summary(), &rep); err != nil {
			return err
		}
		return healthExit(rep.State)
	}),
}

var nodesCmd = &cobra.Command{
	Use:   "nodes",
	Short: "List cluster nodes",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		snap, err := a.snapshot(cmd)
		if err != nil {
			return a.fail(err)
		}
		return a.out.Nodes(snap.Summary())
	}),
}

var slotsCmd = &cobra.Command{
	Use:   "slots",
	Short: "Show slot ownership by range, open slots and conflicts",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		snap, err := a.snapshot(cmd)
		if err != nil {
			return a.fail(err)
		}
		return a.out.Slots(snap.Summary())
	}),
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Report health, open slots and unassigned slots",
	Long: `Evaluate the cluster and list what 'fix' would repair: slots left
migrating or importing and slots without an owner.

Exits with 9 when the cluster is Degraded or Failed.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		res, snap, err := a.orch.Check(cmd.Context())
		if err != nil {
			return a.fail(err)
		}
		a.record(snap, &res.Report)
		if err := a.out.Check(res); err != nil {
			return err
		}
		return healthExit(res.Report.State)
	}),
}

var fixCmd = &cobra.Command{
	Use:   "fix",
	Short: "Complete or roll back open slots and assign unowned slots",
	Long: `Repair what 'check' reports:

  - a slot left migrating is completed when the importing side already
    holds its keys and the migrating side holds none, otherwise it is
    rolled back to its source
  - an unassigned slot is added to the master with the fewest slots

Slots on which masters disagree are left alone.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		return a.runPlan(func() (*orchestrator.Plan, error) {
			return a.orch.Fix(cmd.Context())
		})
	}),
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Trigger a background save on every reachable master",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		stop := a.followProgress()
		plan, records, err := a.orch.Backup(cmd.Context())
		stop()

		if plan != nil && a.text() {
			if renderErr := a.out.Plan(plan); renderErr != nil {
				return renderErr
			}
		}
		if len(records) > 0 || err == nil {
			if renderErr := a.out.Backups(records); renderErr != nil {
				return renderErr
			}
		}
		if err != nil {
			return a.fail(err)
		}
		return nil
	}),
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded backups",
	Args:  cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		if a.store == nil {
			return a.fail(errdefs.Precondition("local catalog at %s is unavailable", a.cfg.Storage.DataDir))
		}
		records, err := a.store.ListAllBackups()
		if err != nil {
			return a.fail(err)
		}
		return a.out.Backups(records)
	}),
}

func init() {
	backupCmd.AddCommand(backupListCmd)
}
