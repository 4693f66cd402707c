package main

import (
	"fmt"

	"github.com/cuemby/shardctl/pkg/chaos"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/keyspace"
	"github.com/spf13/cobra"
)

var chaosCmd = &cobra.Command{
	Use:   "chaos [SCENARIO]",
	Short: "Run a failure-injection scenario against the cluster",
	Long: `Seed test keys, inject a failure, observe the cluster react, verify
every key and restore the original layout.

The scenario comes from the argument or from --file, a YAML document such as

  scenario: master-down
  keys: 200
  target: 10.0.0.3:7002
  observe_deadline: 45s

Flags override values from the file. Node processes are stopped and started
with the chaos.*_command templates of the configuration.

Exits with 9 when an assertion failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: withApp(func(cmd *cobra.Command, a *app, args []string) error {
		params, err := chaosParams(cmd, args)
		if err != nil {
			return a.fail(err)
		}

		h := chaos.New(chaos.Options{
			Orchestrator: a.orch,
			Injector:     chaos.NewExecInjector(a.cfg.Chaos, a.pool),
			Opener:       keyspace.ClusterOpener(a.cfg.Cluster.Nodes, a.cfg.Cluster.Password, a.cfg.Timeouts.Command),
			Events:       a.broker,
			Interval:     a.cfg.Timeouts.PollInterval,
		})

		stop := a.followProgress()
		res, err := h.Run(cmd.Context(), params)
		stop()
		if err != nil {
			return a.fail(err)
		}
		if err := a.out.Chaos(res); err != nil {
			return err
		}
		if !res.Passed {
			return &exitError{code: exitUnhealthy}
		}
		return nil
	}),
}

var chaosListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the available scenarios",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		for _, name := range chaos.Scenarios() {
			fmt.Fprintln(cmd.OutOrStdout(), name)
		}
		return nil
	},
}

// chaosParams merges --file, the positional scenario and the flag overrides
func chaosParams(cmd *cobra.Command, args []string) (chaos.Params, error) {
	var params chaos.Params
	flags := cmd.Flags()

	if path, _ := flags.GetString("file"); path != "" {
		p, err := chaos.LoadParams(path)
		if err != nil {
			return params, errdefs.Precondition("%v", err)
		}
		params = p
	}
	if len(args) == 1 {
		params.Scenario = args[0]
	}
	if params.Scenario == "" {
		return params, errdefs.Precondition("no scenario given; pass one of %v or --file", chaos.Scenarios())
	}

	if flags.Changed("keys") {
		params.Keys, _ = flags.GetInt("keys")
	}
	if flags.Changed("target") {
		params.Target, _ = flags.GetString("target")
	}
	if flags.Changed("destination") {
		params.Destination, _ = flags.GetString("destination")
	}
	if flags.Changed("slot-count") {
		params.SlotCount, _ = flags.GetInt("slot-count")
	}
	if flags.Changed("observe") {
		params.ObserveDeadline, _ = flags.GetDuration("observe")
	}
	if flags.Changed("recover") {
		params.RecoverDeadline, _ = flags.GetDuration("recover")
	}
	if flags.Changed("pause") {
		params.PauseDuration, _ = flags.GetDuration("pause")
	}
	return params, nil
}

// addChaosFlags registers the scenario parameter flags on cmd
func addChaosFlags(cmd *cobra.Command) {
	flags := cmd.Flags()
	flags.StringP("file", "f", "", "Scenario parameters file (YAML)")
	flags.Int("keys", 0, "Number of test keys to seed")
	flags.String("target", "", "Target node (ID, ID prefix or host:port)")
	flags.String("destination", "", "Receiving master of the reshard scenarios")
	flags.Int("slot-count", 0, "Slots moved by the reshard scenarios")
	flags.Duration("observe", 0, "How long to wait for the expected transition")
	flags.Duration("recover", 0, "How long recovery may take")
	flags.Duration("pause", 0, "Pause length of master-pause")
}

func init() {
	addChaosFlags(chaosCmd)
	chaosCmd.AddCommand(chaosListCmd)
}
