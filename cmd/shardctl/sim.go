package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/test/simcluster"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-process simulated cluster for local experiments",
	Long: `Start a simulated cluster on loopback ports and keep it running until the
process is interrupted. Every other command can be pointed at it with the
printed --nodes flag, including chaos scenarios once chaos.*_command
templates are left empty (nodes are then stopped with SHUTDOWN NOSAVE and
paused with DEBUG SLEEP).`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		masters, _ := flags.GetInt("masters")
		replicas, _ := flags.GetInt("replicas")
		host, _ := flags.GetString("host")
		noFailover, _ := flags.GetBool("no-auto-failover")
		if masters < 1 {
			return fmt.Errorf("--masters must be at least 1")
		}
		if replicas < 0 {
			return fmt.Errorf("--replicas must not be negative")
		}

		sim, err := simcluster.Start(simcluster.Options{
			Masters:           masters,
			ReplicasPerMaster: replicas,
			Host:              host,
			NoAutoFailover:    noFailover,
		})
		if err != nil {
			return fmt.Errorf("failed to start simulated cluster: %w", err)
		}
		defer sim.Close()

		level, _ := flags.GetString("log-level")
		jsonOutput, _ := flags.GetBool("log-json")
		log.Init(log.Config{Level: log.ParseLevel(level), JSONOutput: jsonOutput, Output: os.Stderr})
		logger := log.WithComponent("sim")
		logger.Info().Int("masters", masters).Int("replicas_per_master", replicas).Msg("Simulated cluster started")

		out := cmd.OutOrStdout()
		for _, id := range sim.IDs() {
			fmt.Fprintf(out, "%s  %-8s %s\n", id.Short(), sim.Role(id), sim.Endpoint(id).Addr())
		}
		fmt.Fprintf(out, "\nUse: --nodes %s\n", strings.Join(sim.Addrs(), ","))

		<-cmd.Context().Done()
		logger.Info().Msg("Stopping simulated cluster")
		return nil
	},
}

func init() {
	simCmd.Flags().Int("masters", 3, "Number of masters")
	simCmd.Flags().Int("replicas", 1, "Replicas per master")
	simCmd.Flags().String("host", "127.0.0.1", "Listen host")
	simCmd.Flags().Bool("no-auto-failover", false, "Never promote replicas automatically")
}
