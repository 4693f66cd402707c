package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// Exit code returned when a health evaluation is not OK
const exitUnhealthy = 9

// exitError ends the process with code after the command already reported
// the outcome
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	os.Exit(execute())
}

func execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := rootCmd.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return errdefs.ExitCode(err)
}

var rootCmd = &cobra.Command{
	Use:   "shardctl",
	Short: "shardctl - control plane for sharded, replicated key-value clusters",
	Long: `shardctl inspects and operates a cluster of hash-slot sharded store
nodes: topology and health reports, manual failover, slot migration,
rebalancing, membership changes, backups and chaos tests.

Every operation re-reads the cluster before acting, locks the nodes it
touches and reports the step that failed together with a remediation.

Exit codes:
  0 success                 5 node unreachable
  1 internal or usage error 6 inconsistent topology
  2 precondition failed     7 partial failure
  3 conflicting operation   8 canceled
  4 timeout                 9 cluster health Failed or Degraded,
                              or a chaos assertion failed`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"shardctl version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	flags := rootCmd.PersistentFlags()
	flags.StringP("config", "c", "", "Configuration file (YAML)")
	flags.StringSlice("nodes", nil, "Seed endpoints host:port (overrides cluster.nodes)")
	flags.String("log-level", "", "Log level: debug, info, warn, error (overrides logging.level)")
	flags.Bool("log-json", false, "Log as JSON")
	flags.StringP("output", "o", "text", "Output format: text, json, yaml")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(nodesCmd)
	rootCmd.AddCommand(slotsCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(fixCmd)
	rootCmd.AddCommand(failoverCmd)
	rootCmd.AddCommand(reshardCmd)
	rootCmd.AddCommand(rebalanceCmd)
	rootCmd.AddCommand(addNodeCmd)
	rootCmd.AddCommand(delNodeCmd)
	rootCmd.AddCommand(completeSlotCmd)
	rootCmd.AddCommand(abortSlotCmd)
	rootCmd.AddCommand(backupCmd)
	rootCmd.AddCommand(chaosCmd)
	rootCmd.AddCommand(monitorCmd)
	rootCmd.AddCommand(simCmd)
}
