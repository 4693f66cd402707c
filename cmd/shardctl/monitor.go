package main

import (
	"github.com/cuemby/shardctl/pkg/alert"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/monitor"
	"github.com/spf13/cobra"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate cluster health periodically and alert on degradation",
	Long: `Poll the cluster every monitor.interval, export the result as Prometheus
metrics and send the report to alert.webhook_url whenever health leaves OK.

/metrics, /health and /ready are served on monitor.listen_addr until the
process is interrupted. With --once a single cycle runs, its report is
printed and the exit code is 9 unless the cluster is OK.`,
	Args: cobra.NoArgs,
	RunE: withApp(func(cmd *cobra.Command, a *app, _ []string) error {
		flags := cmd.Flags()
		if flags.Changed("interval") {
			a.cfg.Monitor.Interval, _ = flags.GetDuration("interval")
		}
		if flags.Changed("listen") {
			a.cfg.Monitor.ListenAddr, _ = flags.GetString("listen")
		}

		metrics.SetCriticalComponents(metrics.ComponentTopology)
		mon := monitor.New(a.builder, monitor.Options{
			Endpoints:   a.endpoints,
			Environment: a.cfg.Cluster.Environment,
			Interval:    a.cfg.Monitor.Interval,
			Evaluator:   health.NewEvaluator(a.cfg.Thresholds()),
			Notifier:    alert.NewSink(a.cfg.Alert.WebhookURL, a.cfg.Cluster.Environment, a.cfg.Alert.Timeout),
			Store:       a.store,
			Events:      a.broker,
		})

		if once, _ := flags.GetBool("once"); once {
			rep, err := mon.Cycle(cmd.Context())
			if err != nil {
				return a.fail(err)
			}
			if err := a.out.Health(rep); err != nil {
				return err
			}
			return healthExit(rep.State)
		}

		srv, err := monitor.Listen(a.cfg.Monitor.ListenAddr)
		if err != nil {
			return err
		}
		a.logger.Info().
			Str("environment", a.cfg.Cluster.Environment).
			Dur("interval", a.cfg.Monitor.Interval).
			Str("listen", srv.Addr()).
			Msg("Monitor started")

		mon.Start()
		defer mon.Stop()
		return srv.Serve(cmd.Context())
	}),
}

func init() {
	monitorCmd.Flags().Duration("interval", 0, "Override monitor.interval")
	monitorCmd.Flags().String("listen", "", "Override monitor.listen_addr")
	monitorCmd.Flags().Bool("once", false, "Run a single cycle and print its report")
}
