package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/config"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/report"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// app holds everything a command needs, built from flags and configuration
type app struct {
	cfg       *config.Config
	endpoints []types.Endpoint
	pool      *client.Pool
	builder   *topology.Builder
	store     storage.Store
	broker    *events.Broker
	orch      *orchestrator.Orchestrator
	out       *report.Renderer
	errOut    *report.Renderer
	logger    zerolog.Logger
}

// newApp loads configuration, applies global flags and wires the
// components. Close must be called when the command ends.
func newApp(cmd *cobra.Command) (*app, error) {
	flags := cmd.Flags()
	configPath, _ := flags.GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	if flags.Changed("nodes") {
		nodes, _ := flags.GetStringSlice("nodes")
		cfg.Cluster.Nodes = nodes
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-json") {
		cfg.Logging.JSON, _ = flags.GetBool("log-json")
	}

	output, _ := flags.GetString("output")
	format, err := report.ParseFormat(output)
	if err != nil {
		return nil, err
	}

	log.Init(log.Config{
		Level:      log.ParseLevel(cfg.Logging.Level),
		JSONOutput: cfg.Logging.JSON,
		Output:     os.Stderr,
	})
	metrics.SetVersion(Version)

	endpoints, err := cfg.Endpoints()
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:       cfg,
		endpoints: endpoints,
		pool:      client.NewPool(cfg.ClientOptions()),
		broker:    events.NewBroker(),
		out:       report.New(format, os.Stdout),
		errOut:    report.New(format, os.Stderr),
		logger:    log.WithComponent("cli"),
	}
	a.builder = topology.NewBuilder(a.pool, topology.Options{Discover: true})

	// The catalog is diagnostic; commands still run without it
	store, err := storage.NewBoltStore(cfg.Storage.DataDir)
	if err != nil {
		a.logger.Warn().Err(err).Str("data_dir", cfg.Storage.DataDir).Msg("Local catalog unavailable")
		metrics.UpdateComponent(metrics.ComponentCatalog, false, err.Error())
	} else {
		a.store = store
		metrics.UpdateComponent(metrics.ComponentCatalog, true, "")
	}

	a.broker.Start()
	a.orch = orchestrator.New(a.pool, a.builder, orchestrator.Options{
		Endpoints:      endpoints,
		Policy:         cfg.PromotionPolicy(),
		RejoinDeadline: cfg.Timeouts.RejoinDeadline,
		BatchSize:      cfg.Migration.BatchSize,
		KeysPerSecond:  cfg.Migration.KeysPerSecond,
		MigrateTimeout: cfg.Migration.MigrateTimeout,
		Thresholds:     cfg.Thresholds(),
		Events:         a.broker,
		Store:          a.store,
	})
	return a, nil
}

// Close releases connections and the catalog
func (a *app) Close() {
	a.broker.Stop()
	_ = a.pool.Close()
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *app) text() bool {
	return a.out.Format() == report.FormatText
}

// record saves snap and its report as the last known state of the
// environment
func (a *app) record(snap *topology.Snapshot, rep *health.Report) {
	if a.store == nil || snap == nil {
		return
	}
	rec := &storage.SnapshotRecord{
		Environment: a.cfg.Cluster.Environment,
		SavedAt:     snap.ObservedAt(),
		Topology:    snap.Summary(),
		Health:      rep,
	}
	if err := a.store.SaveSnapshot(rec); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to save snapshot")
	}
}

// fail reports err with its failed step, the remediation and the last known
// topology, and returns the error that sets the exit code
func (a *app) fail(err error) error {
	var last *storage.SnapshotRecord
	if a.store != nil {
		if rec, getErr := a.store.GetSnapshot(a.cfg.Cluster.Environment); getErr == nil {
			last = rec
		}
	}
	if renderErr := a.errOut.Failure(err, last); renderErr != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	return &exitError{code: errdefs.ExitCode(err)}
}

// followProgress prints operation steps to stderr while an operation runs.
// The returned func stops following.
func (a *app) followProgress() func() {
	if !a.text() {
		return func() {}
	}
	sub := a.broker.Subscribe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for e := range sub {
			switch e.Type {
			case events.EventStepCompleted:
				fmt.Fprintf(os.Stderr, "  ✓ %s\n", e.Metadata["step"])
			case events.EventStepFailed:
				fmt.Fprintf(os.Stderr, "  ✗ %s: %s\n", e.Metadata["step"], e.Message)
			case events.EventChaosPhase:
				fmt.Fprintf(os.Stderr, "  %s: %s\n", e.Metadata["phase"], e.Metadata["status"])
			}
		}
	}()
	return func() {
		a.broker.Unsubscribe(sub)
		<-done
	}
}

// resolve finds the node named by ref in a fresh snapshot
func (a *app) resolve(cmd *cobra.Command, ref string) (types.NodeRecord, *topology.Snapshot, error) {
	snap, err := a.orch.Snapshot(cmd.Context())
	if err != nil {
		return types.NodeRecord{}, nil, err
	}
	rec, err := snap.Resolve(strings.TrimSpace(ref))
	return rec, snap, err
}
