/*
Package log provides structured logging for shardctl using zerolog.

A single package-level Logger is configured once by Init from the loaded
configuration. Components never create their own root logger; they derive a
child logger carrying the fields that identify them:

	┌──────────────── LOGGING ────────────────┐
	│                                          │
	│   log.Init(Config{Level, JSONOutput})    │
	│                  │                       │
	│                  ▼                       │
	│          global zerolog.Logger           │
	│        │          │            │         │
	│        ▼          ▼            ▼         │
	│  WithComponent WithOperation WithScenario│
	│  "topology"    "reshard"     "master-down"│
	│                op-7f3c...    run-19ab... │
	└──────────────────────────────────────────┘

Output goes to stderr by default so that reports written to stdout (text,
JSON or YAML) can be piped into other tools.

# Conventions

  - Orchestrators log every state transition at info and every failed step at
    error, with operation_id, step and node_id fields.
  - The node client logs only at debug. Its failures are returned as values and
    logged by whoever decides what to do with them.
  - The chaos harness logs each phase with the scenario and run_id fields.

# Usage

	log.Init(log.Config{Level: log.ParseLevel(cfg.Logging.Level), JSONOutput: cfg.Logging.JSON})

	logger := log.WithComponent("monitor")
	logger.Info().Dur("interval", cfg.Monitor.Interval).Msg("Starting monitor")

	opLog := log.WithOperation("orchestrator", "failover", planID)
	opLog.Error().Err(err).Str("step", "awaiting_promotion").Msg("Failover failed")

Before Init is called the Logger has no writer and discards everything, which
keeps package tests quiet.
*/
package log
