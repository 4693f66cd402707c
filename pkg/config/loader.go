package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SHARDCTL_CLUSTER_NODES
const EnvPrefix = "SHARDCTL"

// Load builds the configuration from defaults, the optional YAML file at
// configPath and SHARDCTL_* environment variables, in increasing precedence.
// A missing file is an error only when configPath is set.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so that environment variables are
// considered for keys absent from the file
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("cluster.nodes", cfg.Cluster.Nodes)
	v.SetDefault("cluster.password", cfg.Cluster.Password)
	v.SetDefault("cluster.environment", cfg.Cluster.Environment)

	v.SetDefault("timeouts.command", cfg.Timeouts.Command)
	v.SetDefault("timeouts.poll_interval", cfg.Timeouts.PollInterval)
	v.SetDefault("timeouts.promotion_deadline", cfg.Timeouts.PromotionDeadline)
	v.SetDefault("timeouts.rejoin_deadline", cfg.Timeouts.RejoinDeadline)

	v.SetDefault("health.memory_warning", cfg.Health.MemoryWarning)
	v.SetDefault("health.memory_critical", cfg.Health.MemoryCritical)
	v.SetDefault("health.max_replication_lag", cfg.Health.MaxReplicationLag)

	v.SetDefault("alert.webhook_url", cfg.Alert.WebhookURL)
	v.SetDefault("alert.timeout", cfg.Alert.Timeout)

	v.SetDefault("migration.batch_size", cfg.Migration.BatchSize)
	v.SetDefault("migration.keys_per_second", cfg.Migration.KeysPerSecond)
	v.SetDefault("migration.migrate_timeout", cfg.Migration.MigrateTimeout)

	v.SetDefault("monitor.interval", cfg.Monitor.Interval)
	v.SetDefault("monitor.listen_addr", cfg.Monitor.ListenAddr)

	v.SetDefault("storage.data_dir", cfg.Storage.DataDir)

	v.SetDefault("chaos.stop_command", cfg.Chaos.StopCommand)
	v.SetDefault("chaos.start_command", cfg.Chaos.StartCommand)
	v.SetDefault("chaos.pause_command", cfg.Chaos.PauseCommand)

	v.SetDefault("logging.level", cfg.Logging.Level)
	v.SetDefault("logging.json", cfg.Logging.JSON)
}
