package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/types"
)

// Config is the complete shardctl configuration. It is loaded once and passed
// to constructors; nothing reads it from package state.
type Config struct {
	Cluster   ClusterConfig   `mapstructure:"cluster"`
	Timeouts  TimeoutConfig   `mapstructure:"timeouts"`
	Health    HealthConfig    `mapstructure:"health"`
	Alert     AlertConfig     `mapstructure:"alert"`
	Migration MigrationConfig `mapstructure:"migration"`
	Monitor   MonitorConfig   `mapstructure:"monitor"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Chaos     ChaosConfig     `mapstructure:"chaos"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ClusterConfig names the cluster to manage
type ClusterConfig struct {
	Nodes       []string `mapstructure:"nodes"`
	Password    string   `mapstructure:"password"`
	Environment string   `mapstructure:"environment"`
}

// TimeoutConfig bounds network calls and convergence waits
type TimeoutConfig struct {
	Command           time.Duration `mapstructure:"command"`
	PollInterval      time.Duration `mapstructure:"poll_interval"`
	PromotionDeadline time.Duration `mapstructure:"promotion_deadline"`
	RejoinDeadline    time.Duration `mapstructure:"rejoin_deadline"`
}

// HealthConfig holds the evaluator thresholds
type HealthConfig struct {
	MemoryWarning     float64       `mapstructure:"memory_warning"`
	MemoryCritical    float64       `mapstructure:"memory_critical"`
	MaxReplicationLag time.Duration `mapstructure:"max_replication_lag"`
}

// AlertConfig configures the webhook sink. An empty URL disables alerts.
type AlertConfig struct {
	WebhookURL string        `mapstructure:"webhook_url"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// MigrationConfig tunes the key mover
type MigrationConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	KeysPerSecond  float64       `mapstructure:"keys_per_second"`
	MigrateTimeout time.Duration `mapstructure:"migrate_timeout"`
}

// MonitorConfig configures the monitoring loop
type MonitorConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	ListenAddr string        `mapstructure:"listen_addr"`
}

// StorageConfig locates the local catalog
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// ChaosConfig holds the fault-injection command templates. {host}, {port}
// and {id} are substituted before the command runs.
type ChaosConfig struct {
	StopCommand  string `mapstructure:"stop_command"`
	StartCommand string `mapstructure:"start_command"`
	PauseCommand string `mapstructure:"pause_command"`
}

// LoggingConfig configures pkg/log
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	dataDir := ".shardctl"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".shardctl")
	}
	t := health.DefaultThresholds()

	return &Config{
		Cluster: ClusterConfig{
			Nodes:       []string{"127.0.0.1:7000"},
			Environment: "default",
		},
		Timeouts: TimeoutConfig{
			Command:           client.DefaultTimeout,
			PollInterval:      retry.DefaultInterval,
			PromotionDeadline: 30 * time.Second,
			RejoinDeadline:    60 * time.Second,
		},
		Health: HealthConfig{
			MemoryWarning:     t.MemoryWarning,
			MemoryCritical:    t.MemoryCritical,
			MaxReplicationLag: t.MaxReplicationLag,
		},
		Alert: AlertConfig{
			Timeout: 5 * time.Second,
		},
		Migration: MigrationConfig{
			BatchSize:      100,
			MigrateTimeout: 5 * time.Second,
		},
		Monitor: MonitorConfig{
			Interval:   15 * time.Second,
			ListenAddr: "127.0.0.1:9121",
		},
		Storage: StorageConfig{
			DataDir: dataDir,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if len(c.Cluster.Nodes) == 0 {
		return errors.New("cluster.nodes must list at least one endpoint")
	}
	if _, err := c.Endpoints(); err != nil {
		return fmt.Errorf("cluster.nodes: %w", err)
	}
	if c.Cluster.Environment == "" {
		return errors.New("cluster.environment is required")
	}

	durations := []struct {
		name string
		d    time.Duration
	}{
		{"timeouts.command", c.Timeouts.Command},
		{"timeouts.poll_interval", c.Timeouts.PollInterval},
		{"timeouts.promotion_deadline", c.Timeouts.PromotionDeadline},
		{"timeouts.rejoin_deadline", c.Timeouts.RejoinDeadline},
		{"migration.migrate_timeout", c.Migration.MigrateTimeout},
		{"monitor.interval", c.Monitor.Interval},
	}
	for _, f := range durations {
		if f.d <= 0 {
			return fmt.Errorf("%s must be positive", f.name)
		}
	}
	if c.Timeouts.PollInterval >= c.Timeouts.PromotionDeadline {
		return errors.New("timeouts.poll_interval must be shorter than timeouts.promotion_deadline")
	}

	if err := c.Thresholds().Validate(); err != nil {
		return fmt.Errorf("health: %w", err)
	}

	if c.Alert.WebhookURL != "" {
		u, err := url.Parse(c.Alert.WebhookURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("alert.webhook_url must be an http(s) URL, got %q", c.Alert.WebhookURL)
		}
		if c.Alert.Timeout <= 0 {
			return errors.New("alert.timeout must be positive")
		}
	}

	if c.Migration.BatchSize <= 0 {
		return errors.New("migration.batch_size must be positive")
	}
	if c.Migration.KeysPerSecond < 0 {
		return errors.New("migration.keys_per_second must not be negative")
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	return nil
}

// Endpoints parses cluster.nodes
func (c *Config) Endpoints() ([]types.Endpoint, error) {
	return types.ParseEndpoints(c.Cluster.Nodes)
}

// Thresholds returns the health evaluator thresholds
func (c *Config) Thresholds() health.Thresholds {
	return health.Thresholds{
		MemoryWarning:     c.Health.MemoryWarning,
		MemoryCritical:    c.Health.MemoryCritical,
		MaxReplicationLag: c.Health.MaxReplicationLag,
	}
}

// PromotionPolicy returns the retry policy for promotion and convergence
// waits
func (c *Config) PromotionPolicy() retry.Policy {
	return retry.NewPolicy(c.Timeouts.PollInterval, c.Timeouts.PromotionDeadline)
}

// ClientOptions returns the node client options
func (c *Config) ClientOptions() client.Options {
	return client.Options{
		Password: c.Cluster.Password,
		Timeout:  c.Timeouts.Command,
	}
}
