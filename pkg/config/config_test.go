package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "shardctl.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, []string{"127.0.0.1:7000"}, cfg.Cluster.Nodes)
	assert.Equal(t, "default", cfg.Cluster.Environment)
	assert.Equal(t, 2*time.Second, cfg.Timeouts.Command)
	assert.Equal(t, 100, cfg.Migration.BatchSize)
	assert.Equal(t, 0.8, cfg.Health.MemoryWarning)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
cluster:
  nodes: ["10.0.0.1:7000", "10.0.0.2:7001"]
  environment: staging
timeouts:
  command: 500ms
  promotion_deadline: 10s
migration:
  keys_per_second: 2500
alert:
  webhook_url: https://hooks.example.com/x
logging:
  json: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.1:7000", "10.0.0.2:7001"}, cfg.Cluster.Nodes)
	assert.Equal(t, "staging", cfg.Cluster.Environment)
	assert.Equal(t, 500*time.Millisecond, cfg.Timeouts.Command)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.PromotionDeadline)
	assert.Equal(t, time.Second, cfg.Timeouts.PollInterval)
	assert.Equal(t, 2500.0, cfg.Migration.KeysPerSecond)
	assert.Equal(t, "https://hooks.example.com/x", cfg.Alert.WebhookURL)
	assert.True(t, cfg.Logging.JSON)

	eps, err := cfg.Endpoints()
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, 7001, eps[1].Port)

	policy := cfg.PromotionPolicy()
	assert.Equal(t, time.Second, policy.Interval)
	assert.Equal(t, 10*time.Second, policy.Deadline)
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
cluster:
  environment: staging
`)
	t.Setenv("SHARDCTL_CLUSTER_ENVIRONMENT", "production")
	t.Setenv("SHARDCTL_CLUSTER_NODES", "10.1.0.1:7000,10.1.0.2:7000")
	t.Setenv("SHARDCTL_TIMEOUTS_COMMAND", "750ms")
	t.Setenv("SHARDCTL_MIGRATION_BATCH_SIZE", "25")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "production", cfg.Cluster.Environment)
	assert.Equal(t, []string{"10.1.0.1:7000", "10.1.0.2:7000"}, cfg.Cluster.Nodes)
	assert.Equal(t, 750*time.Millisecond, cfg.Timeouts.Command)
	assert.Equal(t, 25, cfg.Migration.BatchSize)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"defaults", func(c *Config) {}, ""},
		{"no nodes", func(c *Config) { c.Cluster.Nodes = nil }, "cluster.nodes"},
		{"bad endpoint", func(c *Config) { c.Cluster.Nodes = []string{"nohost"} }, "cluster.nodes"},
		{"zero command timeout", func(c *Config) { c.Timeouts.Command = 0 }, "timeouts.command"},
		{"interval above deadline", func(c *Config) { c.Timeouts.PollInterval = time.Minute }, "poll_interval"},
		{"memory thresholds reversed", func(c *Config) { c.Health.MemoryWarning = 0.95 }, "health"},
		{"webhook not http", func(c *Config) { c.Alert.WebhookURL = "ftp://x" }, "alert.webhook_url"},
		{"zero batch", func(c *Config) { c.Migration.BatchSize = 0 }, "batch_size"},
		{"negative rate", func(c *Config) { c.Migration.KeysPerSecond = -1 }, "keys_per_second"},
		{"no data dir", func(c *Config) { c.Storage.DataDir = "" }, "data_dir"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
