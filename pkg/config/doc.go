/*
Package config loads the shardctl configuration.

Values come from three layers, later layers winning:

 1. DefaultConfig
 2. an optional YAML file (--config)
 3. environment variables prefixed SHARDCTL_, with dots replaced by
    underscores: SHARDCTL_CLUSTER_NODES="10.0.0.1:7000,10.0.0.2:7000",
    SHARDCTL_TIMEOUTS_COMMAND=500ms

Example file:

	cluster:
	  nodes: ["10.0.0.1:7000", "10.0.0.2:7000"]
	  environment: production
	timeouts:
	  command: 2s
	  poll_interval: 1s
	  promotion_deadline: 30s
	alert:
	  webhook_url: https://hooks.example.com/shardctl
	migration:
	  batch_size: 100
	  keys_per_second: 5000

The loaded *Config is passed into constructors; the package keeps no global
viper state.
*/
package config
