package storage

import (
	"errors"
	"time"

	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// SnapshotRecord is the last topology seen for one cluster environment,
// kept so that failures can be reported against it
type SnapshotRecord struct {
	Environment string           `json:"environment" yaml:"environment"`
	SavedAt     time.Time        `json:"saved_at" yaml:"saved_at"`
	Topology    topology.Summary `json:"topology" yaml:"topology"`
	Health      *health.Report   `json:"health,omitempty" yaml:"health,omitempty"`
}

// BackupRecord is the outcome of one BGSAVE on one node
type BackupRecord struct {
	NodeID      types.NodeID   `json:"node_id" yaml:"node_id"`
	Endpoint    types.Endpoint `json:"endpoint" yaml:"endpoint"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt time.Time      `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	LastSave    time.Time      `json:"last_save,omitempty" yaml:"last_save,omitempty"`
	OK          bool           `json:"ok" yaml:"ok"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
}

// Store is the local diagnostic catalog. It never holds operation plans.
type Store interface {
	// Snapshots
	SaveSnapshot(rec *SnapshotRecord) error
	GetSnapshot(environment string) (*SnapshotRecord, error)

	// Backups
	SaveBackup(rec *BackupRecord) error
	ListBackups(nodeID types.NodeID) ([]*BackupRecord, error)
	ListAllBackups() ([]*BackupRecord, error)

	// Utility
	Close() error
}
