package health

import (
	"fmt"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// State is the overall verdict of a Report
type State string

const (
	StateOK       State = "OK"
	StateDegraded State = "Degraded"
	StateFailed   State = "Failed"
)

// Severity of an Issue
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
)

func (s Severity) rank() int {
	if s == SeverityCritical {
		return 2
	}
	return 1
}

// Category groups issues by the rule that produced them
type Category string

const (
	CategoryTopology     Category = "topology"
	CategoryCoverage     Category = "coverage"
	CategoryReachability Category = "reachability"
	CategoryFailure      Category = "failure_detection"
	CategoryMemory       Category = "memory"
	CategoryReplication  Category = "replication"
	CategoryRedundancy   Category = "redundancy"
	CategoryMigration    Category = "migration"
	CategoryClusterState Category = "cluster_state"
	CategoryPersistence  Category = "persistence"
)

// Issue is one finding of the evaluator. NodeID is empty for cluster-wide
// issues.
type Issue struct {
	Severity Severity     `json:"severity" yaml:"severity"`
	NodeID   types.NodeID `json:"node_id,omitempty" yaml:"node_id,omitempty"`
	Category Category     `json:"category" yaml:"category"`
	Message  string       `json:"message" yaml:"message"`
}

func (i Issue) String() string {
	if i.NodeID == "" {
		return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Category, i.Message)
	}
	return fmt.Sprintf("[%s] %s %s: %s", i.Severity, i.NodeID.Short(), i.Category, i.Message)
}

// Report is the result of evaluating one snapshot. Issues holds the critical
// findings and Warnings the rest, both in a stable order.
type Report struct {
	State      State     `json:"state" yaml:"state"`
	ObservedAt time.Time `json:"observed_at" yaml:"observed_at"`
	SlotsOK    int       `json:"slots_ok" yaml:"slots_ok"`
	Consistent bool      `json:"consistent" yaml:"consistent"`
	Issues     []Issue   `json:"issues" yaml:"issues"`
	Warnings   []Issue   `json:"warnings" yaml:"warnings"`
}

// All returns critical issues followed by warnings
func (r Report) All() []Issue {
	out := make([]Issue, 0, len(r.Issues)+len(r.Warnings))
	out = append(out, r.Issues...)
	return append(out, r.Warnings...)
}

// Healthy reports whether the state is OK
func (r Report) Healthy() bool {
	return r.State == StateOK
}

// Thresholds configures the per-node rules
type Thresholds struct {
	// MemoryWarning and MemoryCritical are used/max ratios in [0,1]
	MemoryWarning  float64 `json:"memory_warning" yaml:"memory_warning"`
	MemoryCritical float64 `json:"memory_critical" yaml:"memory_critical"`
	// MaxReplicationLag is the replica lag above which a warning is raised
	MaxReplicationLag time.Duration `json:"max_replication_lag" yaml:"max_replication_lag"`
}

// DefaultThresholds returns the default rule thresholds
func DefaultThresholds() Thresholds {
	return Thresholds{
		MemoryWarning:     0.80,
		MemoryCritical:    0.90,
		MaxReplicationLag: 10 * time.Second,
	}
}

// Validate checks that the thresholds are ordered and within range
func (t Thresholds) Validate() error {
	if t.MemoryWarning <= 0 || t.MemoryWarning > 1 {
		return fmt.Errorf("memory warning threshold must be in (0,1], got %v", t.MemoryWarning)
	}
	if t.MemoryCritical <= 0 || t.MemoryCritical > 1 {
		return fmt.Errorf("memory critical threshold must be in (0,1], got %v", t.MemoryCritical)
	}
	if t.MemoryWarning > t.MemoryCritical {
		return fmt.Errorf("memory warning threshold %v above critical threshold %v", t.MemoryWarning, t.MemoryCritical)
	}
	if t.MaxReplicationLag < 0 {
		return fmt.Errorf("max replication lag must not be negative")
	}
	return nil
}
