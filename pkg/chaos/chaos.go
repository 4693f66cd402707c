package chaos

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Phase is one stage of a scenario run
type Phase string

const (
	PhaseSetup   Phase = "setup"
	PhaseInject  Phase = "inject"
	PhaseObserve Phase = "observe"
	PhaseAssert  Phase = "assert"
	PhaseRecover Phase = "recover"
	PhaseCleanup Phase = "cleanup"
)

// PhaseStatus is the outcome of a phase
type PhaseStatus string

const (
	PhasePassed  PhaseStatus = "passed"
	PhaseFailed  PhaseStatus = "failed"
	PhaseSkipped PhaseStatus = "skipped"
)

// PhaseResult records one executed (or skipped) phase
type PhaseResult struct {
	Phase     Phase         `json:"phase" yaml:"phase"`
	Status    PhaseStatus   `json:"status" yaml:"status"`
	StartedAt time.Time     `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	Duration  time.Duration `json:"duration" yaml:"duration"`
	Error     string        `json:"error,omitempty" yaml:"error,omitempty"`
}

// AssertionFailure names one expectation the run did not meet
type AssertionFailure struct {
	Phase     Phase  `json:"phase" yaml:"phase"`
	Assertion string `json:"assertion" yaml:"assertion"`
	Expected  string `json:"expected" yaml:"expected"`
	Observed  string `json:"observed" yaml:"observed"`
}

func (f AssertionFailure) String() string {
	return fmt.Sprintf("%s: %s: expected %s, observed %s", f.Phase, f.Assertion, f.Expected, f.Observed)
}

// Result is the report of one scenario run
type Result struct {
	Scenario   string             `json:"scenario" yaml:"scenario"`
	RunID      string             `json:"run_id" yaml:"run_id"`
	Target     string             `json:"target,omitempty" yaml:"target,omitempty"`
	Passed     bool               `json:"passed" yaml:"passed"`
	Phases     []PhaseResult      `json:"phases" yaml:"phases"`
	Failures   []AssertionFailure `json:"failures" yaml:"failures"`
	KeysSeeded int                `json:"keys_seeded" yaml:"keys_seeded"`
	StartedAt  time.Time          `json:"started_at" yaml:"started_at"`
	Duration   time.Duration      `json:"duration" yaml:"duration"`
}

// Phase returns the result of phase p
func (r *Result) Phase(p Phase) (PhaseResult, bool) {
	for _, pr := range r.Phases {
		if pr.Phase == p {
			return pr, true
		}
	}
	return PhaseResult{}, false
}

// Failed reports whether an assertion with the given name failed
func (r *Result) Failed(assertion string) bool {
	for _, f := range r.Failures {
		if f.Assertion == assertion {
			return true
		}
	}
	return false
}

// Defaults applied to zero Params fields
const (
	DefaultKeys            = 100
	DefaultSlotCount       = 100
	DefaultConflictSlots   = 1000
	DefaultObserveDeadline = 30 * time.Second
	DefaultRecoverDeadline = 60 * time.Second
	DefaultPauseDuration   = 2 * time.Second
)

// Params configures a scenario run. They can be loaded from a YAML file:
//
//	scenario: master-down
//	keys: 500
//	target: 10.0.0.3:7002
//	observe_deadline: 45s
type Params struct {
	Scenario string `json:"scenario" yaml:"scenario"`
	// Keys is the number of test keys seeded before injection
	Keys int `json:"keys" yaml:"keys"`
	// Target is a node ID, an ID prefix or host:port. Empty picks the first
	// suitable node.
	Target string `json:"target,omitempty" yaml:"target,omitempty"`
	// Destination is the receiving master of the reshard scenarios
	Destination     string        `json:"destination,omitempty" yaml:"destination,omitempty"`
	SlotCount       int           `json:"slot_count,omitempty" yaml:"slot_count,omitempty"`
	ObserveDeadline time.Duration `json:"observe_deadline,omitempty" yaml:"observe_deadline,omitempty"`
	RecoverDeadline time.Duration `json:"recover_deadline,omitempty" yaml:"recover_deadline,omitempty"`
	PauseDuration   time.Duration `json:"pause_duration,omitempty" yaml:"pause_duration,omitempty"`
}

func (p Params) withDefaults() Params {
	if p.Keys <= 0 {
		p.Keys = DefaultKeys
	}
	if p.SlotCount <= 0 {
		p.SlotCount = DefaultSlotCount
		if p.Scenario == ScenarioConflictingOperation {
			p.SlotCount = DefaultConflictSlots
		}
	}
	if p.ObserveDeadline <= 0 {
		p.ObserveDeadline = DefaultObserveDeadline
	}
	if p.RecoverDeadline <= 0 {
		p.RecoverDeadline = DefaultRecoverDeadline
	}
	if p.PauseDuration <= 0 {
		p.PauseDuration = DefaultPauseDuration
	}
	return p
}

// LoadParams reads scenario parameters from a YAML file
func LoadParams(path string) (Params, error) {
	var p Params
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("failed to read scenario file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("failed to parse scenario file %s: %w", path, err)
	}
	if p.Scenario == "" {
		return p, fmt.Errorf("scenario file %s does not name a scenario", path)
	}
	return p, nil
}
