package orchestrator

import (
	"sync"
	"time"

	"github.com/cuemby/shardctl/pkg/types"
)

// Kind is the kind of an operation
type Kind string

const (
	KindFailover  Kind = "failover"
	KindReshard   Kind = "reshard"
	KindRebalance Kind = "rebalance"
	KindAddNode   Kind = "add-node"
	KindDelNode   Kind = "del-node"
	KindFix       Kind = "fix"
	KindBackup    Kind = "backup"
	KindComplete  Kind = "complete-slot"
	KindAbort     Kind = "abort-slot"
)

// Status is the lifecycle status of a plan or of one of its steps
type Status string

const (
	StatusPending   Status = "Pending"
	StatusRunning   Status = "Running"
	StatusSucceeded Status = "Succeeded"
	StatusFailed    Status = "Failed"
	StatusAborted   Status = "Aborted"
)

// Terminal reports whether s is a final status
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusAborted
}

// Step is one checkpointed unit of a plan
type Step struct {
	Name       string    `json:"name" yaml:"name"`
	Status     Status    `json:"status" yaml:"status"`
	StartedAt  time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`
}

// Plan is an operation computed from a snapshot and the operator's intent.
// It is owned by the orchestrator executing it and is never persisted.
type Plan struct {
	ID         string            `json:"id" yaml:"id"`
	Kind       Kind              `json:"kind" yaml:"kind"`
	Targets    []types.NodeID    `json:"targets" yaml:"targets"`
	Parameters map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	// State is the current state of the operation's state machine
	State      string    `json:"state" yaml:"state"`
	Status     Status    `json:"status" yaml:"status"`
	Steps      []*Step   `json:"steps" yaml:"steps"`
	StartedAt  time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	Error      string    `json:"error,omitempty" yaml:"error,omitempty"`

	mu sync.Mutex
}

func newPlan(id string, kind Kind, targets []types.NodeID, params map[string]string) *Plan {
	if params == nil {
		params = make(map[string]string)
	}
	return &Plan{
		ID:         id,
		Kind:       kind,
		Targets:    targets,
		Parameters: params,
		State:      "init",
		Status:     StatusPending,
	}
}

// AddStep appends a pending step
func (p *Plan) AddStep(name string) *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := &Step{Name: name, Status: StatusPending}
	p.Steps = append(p.Steps, s)
	return s
}

func (p *Plan) stepNamed(name string) *Step {
	for _, s := range p.Steps {
		if s.Name == name && !s.Status.Terminal() {
			return s
		}
	}
	s := &Step{Name: name, Status: StatusPending}
	p.Steps = append(p.Steps, s)
	return s
}

func (p *Plan) beginStep(name string, now time.Time) *Step {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.stepNamed(name)
	s.Status = StatusRunning
	s.StartedAt = now
	return s
}

func (p *Plan) endStep(s *Step, err error, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.FinishedAt = now
	if err != nil {
		s.Status = StatusFailed
		s.Error = err.Error()
		return
	}
	s.Status = StatusSucceeded
}

func (p *Plan) setState(state string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.State = state
}

func (p *Plan) setParam(k, v string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Parameters[k] = v
}

// abortPending marks every step that never ran as aborted
func (p *Plan) abortPending() {
	for _, s := range p.Steps {
		if s.Status == StatusPending {
			s.Status = StatusAborted
		}
	}
}

// FailedStep returns the name of the first failed step, or ""
func (p *Plan) FailedStep() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.Steps {
		if s.Status == StatusFailed {
			return s.Name
		}
	}
	return ""
}

// StepCount returns the number of steps with status st
func (p *Plan) StepCount(st Status) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, s := range p.Steps {
		if s.Status == st {
			n++
		}
	}
	return n
}
