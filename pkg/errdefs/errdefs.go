// Package errdefs defines the error kinds shared by the node client,
// topology builder and orchestrators.
package errdefs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// Kind classifies an error for callers and for the CLI exit code
type Kind string

const (
	KindInternal             Kind = "internal"
	KindUnreachable          Kind = "unreachable"
	KindPrecondition         Kind = "precondition"
	KindConflict             Kind = "conflict"
	KindTimeout              Kind = "timeout"
	KindInconsistentTopology Kind = "inconsistent_topology"
	KindPartialFailure       Kind = "partial_failure"
	KindCanceled             Kind = "canceled"
)

// Sentinel errors usable with errors.Is
var (
	ErrUnreachable          = errors.New("node unreachable")
	ErrPrecondition         = errors.New("precondition failed")
	ErrConflict             = errors.New("node locked by another operation")
	ErrTimeout              = errors.New("deadline elapsed")
	ErrInconsistentTopology = errors.New("inconsistent topology")
	ErrPartialFailure       = errors.New("partial failure")
	ErrCanceled             = errors.New("operation canceled")
)

var sentinels = map[Kind]error{
	KindUnreachable:          ErrUnreachable,
	KindPrecondition:         ErrPrecondition,
	KindConflict:             ErrConflict,
	KindTimeout:              ErrTimeout,
	KindInconsistentTopology: ErrInconsistentTopology,
	KindPartialFailure:       ErrPartialFailure,
	KindCanceled:             ErrCanceled,
}

// Default remediations shown to operators
const (
	RemediationFreshPlan = "re-evaluate topology with 'status' and retry with a fresh plan"
	RemediationCheckFix  = "run 'check' to inspect open slots, then 'fix' to complete or roll them back"
	RemediationWait      = "wait for the in-flight operation on this node to finish, then retry"
	RemediationNode      = "verify the node process is running and reachable, then retry"
)

// OperationError is the structured error returned across component boundaries
type OperationError struct {
	Kind        Kind
	Op          string
	Step        string
	NodeID      string
	Remediation string
	Err         error
}

func (e *OperationError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		if e.Step != "" {
			b.WriteString("[" + e.Step + "]")
		}
		b.WriteString(": ")
	}
	if e.NodeID != "" {
		b.WriteString("node " + e.NodeID + ": ")
	}
	if e.Err != nil {
		b.WriteString(e.Err.Error())
	} else {
		b.WriteString(string(e.Kind))
	}
	return b.String()
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel of the error's kind
func (e *OperationError) Is(target error) bool {
	s, ok := sentinels[e.Kind]
	return ok && s == target
}

// New creates an OperationError of the given kind
func New(kind Kind, format string, args ...interface{}) *OperationError {
	return &OperationError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// Wrap wraps err with a kind; a nil err yields nil
func Wrap(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &OperationError{Kind: kind, Err: fmt.Errorf("%s: %w", msg, err)}
}

// Unreachable builds the error returned when a node does not answer
func Unreachable(addr string, err error) *OperationError {
	return &OperationError{
		Kind:        KindUnreachable,
		NodeID:      addr,
		Remediation: RemediationNode,
		Err:         fmt.Errorf("%w: %v", ErrUnreachable, err),
	}
}

// Precondition builds a PreconditionError
func Precondition(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:        KindPrecondition,
		Remediation: RemediationFreshPlan,
		Err:         fmt.Errorf(format, args...),
	}
}

// Conflict builds a ConflictError for a locked node
func Conflict(nodeID, holder string) *OperationError {
	return &OperationError{
		Kind:        KindConflict,
		NodeID:      nodeID,
		Remediation: RemediationWait,
		Err:         fmt.Errorf("%w (held by %s)", ErrConflict, holder),
	}
}

// Timeout builds a TimeoutError
func Timeout(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:        KindTimeout,
		Remediation: RemediationFreshPlan,
		Err:         fmt.Errorf(format, args...),
	}
}

// Inconsistent builds an InconsistentTopologyError
func Inconsistent(format string, args ...interface{}) *OperationError {
	return &OperationError{
		Kind:        KindInconsistentTopology,
		Remediation: RemediationCheckFix,
		Err:         fmt.Errorf(format, args...),
	}
}

// WithStep annotates err with the operation and step that failed. The kind of
// an existing OperationError is preserved.
func WithStep(err error, op, step string) error {
	if err == nil {
		return nil
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		c := *oe
		if c.Op == "" {
			c.Op = op
		}
		if c.Step == "" {
			c.Step = step
		}
		return &c
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return err
	}
	kind := KindInternal
	switch {
	case errors.Is(err, context.Canceled):
		kind = KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
	}
	return &OperationError{Kind: kind, Op: op, Step: step, Err: err}
}

// PartialFailureError reports a multi-slot migration that did not finish
type PartialFailureError struct {
	Op        string
	Completed []int
	Pending   []int
	Aborted   []int
	Err       error
}

func (e *PartialFailureError) Error() string {
	return fmt.Sprintf("%s: %d slots completed, %d pending, %d aborted: %v",
		e.Op, len(e.Completed), len(e.Pending), len(e.Aborted), e.Err)
}

func (e *PartialFailureError) Unwrap() error {
	return e.Err
}

// Is matches ErrPartialFailure
func (e *PartialFailureError) Is(target error) bool {
	return target == ErrPartialFailure
}

// Normalize sorts the slot lists
func (e *PartialFailureError) Normalize() {
	sort.Ints(e.Completed)
	sort.Ints(e.Pending)
	sort.Ints(e.Aborted)
}

// KindOf returns the kind of err, KindInternal when it is not classified
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var pf *PartialFailureError
	if errors.As(err, &pf) {
		return KindPartialFailure
	}
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindInternal
}

// RemediationOf returns the recommended remediation carried by err
func RemediationOf(err error) string {
	var oe *OperationError
	if errors.As(err, &oe) && oe.Remediation != "" {
		return oe.Remediation
	}
	switch KindOf(err) {
	case KindPartialFailure, KindInconsistentTopology:
		return RemediationCheckFix
	case KindConflict:
		return RemediationWait
	case KindUnreachable:
		return RemediationNode
	}
	return RemediationFreshPlan
}

// StepOf returns the failed step recorded in err
func StepOf(err error) string {
	var oe *OperationError
	if errors.As(err, &oe) {
		return oe.Step
	}
	return ""
}

func IsUnreachable(err error) bool  { return KindOf(err) == KindUnreachable }
func IsPrecondition(err error) bool { return KindOf(err) == KindPrecondition }
func IsConflict(err error) bool     { return KindOf(err) == KindConflict }
func IsTimeout(err error) bool      { return KindOf(err) == KindTimeout }
func IsInconsistent(err error) bool { return KindOf(err) == KindInconsistentTopology }

// ExitCode maps an error to the CLI exit code taxonomy
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case KindPrecondition:
		return 2
	case KindConflict:
		return 3
	case KindTimeout:
		return 4
	case KindUnreachable:
		return 5
	case KindInconsistentTopology:
		return 6
	case KindPartialFailure:
		return 7
	case KindCanceled:
		return 8
	}
	return 1
}
