package errdefs

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind Kind
		code int
	}{
		{name: "nil", err: nil, kind: "", code: 0},
		{name: "plain error", err: errors.New("boom"), kind: KindInternal, code: 1},
		{name: "precondition", err: Precondition("target is a master"), kind: KindPrecondition, code: 2},
		{name: "conflict", err: Conflict("abc", "reshard-1"), kind: KindConflict, code: 3},
		{name: "timeout", err: Timeout("no promotion"), kind: KindTimeout, code: 4},
		{name: "unreachable", err: Unreachable("10.0.0.1:7000", errors.New("refused")), kind: KindUnreachable, code: 5},
		{name: "inconsistent", err: Inconsistent("slot 3 claimed twice"), kind: KindInconsistentTopology, code: 6},
		{name: "partial", err: &PartialFailureError{Op: "reshard", Err: errors.New("x")}, kind: KindPartialFailure, code: 7},
		{name: "canceled", err: context.Canceled, kind: KindCanceled, code: 8},
		{name: "wrapped conflict", err: fmt.Errorf("failover: %w", Conflict("abc", "op")), kind: KindConflict, code: 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.Equal(t, tt.code, ExitCode(tt.err))
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := Unreachable("10.0.0.1:7000", errors.New("connection refused"))
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, errors.Is(err, ErrTimeout))

	assert.True(t, errors.Is(Conflict("a", "b"), ErrConflict))
	assert.True(t, errors.Is(&PartialFailureError{}, ErrPartialFailure))
}

func TestWithStepPreservesKind(t *testing.T) {
	err := WithStep(Timeout("replica not promoted"), "failover", "awaiting_promotion")

	var oe *OperationError
	assert.True(t, errors.As(err, &oe))
	assert.Equal(t, KindTimeout, oe.Kind)
	assert.Equal(t, "awaiting_promotion", StepOf(err))
	assert.Equal(t, "failover[awaiting_promotion]: replica not promoted", err.Error())
	assert.Equal(t, RemediationFreshPlan, RemediationOf(err))
}

func TestWithStepClassifiesContextErrors(t *testing.T) {
	assert.Equal(t, KindCanceled, KindOf(WithStep(context.Canceled, "reshard", "plan")))
	assert.Equal(t, KindTimeout, KindOf(WithStep(context.DeadlineExceeded, "reshard", "plan")))
	assert.Nil(t, WithStep(nil, "op", "step"))
}

func TestPartialFailureNormalize(t *testing.T) {
	pf := &PartialFailureError{Op: "reshard", Completed: []int{9, 3}, Pending: []int{12, 10}, Err: errors.New("node down")}
	pf.Normalize()

	assert.Equal(t, []int{3, 9}, pf.Completed)
	assert.Equal(t, []int{10, 12}, pf.Pending)
	assert.Equal(t, RemediationCheckFix, RemediationOf(pf))
	assert.Contains(t, pf.Error(), "2 slots completed, 2 pending, 0 aborted")
}
