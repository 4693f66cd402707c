package orchestrator

import (
	"errors"
	"testing"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSelectSlots(t *testing.T) {
	tests := []struct {
		name  string
		set   types.SlotSet
		count int
		want  []int
	}{
		{
			name:  "high end of a single range",
			set:   types.SlotSetOf(types.SlotRange{Start: 0, End: 99}),
			count: 3,
			want:  []int{97, 98, 99},
		},
		{
			name:  "largest range first",
			set:   types.SlotSetOf(types.SlotRange{Start: 0, End: 9}, types.SlotRange{Start: 100, End: 149}),
			count: 52,
			want:  append([]int{8, 9}, rangeOf(100, 149)...),
		},
		{
			name:  "count larger than the set",
			set:   types.NewSlotSet(5, 7),
			count: 10,
			want:  []int{5, 7},
		},
		{
			name:  "empty set",
			set:   types.SlotSet{},
			count: 4,
			want:  nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SelectSlots(tt.set, tt.count))
		})
	}
}

func rangeOf(start, end int) []int {
	var out []int
	for i := start; i <= end; i++ {
		out = append(out, i)
	}
	return out
}

func TestLedgerResult(t *testing.T) {
	cause := errors.New("boom")

	t.Run("nothing changed returns the cause", func(t *testing.T) {
		l := &ledger{}
		l.abort(10)
		l.skip(11, 12)
		assert.Equal(t, cause, l.result("reshard", cause))
	})

	t.Run("completed slots yield a partial failure", func(t *testing.T) {
		l := &ledger{}
		l.complete(3)
		l.complete(1)
		l.leaveOpen(4)
		l.skip(6, 5)

		err := l.result("reshard", cause)
		var pf *errdefs.PartialFailureError
		require.ErrorAs(t, err, &pf)
		assert.Equal(t, []int{1, 3}, pf.Completed)
		assert.Equal(t, []int{4, 5, 6}, pf.Pending)
		assert.Empty(t, pf.Aborted)
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 7, errdefs.ExitCode(err))
	})

	t.Run("a slot left open alone is a partial failure", func(t *testing.T) {
		l := &ledger{}
		l.leaveOpen(4)
		assert.True(t, errors.Is(l.result("fix", cause), errdefs.ErrPartialFailure))
	})

	t.Run("rolled back repairs are reported as aborted", func(t *testing.T) {
		l := &ledger{}
		l.repaired(7, KindAbort)
		l.repaired(2, KindComplete)
		l.leaveOpen(9)

		err := l.result("fix", cause)
		var pf *errdefs.PartialFailureError
		require.ErrorAs(t, err, &pf)
		assert.Equal(t, []int{2}, pf.Completed)
		assert.Equal(t, []int{7}, pf.Aborted)
		assert.Equal(t, []int{9}, pf.Pending)
	})

	t.Run("a rollback alone is a partial failure", func(t *testing.T) {
		l := &ledger{}
		l.repaired(7, KindAbort)
		assert.True(t, errors.Is(l.result("fix", cause), errdefs.ErrPartialFailure))
	})

	t.Run("success", func(t *testing.T) {
		l := &ledger{}
		l.complete(1)
		assert.NoError(t, l.result("reshard", nil))
	})
}

func TestPlanSteps(t *testing.T) {
	p := newPlan("op-1", KindReshard, []types.NodeID{"a", "b"}, nil)
	p.AddStep("one")
	p.AddStep("two")
	p.AddStep("three")

	s := p.beginStep("one", fixedNow)
	p.endStep(s, nil, fixedNow)
	s = p.beginStep("two", fixedNow)
	p.endStep(s, errors.New("refused"), fixedNow)
	p.abortPending()

	assert.Equal(t, 1, p.StepCount(StatusSucceeded))
	assert.Equal(t, 1, p.StepCount(StatusFailed))
	assert.Equal(t, 1, p.StepCount(StatusAborted))
	assert.Equal(t, "two", p.FailedStep())
	assert.Equal(t, "refused", p.Steps[1].Error)
	assert.True(t, StatusAborted.Terminal())
	assert.False(t, StatusRunning.Terminal())
}
