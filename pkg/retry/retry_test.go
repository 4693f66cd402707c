package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// run starts WaitFor in the background. Every call of cond is announced on
// the returned channel after it has been evaluated.
func run(ctx context.Context, p Policy, cond Condition) (<-chan struct{}, <-chan error) {
	calls := make(chan struct{}, 128)
	done := make(chan error, 1)
	go func() {
		done <- p.WaitFor(ctx, "state", func(ctx context.Context) (bool, error) {
			ok, err := cond(ctx)
			calls <- struct{}{}
			return ok, err
		})
	}()
	return calls, done
}

func waitCall(t *testing.T, calls <-chan struct{}) {
	t.Helper()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("condition was not evaluated")
	}
}

func result(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("WaitFor did not return")
		return nil
	}
}

func TestWaitForImmediate(t *testing.T) {
	p := Policy{Interval: time.Second, Deadline: 5 * time.Second, Clock: clock.NewMock()}
	err := p.WaitFor(context.Background(), "state", func(context.Context) (bool, error) {
		return true, nil
	})
	assert.NoError(t, err)
}

func TestWaitForPollsUntilTrue(t *testing.T) {
	mock := clock.NewMock()
	p := Policy{Interval: time.Second, Deadline: 15 * time.Second, Clock: mock}

	var n int32
	calls, done := run(context.Background(), p, func(context.Context) (bool, error) {
		return atomic.AddInt32(&n, 1) == 3, nil
	})

	waitCall(t, calls)
	mock.Add(time.Second)
	waitCall(t, calls)
	mock.Add(time.Second)
	waitCall(t, calls)

	require.NoError(t, result(t, done))
	assert.Equal(t, int32(3), atomic.LoadInt32(&n))
}

func TestWaitForDeadline(t *testing.T) {
	mock := clock.NewMock()
	p := Policy{Interval: time.Second, Deadline: 3 * time.Second, Clock: mock}

	calls, done := run(context.Background(), p, func(context.Context) (bool, error) {
		return false, errors.New("role is replica")
	})

	waitCall(t, calls)
	mock.Add(3 * time.Second)

	err := result(t, done)
	require.Error(t, err)
	assert.True(t, errdefs.IsTimeout(err))
	assert.Contains(t, err.Error(), "state not reached within 3s")
	assert.Contains(t, err.Error(), "role is replica")
}

func TestWaitForStop(t *testing.T) {
	p := Policy{Interval: time.Second, Deadline: 5 * time.Second, Clock: clock.NewMock()}
	cause := errors.New("node was removed")
	err := p.WaitFor(context.Background(), "state", func(context.Context) (bool, error) {
		return false, Stop(cause)
	})
	assert.Equal(t, cause, err)
}

func TestWaitForCanceled(t *testing.T) {
	mock := clock.NewMock()
	p := Policy{Interval: time.Second, Deadline: time.Minute, Clock: mock}
	ctx, cancel := context.WithCancel(context.Background())

	calls, done := run(ctx, p, func(context.Context) (bool, error) { return false, nil })
	waitCall(t, calls)
	cancel()

	err := result(t, done)
	assert.Equal(t, errdefs.KindCanceled, errdefs.KindOf(err))
}

func TestDefaults(t *testing.T) {
	p := Policy{}.withDefaults()
	assert.Equal(t, DefaultInterval, p.Interval)
	assert.Equal(t, DefaultDeadline, p.Deadline)
	assert.NotNil(t, p.Clock)

	assert.Equal(t, 30*time.Second, Default().WithDeadline(30*time.Second).Deadline)
}
