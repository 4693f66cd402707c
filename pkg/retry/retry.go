// Package retry provides the bounded polling primitive used wherever an
// operation waits for the cluster to reach a state.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/errdefs"
)

const (
	DefaultInterval = time.Second
	DefaultDeadline = 15 * time.Second
)

// Policy polls at a fixed interval until a hard deadline
type Policy struct {
	Interval time.Duration
	Deadline time.Duration
	Clock    clock.Clock
}

// NewPolicy returns a policy on the wall clock
func NewPolicy(interval, deadline time.Duration) Policy {
	return Policy{Interval: interval, Deadline: deadline}
}

// Default returns a policy polling every second for 15 seconds
func Default() Policy {
	return NewPolicy(DefaultInterval, DefaultDeadline)
}

func (p Policy) withDefaults() Policy {
	if p.Interval <= 0 {
		p.Interval = DefaultInterval
	}
	if p.Deadline <= 0 {
		p.Deadline = DefaultDeadline
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return p
}

// WithDeadline returns a copy of p with a different deadline
func (p Policy) WithDeadline(d time.Duration) Policy {
	p.Deadline = d
	return p
}

// Condition reports whether the awaited state was reached. An error does not
// stop the wait unless it is wrapped with Stop; it is remembered and reported
// if the deadline elapses.
type Condition func(ctx context.Context) (bool, error)

type stopError struct {
	err error
}

func (s *stopError) Error() string { return s.err.Error() }
func (s *stopError) Unwrap() error { return s.err }

// Stop marks err as terminal for WaitFor
func Stop(err error) error {
	if err == nil {
		return nil
	}
	return &stopError{err: err}
}

// WaitFor checks cond immediately and then every Interval until it holds, it
// returns a Stop error, ctx is done or Deadline elapses. The deadline yields
// an errdefs timeout error.
func (p Policy) WaitFor(ctx context.Context, description string, cond Condition) error {
	p = p.withDefaults()

	deadline := p.Clock.Timer(p.Deadline)
	defer deadline.Stop()
	ticker := p.Clock.Ticker(p.Interval)
	defer ticker.Stop()

	var lastErr error
	attempts := 0
	for {
		attempts++
		ok, err := cond(ctx)
		if err != nil {
			var stop *stopError
			if errors.As(err, &stop) {
				return stop.err
			}
			lastErr = err
		} else if ok {
			return nil
		}

		select {
		case <-ctx.Done():
			return errdefs.WithStep(ctx.Err(), "wait", description)
		case <-deadline.C:
			msg := fmt.Sprintf("%s not reached within %s (%d attempts)", description, p.Deadline, attempts)
			if lastErr != nil {
				msg += fmt.Sprintf(", last error: %v", lastErr)
			}
			return errdefs.Timeout("%s", msg)
		case <-ticker.C:
		}
	}
}

// Sleep waits d on the policy's clock or until ctx is done
func (p Policy) Sleep(ctx context.Context, d time.Duration) error {
	p = p.withDefaults()
	t := p.Clock.Timer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
