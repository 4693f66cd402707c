package chaos

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/keyspace"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// maxReportedMismatches caps the keys listed in a data integrity failure
const maxReportedMismatches = 5

// Options configures a Harness
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	Injector     Injector
	// Opener creates the cluster-aware clients used for test keys
	Opener keyspace.Opener
	Events events.Publisher
	// Interval is the polling interval of observe and recover waits
	Interval time.Duration
	Clock    clock.Clock
}

// Harness runs chaos scenarios against a live cluster
type Harness struct {
	orch     *orchestrator.Orchestrator
	injector Injector
	opener   keyspace.Opener
	events   events.Publisher
	interval time.Duration
	clock    clock.Clock
}

// New creates a harness
func New(opts Options) *Harness {
	if opts.Interval <= 0 {
		opts.Interval = 250 * time.Millisecond
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Harness{
		orch:     opts.Orchestrator,
		injector: opts.Injector,
		opener:   opts.Opener,
		events:   opts.Events,
		interval: opts.Interval,
		clock:    opts.Clock,
	}
}

// run is the state of one scenario run shared by its phases
type run struct {
	h      *Harness
	params Params
	result *Result
	logger zerolog.Logger

	keys    *keyspace.Keyspace
	data    keyspace.Dataset
	before  *topology.Snapshot
	after   *topology.Snapshot
	target  types.NodeRecord
	stopped []types.NodeRecord
}

// Run executes one scenario. The returned error is set only when the run
// could not start (unknown scenario); everything that goes wrong afterwards
// is reported in the Result. Recover and cleanup run even when earlier
// phases fail or ctx is canceled.
func (h *Harness) Run(ctx context.Context, params Params) (*Result, error) {
	sc, err := lookup(params.Scenario)
	if err != nil {
		return nil, err
	}
	params = params.withDefaults()

	runID := uuid.NewString()
	r := &run{
		h:      h,
		params: params,
		result: &Result{
			Scenario:  sc.Name(),
			RunID:     runID,
			StartedAt: h.clock.Now(),
			Phases:    []PhaseResult{},
			Failures:  []AssertionFailure{},
		},
		logger: log.WithScenario(sc.Name(), runID),
		keys:   keyspace.New(h.opener, "shardctl:chaos:"+runID[:8]),
	}
	r.logger.Info().Interface("params", params).Msg("Scenario started")

	ok := r.phase(ctx, PhaseSetup, func(ctx context.Context) error {
		return r.setup(ctx, sc)
	})
	if ok {
		ok = r.phase(ctx, PhaseInject, func(ctx context.Context) error {
			return sc.Inject(ctx, r)
		})
	} else {
		r.skip(PhaseInject)
	}
	if ok {
		observed := r.phase(ctx, PhaseObserve, func(ctx context.Context) error {
			return sc.Observe(ctx, r)
		})
		if !observed {
			pr, _ := r.result.Phase(PhaseObserve)
			r.fail(PhaseObserve, "expected transition", "transition within "+params.ObserveDeadline.String(), pr.Error)
		}
		r.phase(ctx, PhaseAssert, func(ctx context.Context) error {
			if r.after == nil {
				snap, err := r.h.orch.Snapshot(ctx)
				if err != nil {
					r.fail(PhaseAssert, "topology readable", "a topology snapshot", err.Error())
					return nil
				}
				r.after = snap
			}
			sc.Assert(ctx, r)
			return nil
		})
	} else {
		r.skip(PhaseObserve)
		r.skip(PhaseAssert)
	}

	// Recover and cleanup must not be cut short by the caller
	final, cancel := context.WithTimeout(context.WithoutCancel(ctx), params.RecoverDeadline)
	defer cancel()
	r.phase(final, PhaseRecover, func(ctx context.Context) error {
		return r.recover(ctx, sc)
	})
	r.phase(final, PhaseCleanup, r.cleanup)

	res := r.result
	res.Duration = h.clock.Since(res.StartedAt)
	res.Passed = len(res.Failures) == 0
	for _, pr := range res.Phases {
		if pr.Status == PhaseFailed {
			res.Passed = false
		}
	}

	outcome := "passed"
	if !res.Passed {
		outcome = "failed"
	}
	metrics.ChaosRuns.WithLabelValues(res.Scenario, outcome).Inc()
	r.logger.Info().
		Bool("passed", res.Passed).
		Int("failures", len(res.Failures)).
		Dur("duration", res.Duration).
		Msg("Scenario finished")
	return res, nil
}

// phase runs fn and records its outcome; it reports whether fn succeeded
func (r *run) phase(ctx context.Context, p Phase, fn func(ctx context.Context) error) bool {
	start := r.h.clock.Now()
	err := fn(ctx)
	pr := PhaseResult{
		Phase:     p,
		Status:    PhasePassed,
		StartedAt: start,
		Duration:  r.h.clock.Since(start),
	}
	if err != nil {
		pr.Status = PhaseFailed
		pr.Error = err.Error()
		r.logger.Warn().Err(err).Str("phase", string(p)).Msg("Phase failed")
	} else {
		r.logger.Debug().Str("phase", string(p)).Msg("Phase passed")
	}
	r.result.Phases = append(r.result.Phases, pr)
	r.publish(pr)
	return err == nil
}

func (r *run) skip(p Phase) {
	pr := PhaseResult{Phase: p, Status: PhaseSkipped}
	r.result.Phases = append(r.result.Phases, pr)
	r.publish(pr)
}

func (r *run) publish(pr PhaseResult) {
	if r.h.events == nil {
		return
	}
	e := events.New(events.EventChaosPhase, r.result.RunID, string(pr.Phase)+" "+string(pr.Status)).
		With("scenario", r.result.Scenario).
		With("phase", string(pr.Phase)).
		With("status", string(pr.Status))
	if pr.Error != "" {
		e.With("error", pr.Error)
	}
	e.Timestamp = r.h.clock.Now()
	r.h.events.Publish(e)
}

// fail records an assertion failure
func (r *run) fail(p Phase, assertion, expected, observed string) {
	f := AssertionFailure{Phase: p, Assertion: assertion, Expected: expected, Observed: observed}
	r.result.Failures = append(r.result.Failures, f)
	r.logger.Warn().Str("assertion", assertion).Str("expected", expected).Str("observed", observed).Msg("Assertion failed")
}

func (r *run) setup(ctx context.Context, sc scenario) error {
	snap, err := r.h.orch.Snapshot(ctx)
	if err != nil {
		return err
	}
	if !snap.Consistent() {
		return errdefs.Precondition("topology is inconsistent before injection")
	}
	if gaps := snap.Gaps(); !gaps.Empty() {
		return errdefs.Precondition("%d slots are unassigned before injection", gaps.Len())
	}
	if open := snap.Transitional(); len(open) > 0 {
		return errdefs.Precondition("%d slots are migrating before injection", len(open))
	}
	r.before = snap

	if err := sc.Setup(ctx, r); err != nil {
		return err
	}
	r.result.Target = string(r.target.ID)

	data, err := r.keys.Seed(ctx, r.params.Keys)
	if err != nil {
		return err
	}
	r.data = data
	r.result.KeysSeeded = len(data)
	return nil
}

func (r *run) recover(ctx context.Context, sc scenario) error {
	var errs []string
	for _, rec := range r.stopped {
		if err := r.h.injector.StartNode(ctx, rec); err != nil {
			errs = append(errs, fmt.Sprintf("start %s: %v", rec.ID.Short(), err))
			continue
		}
		if err := r.waitRejoin(ctx, rec.ID); err != nil {
			errs = append(errs, err.Error())
		}
	}
	r.stopped = nil

	if r.before != nil {
		if err := sc.Recover(ctx, r); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if r.data != nil {
		r.verifyData(ctx, PhaseRecover, "data integrity after recovery")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func (r *run) cleanup(ctx context.Context) error {
	if r.data == nil {
		return nil
	}
	deleted, err := r.keys.Delete(ctx, r.data)
	if err != nil {
		return err
	}
	r.logger.Debug().Int("deleted", deleted).Msg("Test keys deleted")
	return nil
}

// stop injects a process stop and remembers rec for recovery
func (r *run) stop(ctx context.Context, rec types.NodeRecord) error {
	r.stopped = append(r.stopped, rec)
	if err := r.h.injector.StopNode(ctx, rec); err != nil {
		return fmt.Errorf("stop %s: %w", rec.ID.Short(), err)
	}
	r.logger.Info().Str("node_id", string(rec.ID)).Str("endpoint", rec.Endpoint.Addr()).Msg("Node stopped")
	return nil
}

// policy returns a polling policy bounded by deadline
func (r *run) policy(deadline time.Duration) retry.Policy {
	return retry.Policy{Interval: r.h.interval, Deadline: deadline, Clock: r.h.clock}
}

// waitFor polls snapshots until cond holds for one. The last snapshot is kept
// in r.after.
func (r *run) waitFor(ctx context.Context, deadline time.Duration, desc string, cond func(snap *topology.Snapshot) bool) error {
	return r.policy(deadline).WaitFor(ctx, desc, func(ctx context.Context) (bool, error) {
		snap, err := r.h.orch.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		r.after = snap
		return cond(snap), nil
	})
}

func (r *run) waitRejoin(ctx context.Context, id types.NodeID) error {
	return r.waitFor(ctx, r.params.RecoverDeadline, "node "+id.Short()+" to rejoin", func(snap *topology.Snapshot) bool {
		rec, ok := snap.Node(id)
		return ok && !snap.IsUnreachable(id) && !rec.Failing()
	})
}

// waitSettled waits for a consistent, fully covered topology without open
// slots
func (r *run) waitSettled(ctx context.Context, deadline time.Duration) error {
	return r.waitFor(ctx, deadline, "topology to settle", settled)
}

func settled(snap *topology.Snapshot) bool {
	return snap.Consistent() && snap.Gaps().Empty() && len(snap.Transitional()) == 0 &&
		snap.SlotsOK() == types.TotalSlots
}

// verifyData reads every seeded key back and records a failure listing the
// first mismatches
func (r *run) verifyData(ctx context.Context, p Phase, assertion string) {
	v, err := r.keys.Verify(ctx, r.data)
	if err != nil {
		r.fail(p, assertion, fmt.Sprintf("%d keys readable", len(r.data)), err.Error())
		return
	}
	if v.OK() {
		return
	}
	shown := make([]string, 0, maxReportedMismatches)
	for i, m := range v.Mismatches {
		if i == maxReportedMismatches {
			break
		}
		shown = append(shown, m.String())
	}
	r.fail(p, assertion,
		fmt.Sprintf("%d keys with their seeded values", v.Checked),
		fmt.Sprintf("%d mismatched (%s)", len(v.Mismatches), strings.Join(shown, "; ")))
}

// check records a failure when ok is false
func (r *run) check(ok bool, assertion, expected, observed string) {
	if !ok {
		r.fail(PhaseAssert, assertion, expected, observed)
	}
}
