package orchestrator

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/lock"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultBatchSize      = 100
	DefaultMigrateTimeout = 5 * time.Second
	DefaultRejoinDeadline = 60 * time.Second
)

// Options configures an Orchestrator
type Options struct {
	// Endpoints seed every snapshot the orchestrator builds
	Endpoints []types.Endpoint
	// Policy bounds promotion and convergence waits
	Policy retry.Policy
	// RejoinDeadline bounds waits for a node to join or leave the cluster
	RejoinDeadline time.Duration
	// BatchSize is the number of keys moved per MIGRATE
	BatchSize int
	// KeysPerSecond throttles key migration; zero means unlimited
	KeysPerSecond float64
	// MigrateTimeout is the per-batch MIGRATE timeout
	MigrateTimeout time.Duration
	Thresholds     health.Thresholds
	// Locks is shared by every orchestrator acting on the same cluster
	Locks  *lock.Table
	Events events.Publisher
	// Store records backups; it may be nil
	Store storage.Store
	Clock clock.Clock
}

// Orchestrator runs the multi-step cluster operations. Every operation takes
// the per-node locks of its targets before issuing any command.
type Orchestrator struct {
	dialer    client.Dialer
	poller    topology.Poller
	evaluator *health.Evaluator
	locks     *lock.Table
	events    events.Publisher
	store     storage.Store
	clock     clock.Clock
	limiter   *rate.Limiter
	opts      Options
	logger    zerolog.Logger
}

// New creates an orchestrator
func New(dialer client.Dialer, poller topology.Poller, opts Options) *Orchestrator {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.MigrateTimeout <= 0 {
		opts.MigrateTimeout = DefaultMigrateTimeout
	}
	if opts.RejoinDeadline <= 0 {
		opts.RejoinDeadline = DefaultRejoinDeadline
	}
	if opts.Locks == nil {
		opts.Locks = lock.NewTable()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Policy.Clock == nil {
		opts.Policy.Clock = opts.Clock
	}
	if opts.Thresholds == (health.Thresholds{}) {
		opts.Thresholds = health.DefaultThresholds()
	}

	limit := rate.Inf
	burst := opts.BatchSize
	if opts.KeysPerSecond > 0 {
		limit = rate.Limit(opts.KeysPerSecond)
		if float64(burst) > opts.KeysPerSecond {
			burst = int(opts.KeysPerSecond)
		}
		if burst < 1 {
			burst = 1
		}
	}

	return &Orchestrator{
		dialer:    dialer,
		poller:    poller,
		evaluator: health.NewEvaluator(opts.Thresholds),
		locks:     opts.Locks,
		events:    opts.Events,
		store:     opts.Store,
		clock:     opts.Clock,
		limiter:   rate.NewLimiter(limit, burst),
		opts:      opts,
		logger:    log.WithComponent("orchestrator"),
	}
}

// Locks returns the lock table shared by the orchestrator's operations
func (o *Orchestrator) Locks() *lock.Table {
	return o.locks
}

// Snapshot builds a fresh snapshot from the configured endpoints
func (o *Orchestrator) Snapshot(ctx context.Context) (*topology.Snapshot, error) {
	return o.poller.BuildSnapshot(ctx, o.opts.Endpoints)
}

func (o *Orchestrator) publish(e *events.Event) {
	if o.events == nil {
		return
	}
	e.Timestamp = o.clock.Now()
	o.events.Publish(e)
}

// operation is one running plan together with the locks it holds
type operation struct {
	o      *Orchestrator
	plan   *Plan
	lease  *lock.Lease
	logger zerolog.Logger
	timer  *metrics.Timer
}

// begin acquires the locks of targets and publishes the start of a plan.
// A lock conflict is returned before anything else happens.
func (o *Orchestrator) begin(kind Kind, targets []types.NodeID, params map[string]string) (*operation, error) {
	plan := newPlan(uuid.NewString(), kind, targets, params)

	lease, err := o.locks.Acquire(plan.ID, string(kind), targets...)
	if err != nil {
		metrics.LockConflicts.Inc()
		metrics.OperationsTotal.WithLabelValues(string(kind), string(errdefs.KindConflict)).Inc()
		o.logger.Warn().Err(err).Str("operation", string(kind)).Msg("Operation rejected")
		return nil, errdefs.WithStep(err, string(kind), "lock")
	}

	op := &operation{
		o:      o,
		plan:   plan,
		lease:  lease,
		logger: log.WithOperation("orchestrator", string(kind), plan.ID),
		timer:  metrics.NewTimer(),
	}
	plan.Status = StatusRunning
	plan.StartedAt = o.clock.Now()

	e := events.New(events.EventOperationStarted, plan.ID, string(kind)+" started").
		With("kind", string(kind))
	for i, id := range targets {
		e.With("target."+strconv.Itoa(i), string(id))
	}
	o.publish(e)
	op.logger.Info().Interface("targets", targets).Interface("parameters", params).Msg("Operation started")
	return op, nil
}

// step runs fn as a named step. The context is checked before the step
// starts; a step already issued runs to completion even if ctx is canceled
// meanwhile, so that no command is cut off mid-flight.
func (op *operation) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	kind := string(op.plan.Kind)
	if err := ctx.Err(); err != nil {
		return errdefs.WithStep(err, kind, name)
	}

	s := op.plan.beginStep(name, op.o.clock.Now())
	op.plan.setState(name)
	err := fn(context.WithoutCancel(ctx))
	op.plan.endStep(s, err, op.o.clock.Now())

	if err != nil {
		op.logger.Warn().Err(err).Str("step", name).Msg("Step failed")
		op.o.publish(events.New(events.EventStepFailed, op.plan.ID, err.Error()).With("step", name))
		return errdefs.WithStep(err, kind, name)
	}
	op.logger.Debug().Str("step", name).Msg("Step completed")
	op.o.publish(events.New(events.EventStepCompleted, op.plan.ID, name).With("step", name))
	return nil
}

// finish releases the locks and records the outcome of the plan
func (op *operation) finish(err error) error {
	defer op.lease.Release()

	plan := op.plan
	plan.mu.Lock()
	plan.FinishedAt = op.o.clock.Now()
	status := "succeeded"
	evType := events.EventOperationSucceeded
	switch {
	case err == nil:
		plan.Status = StatusSucceeded
		plan.State = "done"
	case errors.Is(err, context.Canceled) || errdefs.KindOf(err) == errdefs.KindCanceled:
		plan.Status = StatusAborted
		plan.Error = err.Error()
		status = string(errdefs.KindCanceled)
		evType = events.EventOperationAborted
	default:
		plan.Status = StatusFailed
		plan.Error = err.Error()
		status = string(errdefs.KindOf(err))
		evType = events.EventOperationFailed
	}
	plan.abortPending()
	plan.mu.Unlock()

	metrics.OperationsTotal.WithLabelValues(string(plan.Kind), status).Inc()
	op.timer.ObserveDurationVec(metrics.OperationDuration, string(plan.Kind))

	e := events.New(evType, plan.ID, string(plan.Kind)+" "+status).With("kind", string(plan.Kind))
	if err != nil {
		e.With("error", err.Error())
		if s := errdefs.StepOf(err); s != "" {
			e.With("step", s)
		}
	}
	op.o.publish(e)

	if err != nil {
		op.logger.Error().Err(err).Str("step", errdefs.StepOf(err)).Dur("duration", op.timer.Duration()).Msg("Operation failed")
		return err
	}
	op.logger.Info().Dur("duration", op.timer.Duration()).Msg("Operation succeeded")
	return nil
}
