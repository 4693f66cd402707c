package monitor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/alert"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/metrics"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultInterval is the time between two evaluation cycles
const DefaultInterval = 15 * time.Second

// Options configures a Monitor
type Options struct {
	Endpoints   []types.Endpoint
	Environment string
	Interval    time.Duration
	Evaluator   *health.Evaluator
	// Notifier receives the report whenever health leaves OK
	Notifier alert.Notifier
	// Store keeps the last snapshot for operators; optional
	Store  storage.Store
	Events events.Publisher
	Clock  clock.Clock
}

// Monitor evaluates cluster health on an interval
type Monitor struct {
	poller      topology.Poller
	endpoints   []types.Endpoint
	environment string
	interval    time.Duration
	evaluator   *health.Evaluator
	notifier    alert.Notifier
	store       storage.Store
	events      events.Publisher
	clock       clock.Clock
	logger      zerolog.Logger

	mu        sync.RWMutex
	last      *health.Report
	snap      *topology.Snapshot
	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a monitor polling through poller
func New(poller topology.Poller, opts Options) *Monitor {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.Evaluator == nil {
		opts.Evaluator = health.NewEvaluator(health.DefaultThresholds())
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Monitor{
		poller:      poller,
		endpoints:   opts.Endpoints,
		environment: opts.Environment,
		interval:    opts.Interval,
		evaluator:   opts.Evaluator,
		notifier:    opts.Notifier,
		store:       opts.Store,
		events:      opts.Events,
		clock:       opts.Clock,
		logger:      log.WithComponent("monitor"),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Start runs one cycle immediately and then one per interval
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		m.started.Store(true)
		go m.run()
	})
}

// Stop ends the loop and waits for the running cycle to finish. It is safe
// to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	if m.started.Load() {
		<-m.doneCh
	}
}

func (m *Monitor) run() {
	defer close(m.doneCh)

	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.tick()
	for {
		select {
		case <-ticker.C:
			m.tick()
		case <-m.stopCh:
			return
		}
	}
}

// tick runs a cycle bounded by the interval and canceled by Stop
func (m *Monitor) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), m.interval)
	defer cancel()
	go func() {
		select {
		case <-m.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	_, _ = m.Cycle(ctx)
}

// Cycle polls the cluster once, evaluates it, updates metrics and the
// catalog and alerts on a transition out of OK. An error is returned only
// when ctx ends before the poll completes; nothing is recorded then.
func (m *Monitor) Cycle(ctx context.Context) (health.Report, error) {
	timer := metrics.NewTimer()
	snap, err := m.poller.BuildSnapshot(ctx, m.endpoints)
	timer.ObserveDuration(metrics.SnapshotDuration)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return health.Report{}, ctxErr
	}

	var report health.Report
	if err != nil {
		m.logger.Error().Err(err).Msg("Topology poll failed")
		metrics.UpdateComponent(metrics.ComponentTopology, false, err.Error())
		report = unreachableReport(m.clock.Now(), err)
		metrics.RecordHealth(report)
		snap = nil
	} else {
		metrics.UpdateComponent(metrics.ComponentTopology, true, "")
		nodeMetrics := m.poller.CollectMetrics(ctx, snap)
		report = m.evaluator.Evaluate(snap, nodeMetrics)
		metrics.Record(snap, nodeMetrics, report)
		m.save(snap, &report)
	}

	prev := m.swap(snap, &report)
	m.transition(ctx, prev, report)

	m.logger.Debug().
		Str("state", string(report.State)).
		Int("issues", len(report.Issues)).
		Int("warnings", len(report.Warnings)).
		Dur("duration", timer.Duration()).
		Msg("Health evaluated")
	return report, nil
}

// swap stores the new report and returns the previous one
func (m *Monitor) swap(snap *topology.Snapshot, report *health.Report) *health.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.last
	m.last = report
	if snap != nil {
		m.snap = snap
	}
	return prev
}

func (m *Monitor) transition(ctx context.Context, prev *health.Report, report health.Report) {
	prevState := health.StateOK
	if prev != nil {
		prevState = prev.State
	}
	if prev != nil && prevState == report.State {
		return
	}

	if prev != nil || report.State != health.StateOK {
		m.logger.Info().
			Str("from", string(prevState)).
			Str("to", string(report.State)).
			Msg("Health state changed")
		m.publish(prevState, report)
	}

	if prevState == health.StateOK && report.State != health.StateOK && m.notifier != nil {
		_ = m.notifier.Send(ctx, report)
	}
}

func (m *Monitor) publish(from health.State, report health.Report) {
	if m.events == nil {
		return
	}
	e := events.New(events.EventHealthChanged, "", "cluster health is "+string(report.State)).
		With("environment", m.environment).
		With("from", string(from)).
		With("to", string(report.State))
	e.Timestamp = m.clock.Now()
	m.events.Publish(e)
}

func (m *Monitor) save(snap *topology.Snapshot, report *health.Report) {
	if m.store == nil {
		return
	}
	rec := &storage.SnapshotRecord{
		Environment: m.environment,
		SavedAt:     m.clock.Now(),
		Topology:    snap.Summary(),
		Health:      report,
	}
	if err := m.store.SaveSnapshot(rec); err != nil {
		m.logger.Warn().Err(err).Msg("Failed to save snapshot")
		metrics.UpdateComponent(metrics.ComponentCatalog, false, err.Error())
		return
	}
	metrics.UpdateComponent(metrics.ComponentCatalog, true, "")
}

// Last returns the most recent report, or nil before the first cycle
func (m *Monitor) Last() *health.Report {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Snapshot returns the most recent readable snapshot, or nil
func (m *Monitor) Snapshot() *topology.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// unreachableReport is the verdict when no seed endpoint could be polled
func unreachableReport(now time.Time, err error) health.Report {
	return health.Report{
		State:      health.StateFailed,
		ObservedAt: now,
		Issues: []health.Issue{{
			Severity: health.SeverityCritical,
			Category: health.CategoryReachability,
			Message:  "no seed endpoint answered: " + err.Error(),
		}},
		Warnings: []health.Issue{},
	}
}
