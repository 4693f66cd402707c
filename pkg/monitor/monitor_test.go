package monitor

import (
	"context"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/cuemby/shardctl/test/simcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeNotifier records the reports it is sent
type fakeNotifier struct {
	mu      sync.Mutex
	reports []health.Report
}

func (f *fakeNotifier) Send(_ context.Context, report health.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reports)
}

type recorder struct {
	mu     sync.Mutex
	events []*events.Event
}

func (r *recorder) Publish(e *events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func newMonitor(t *testing.T, endpoints []types.Endpoint, mutate ...func(*Options)) (*Monitor, *fakeNotifier, *recorder) {
	t.Helper()
	pool := client.NewPool(client.Options{Timeout: 500 * time.Millisecond})
	t.Cleanup(func() { _ = pool.Close() })

	notifier := &fakeNotifier{}
	rec := &recorder{}
	opts := Options{
		Endpoints:   endpoints,
		Environment: "test",
		Interval:    time.Second,
		Notifier:    notifier,
		Events:      rec,
	}
	for _, m := range mutate {
		m(&opts)
	}
	return New(topology.NewBuilder(pool, topology.Options{}), opts), notifier, rec
}

func TestCycleHealthyCluster(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	m, notifier, rec := newMonitor(t, sim.Endpoints(), func(o *Options) { o.Store = store })

	report, err := m.Cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, health.StateOK, report.State, "issues: %v", report.All())
	assert.Zero(t, notifier.count())
	assert.Empty(t, rec.events)
	require.NotNil(t, m.Last())
	require.NotNil(t, m.Snapshot())

	saved, err := store.GetSnapshot("test")
	require.NoError(t, err)
	assert.Len(t, saved.Topology.Nodes, 6)
	require.NotNil(t, saved.Health)
	assert.Equal(t, health.StateOK, saved.Health.State)
}

func TestCycleAlertsOnceWhenHealthDegrades(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	m, notifier, rec := newMonitor(t, sim.Endpoints())
	ctx := context.Background()

	report, err := m.Cycle(ctx)
	require.NoError(t, err)
	require.Equal(t, health.StateOK, report.State)

	replica := sim.Replicas(sim.Masters()[0])[0]
	require.NoError(t, sim.Stop(replica))

	report, err = m.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, health.StateFailed, report.State)
	require.Equal(t, 1, notifier.count())
	assert.Equal(t, health.StateFailed, notifier.reports[0].State)

	_, err = m.Cycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, notifier.count(), "no repeated alert while still unhealthy")

	require.NoError(t, sim.Restart(replica))
	require.Eventually(t, func() bool {
		r, err := m.Cycle(ctx)
		return err == nil && r.State == health.StateOK
	}, 5*time.Second, 50*time.Millisecond)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.GreaterOrEqual(t, len(rec.events), 2)
	assert.Equal(t, events.EventHealthChanged, rec.events[0].Type)
	assert.Equal(t, "Failed", rec.events[0].Metadata["to"])
	assert.Equal(t, "OK", rec.events[len(rec.events)-1].Metadata["to"])
}

func TestCycleNoSeedAnswers(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 1})
	require.NoError(t, err)
	endpoints := sim.Endpoints()
	sim.Close()

	m, notifier, _ := newMonitor(t, endpoints)
	report, err := m.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, health.StateFailed, report.State)
	require.Len(t, report.Issues, 1)
	assert.Equal(t, health.CategoryReachability, report.Issues[0].Category)
	assert.Equal(t, 1, notifier.count())
	assert.Nil(t, m.Snapshot())
}

func TestCycleCanceled(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 1})
	require.NoError(t, err)
	defer sim.Close()

	m, notifier, _ := newMonitor(t, sim.Endpoints())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = m.Cycle(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, m.Last())
	assert.Zero(t, notifier.count())
}

func TestStartStop(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 2, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	m, _, _ := newMonitor(t, sim.Endpoints(), func(o *Options) { o.Interval = 50 * time.Millisecond })
	m.Start()
	require.Eventually(t, func() bool { return m.Last() != nil }, 2*time.Second, 10*time.Millisecond)
	m.Stop()
	assert.Equal(t, health.StateOK, m.Last().State)
}

func TestStopTwice(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 2, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	m, _, _ := newMonitor(t, sim.Endpoints(), func(o *Options) { o.Interval = 50 * time.Millisecond })
	m.Start()
	m.Start()
	require.Eventually(t, func() bool { return m.Last() != nil }, 2*time.Second, 10*time.Millisecond)

	assert.NotPanics(t, m.Stop)
	assert.NotPanics(t, m.Stop)
}

func TestStopWithoutStart(t *testing.T) {
	m, _, _ := newMonitor(t, nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		m.Stop()
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on a monitor that never started")
	}
}

func TestServer(t *testing.T) {
	srv, err := Listen("127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "shardctl_health_state")

	resp, err = http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}
