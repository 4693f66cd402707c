package chaos

import (
	"context"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/events"
	"github.com/cuemby/shardctl/pkg/keyspace"
	"github.com/cuemby/shardctl/pkg/orchestrator"
	"github.com/cuemby/shardctl/pkg/retry"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/cuemby/shardctl/test/simcluster"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects published events
type recorder struct {
	ch chan *events.Event
}

func (r *recorder) Publish(e *events.Event) {
	select {
	case r.ch <- e:
	default:
	}
}

func newHarness(t *testing.T, sim *simcluster.Cluster, pub events.Publisher) *Harness {
	t.Helper()
	pool := client.NewPool(client.Options{Timeout: time.Second})
	t.Cleanup(func() { _ = pool.Close() })

	orch := orchestrator.New(pool, topology.NewBuilder(pool, topology.Options{Discover: true}), orchestrator.Options{
		Endpoints:      sim.Endpoints(),
		Policy:         retry.NewPolicy(20*time.Millisecond, 3*time.Second),
		RejoinDeadline: 3 * time.Second,
	})
	return New(Options{
		Orchestrator: orch,
		Injector:     sim,
		Opener:       keyspace.ClusterOpener(sim.Addrs(), "", time.Second),
		Events:       pub,
		Interval:     50 * time.Millisecond,
	})
}

func totalKeys(sim *simcluster.Cluster) int {
	n := 0
	for _, id := range sim.IDs() {
		n += sim.KeyCount(id)
	}
	return n
}

func phaseStatuses(res *Result) map[Phase]PhaseStatus {
	out := make(map[Phase]PhaseStatus)
	for _, pr := range res.Phases {
		out[pr.Phase] = pr.Status
	}
	return out
}

func TestMasterDownScenarioPasses(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	rec := &recorder{ch: make(chan *events.Event, 64)}
	h := newHarness(t, sim, rec)

	replicas := make(map[types.NodeID][]types.NodeID)
	for _, m := range sim.Masters() {
		replicas[m] = sim.Replicas(m)
	}

	res, err := h.Run(context.Background(), Params{
		Scenario:        ScenarioMasterDown,
		Keys:            50,
		ObserveDeadline: 5 * time.Second,
		RecoverDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.True(t, res.Passed, "failures: %v", res.Failures)
	assert.False(t, res.Failed("old master rejoined as replica"))
	assert.Empty(t, res.Failures)
	assert.Equal(t, 50, res.KeysSeeded)
	assert.NotEmpty(t, res.RunID)
	require.Len(t, res.Phases, 6)
	for _, pr := range res.Phases {
		assert.Equal(t, PhasePassed, pr.Status, pr.Phase)
	}

	target := types.NodeID(res.Target)
	require.NotEmpty(t, target)
	require.Contains(t, replicas, target)
	assert.Equal(t, types.RoleReplica, sim.Role(target))
	assert.Contains(t, replicas[target], sim.MasterOf(target))
	for _, id := range sim.IDs() {
		assert.True(t, sim.Running(id), "node %s not restarted", id.Short())
	}
	assert.Zero(t, totalKeys(sim))

	var phases []string
	for len(rec.ch) > 0 {
		e := <-rec.ch
		assert.Equal(t, events.EventChaosPhase, e.Type)
		assert.Equal(t, res.RunID, e.OperationID)
		phases = append(phases, e.Metadata["phase"])
	}
	assert.Equal(t, []string{"setup", "inject", "observe", "assert", "recover", "cleanup"}, phases)
}

func TestFailedScenarioStillRecovers(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1, NoAutoFailover: true})
	require.NoError(t, err)
	defer sim.Close()

	h := newHarness(t, sim, nil)
	res, err := h.Run(context.Background(), Params{
		Scenario:        ScenarioMasterDown,
		Keys:            20,
		ObserveDeadline: 500 * time.Millisecond,
		RecoverDeadline: 10 * time.Second,
	})
	require.NoError(t, err)

	assert.False(t, res.Passed)
	assert.True(t, res.Failed("expected transition"))
	assert.True(t, res.Failed("replica promoted"))
	assert.False(t, res.Failed("data integrity after recovery"))

	statuses := phaseStatuses(res)
	assert.Equal(t, PhaseFailed, statuses[PhaseObserve])
	assert.Equal(t, PhasePassed, statuses[PhaseRecover])
	assert.Equal(t, PhasePassed, statuses[PhaseCleanup])

	for _, id := range sim.IDs() {
		assert.True(t, sim.Running(id), "node %s not restarted", id.Short())
	}
	assert.Zero(t, totalKeys(sim))
}

func TestReplicaDownScenario(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 3, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	h := newHarness(t, sim, nil)
	res, err := h.Run(context.Background(), Params{
		Scenario:        ScenarioReplicaDown,
		Keys:            30,
		ObserveDeadline: 5 * time.Second,
		RecoverDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)
	assert.Zero(t, totalKeys(sim))
}

func TestReshardScenarioRestoresLayout(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 2, ReplicasPerMaster: 1})
	require.NoError(t, err)
	defer sim.Close()

	masters := sim.Masters()
	before := map[string]int{}
	for _, id := range masters {
		before[string(id)] = sim.SlotsOf(id).Len()
	}

	h := newHarness(t, sim, nil)
	res, err := h.Run(context.Background(), Params{
		Scenario:        ScenarioReshard,
		Keys:            40,
		SlotCount:       50,
		ObserveDeadline: 5 * time.Second,
		RecoverDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)

	for _, id := range masters {
		assert.Equal(t, before[string(id)], sim.SlotsOf(id).Len())
	}
}

func TestConflictingFailoverRejected(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 2, ReplicasPerMaster: 1, NoAutoFailover: true})
	require.NoError(t, err)
	defer sim.Close()

	masters := sim.Masters()
	replicaOf := map[types.NodeID]types.NodeID{}
	before := map[types.NodeID]int{}
	for _, m := range masters {
		before[m] = sim.SlotsOf(m).Len()
		for _, r := range sim.Replicas(m) {
			replicaOf[r] = m
		}
	}
	require.Len(t, replicaOf, 2)

	h := newHarness(t, sim, nil)
	res, err := h.Run(context.Background(), Params{
		Scenario:        ScenarioConflictingOperation,
		Keys:            40,
		SlotCount:       200,
		ObserveDeadline: 10 * time.Second,
		RecoverDeadline: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.True(t, res.Passed, "failures: %v", res.Failures)
	assert.False(t, res.Failed("second operation rejected"))
	assert.False(t, res.Failed("replica kept role"))

	// No replica was promoted by the rejected failover
	assert.ElementsMatch(t, masters, sim.Masters())
	for r, m := range replicaOf {
		assert.Equal(t, types.RoleReplica, sim.Role(r), "role of %s", r.Short())
		assert.Equal(t, m, sim.MasterOf(r), "master of %s", r.Short())
	}
	for m, n := range before {
		assert.Equal(t, n, sim.SlotsOf(m).Len(), "slot count of %s", m.Short())
	}
}

func TestSetupFailureSkipsInjection(t *testing.T) {
	sim, err := simcluster.Start(simcluster.Options{Masters: 2})
	require.NoError(t, err)
	defer sim.Close()

	h := newHarness(t, sim, nil)
	// No replicas: nothing can take over a stopped master
	res, err := h.Run(context.Background(), Params{Scenario: ScenarioMasterDown, Keys: 5})
	require.NoError(t, err)

	assert.False(t, res.Passed)
	statuses := phaseStatuses(res)
	assert.Equal(t, PhaseFailed, statuses[PhaseSetup])
	assert.Equal(t, PhaseSkipped, statuses[PhaseInject])
	assert.Equal(t, PhaseSkipped, statuses[PhaseObserve])
	assert.Equal(t, PhaseSkipped, statuses[PhaseAssert])
	assert.Equal(t, PhasePassed, statuses[PhaseRecover])
	assert.Equal(t, PhasePassed, statuses[PhaseCleanup])
	for _, id := range sim.IDs() {
		assert.True(t, sim.Running(id))
	}
}

func TestUnknownScenario(t *testing.T) {
	h := New(Options{})
	_, err := h.Run(context.Background(), Params{Scenario: "disk-full"})
	require.Error(t, err)
	assert.True(t, errdefs.IsPrecondition(err))
}
