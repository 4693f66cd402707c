package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/cuemby/shardctl/pkg/health"
	"github.com/cuemby/shardctl/pkg/topology"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *BoltStore {
	t.Helper()
	s, err := NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := newStore(t)

	_, err := s.GetSnapshot("prod")
	assert.True(t, errors.Is(err, ErrNotFound))

	master := types.NodeRecord{
		ID:       "aaaa",
		Endpoint: types.Endpoint{Host: "10.0.0.1", Port: 7000, BusPort: 17000},
		Role:     types.RoleMaster,
		Flags:    types.Flags{types.FlagMyself},
		Slots:    types.SlotSetOf(types.SlotRange{Start: 0, End: 100}),
	}
	snap := topology.Merge(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), []topology.Observation{{
		Endpoint: master.Endpoint,
		Records:  []types.NodeRecord{master},
	}})
	report := health.Evaluate(snap, nil, health.DefaultThresholds())

	require.NoError(t, s.SaveSnapshot(&SnapshotRecord{
		Environment: "prod",
		Topology:    snap.Summary(),
		Health:      &report,
	}))

	got, err := s.GetSnapshot("prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", got.Environment)
	assert.False(t, got.SavedAt.IsZero())
	require.Len(t, got.Topology.Nodes, 1)
	assert.Equal(t, master.Slots, got.Topology.Nodes[0].Slots)
	assert.Equal(t, snap.Gaps(), got.Topology.Gaps)
	require.NotNil(t, got.Health)
	assert.Equal(t, health.StateFailed, got.Health.State)
}

func TestBackupsOrderedPerNode(t *testing.T) {
	s := newStore(t)
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []types.NodeID{"bbbb", "aaaa", "bbbb", "aaaa"} {
		require.NoError(t, s.SaveBackup(&BackupRecord{
			NodeID:    id,
			StartedAt: base.Add(time.Duration(3-i) * time.Minute),
			OK:        true,
		}))
	}
	assert.Error(t, s.SaveBackup(&BackupRecord{}))

	got, err := s.ListBackups("aaaa")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.True(t, got[0].StartedAt.Before(got[1].StartedAt))

	all, err := s.ListAllBackups()
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, types.NodeID("aaaa"), all[0].NodeID)
	assert.Equal(t, types.NodeID("bbbb"), all[3].NodeID)

	none, err := s.ListBackups("cccc")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestReopenKeepsData(t *testing.T) {
	dir := t.TempDir()
	s, err := NewBoltStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.SaveBackup(&BackupRecord{NodeID: "aaaa", OK: true}))
	require.NoError(t, s.Close())

	s, err = NewBoltStore(dir)
	require.NoError(t, err)
	defer s.Close()
	all, err := s.ListAllBackups()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
