package keyspace

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newKeyspace(t *testing.T) (*Keyspace, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	open := func() redis.UniversalClient {
		return redis.NewClient(&redis.Options{
			Addr:        mr.Addr(),
			MaxRetries:  -1,
			DialTimeout: 200 * time.Millisecond,
		})
	}
	return New(open, "test:run"), mr
}

func TestSeedVerifyDelete(t *testing.T) {
	ctx := context.Background()
	ks, mr := newKeyspace(t)

	data, err := ks.Seed(ctx, 250)
	require.NoError(t, err)
	assert.Len(t, data, 250)
	assert.Len(t, mr.Keys(), 250)

	for key, want := range data {
		got, err := mr.Get(key)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	v, err := ks.Verify(ctx, data)
	require.NoError(t, err)
	assert.True(t, v.OK())
	assert.Equal(t, 250, v.Checked)

	n, err := ks.Delete(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 250, n)
	assert.Empty(t, mr.Keys())
}

func TestVerifyReportsEveryMismatch(t *testing.T) {
	ctx := context.Background()
	ks, mr := newKeyspace(t)

	data, err := ks.Seed(ctx, 10)
	require.NoError(t, err)

	require.NoError(t, mr.Set("test:run:3", "stale"))
	mr.Del("test:run:7")

	v, err := ks.Verify(ctx, data)
	require.NoError(t, err)
	require.False(t, v.OK())
	require.Len(t, v.Mismatches, 2)

	assert.Equal(t, "test:run:3", v.Mismatches[0].Key)
	assert.Equal(t, "stale", v.Mismatches[0].Got)
	assert.Equal(t, data["test:run:3"], v.Mismatches[0].Want)
	assert.False(t, v.Mismatches[0].Missing)

	assert.Equal(t, "test:run:7", v.Mismatches[1].Key)
	assert.True(t, v.Mismatches[1].Missing)

	n, err := ks.Delete(ctx, data)
	require.NoError(t, err)
	assert.Equal(t, 9, n)
}

func TestVerifyUnreachableStore(t *testing.T) {
	ctx := context.Background()
	ks, mr := newKeyspace(t)

	data, err := ks.Seed(ctx, 5)
	require.NoError(t, err)
	mr.Close()

	v, err := ks.Verify(ctx, data)
	require.NoError(t, err)
	require.Len(t, v.Mismatches, 5)
	for _, m := range v.Mismatches {
		assert.NotEmpty(t, m.Err, m.Key)
	}
}

func TestSeedRejectsEmptyDataset(t *testing.T) {
	ks, _ := newKeyspace(t)
	_, err := ks.Seed(context.Background(), 0)
	assert.Error(t, err)
}

func TestMismatchString(t *testing.T) {
	tests := []struct {
		name string
		m    Mismatch
		want string
	}{
		{"missing", Mismatch{Key: "k", Want: "v", Missing: true}, "k: missing"},
		{"changed", Mismatch{Key: "k", Want: "v", Got: "w"}, `k: want "v", got "w"`},
		{"read error", Mismatch{Key: "k", Want: "v", Err: "boom"}, "k: read failed: boom"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.m.String())
		})
	}
}
