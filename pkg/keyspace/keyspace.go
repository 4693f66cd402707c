// Package keyspace writes, verifies and deletes the test keys a chaos run
// uses to check data integrity. Keys are routed by a cluster-aware go-redis
// client, so they spread over every master by hash slot.
package keyspace

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cuemby/shardctl/pkg/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// pipelineSize is the number of commands sent per pipeline round trip
const pipelineSize = 100

// Opener returns a new client for one pass over the keyspace. Each pass gets
// its own client so that a slot map cached before a failover is never reused.
type Opener func() redis.UniversalClient

// ClusterOpener returns an Opener for a cluster-aware client seeded with addrs
func ClusterOpener(addrs []string, password string, timeout time.Duration) Opener {
	return func() redis.UniversalClient {
		return redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        addrs,
			Password:     password,
			DialTimeout:  timeout,
			ReadTimeout:  timeout,
			WriteTimeout: timeout,
			MaxRedirects: 8,
		})
	}
}

// Dataset maps each seeded key to the value written
type Dataset map[string]string

// Keys returns the keys in ascending order
func (d Dataset) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Mismatch is one key whose read-back value differs from the seeded one
type Mismatch struct {
	Key     string `json:"key" yaml:"key"`
	Want    string `json:"want" yaml:"want"`
	Got     string `json:"got,omitempty" yaml:"got,omitempty"`
	Missing bool   `json:"missing,omitempty" yaml:"missing,omitempty"`
	Err     string `json:"error,omitempty" yaml:"error,omitempty"`
}

func (m Mismatch) String() string {
	switch {
	case m.Err != "":
		return fmt.Sprintf("%s: read failed: %s", m.Key, m.Err)
	case m.Missing:
		return fmt.Sprintf("%s: missing", m.Key)
	default:
		return fmt.Sprintf("%s: want %q, got %q", m.Key, m.Want, m.Got)
	}
}

// Verification is the outcome of reading back a dataset
type Verification struct {
	Checked    int        `json:"checked" yaml:"checked"`
	Mismatches []Mismatch `json:"mismatches,omitempty" yaml:"mismatches,omitempty"`
}

// OK reports whether every key read back with its seeded value
func (v Verification) OK() bool {
	return len(v.Mismatches) == 0
}

// Keyspace manages the test keys under one prefix
type Keyspace struct {
	open   Opener
	prefix string
	logger zerolog.Logger
}

// New creates a Keyspace writing keys named prefix:N
func New(open Opener, prefix string) *Keyspace {
	return &Keyspace{
		open:   open,
		prefix: prefix,
		logger: log.WithComponent("keyspace"),
	}
}

// Seed writes n keys with random values and returns them
func (k *Keyspace) Seed(ctx context.Context, n int) (Dataset, error) {
	if n <= 0 {
		return nil, fmt.Errorf("key count must be positive, got %d", n)
	}
	data := make(Dataset, n)
	for i := 0; i < n; i++ {
		data[fmt.Sprintf("%s:%d", k.prefix, i)] = uuid.NewString()
	}

	rdb := k.open()
	defer rdb.Close()

	keys := data.Keys()
	for start := 0; start < len(keys); start += pipelineSize {
		batch := keys[start:min(start+pipelineSize, len(keys))]
		pipe := rdb.Pipeline()
		for _, key := range batch {
			pipe.Set(ctx, key, data[key], 0)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to seed keys: %w", err)
		}
	}

	k.logger.Debug().Int("keys", n).Str("prefix", k.prefix).Msg("Seeded test keys")
	return data, nil
}

// Verify reads every key of data back. Read errors are reported per key as
// mismatches; the returned error is only set when ctx ends.
func (k *Keyspace) Verify(ctx context.Context, data Dataset) (Verification, error) {
	result := Verification{Checked: len(data)}

	rdb := k.open()
	defer rdb.Close()

	keys := data.Keys()
	for start := 0; start < len(keys); start += pipelineSize {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		batch := keys[start:min(start+pipelineSize, len(keys))]
		pipe := rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(batch))
		for i, key := range batch {
			cmds[i] = pipe.Get(ctx, key)
		}
		_, _ = pipe.Exec(ctx)

		for i, cmd := range cmds {
			key := batch[i]
			want := data[key]
			got, err := cmd.Result()
			switch {
			case err == redis.Nil:
				result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Want: want, Missing: true})
			case err != nil:
				result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Want: want, Err: err.Error()})
			case got != want:
				result.Mismatches = append(result.Mismatches, Mismatch{Key: key, Want: want, Got: got})
			}
		}
	}

	if !result.OK() {
		k.logger.Warn().
			Int("checked", result.Checked).
			Int("mismatches", len(result.Mismatches)).
			Msg("Test keys do not match seeded values")
	}
	return result, nil
}

// Delete removes every key of data and returns the number actually deleted
func (k *Keyspace) Delete(ctx context.Context, data Dataset) (int, error) {
	rdb := k.open()
	defer rdb.Close()

	deleted := 0
	keys := data.Keys()
	for start := 0; start < len(keys); start += pipelineSize {
		batch := keys[start:min(start+pipelineSize, len(keys))]
		pipe := rdb.Pipeline()
		cmds := make([]*redis.IntCmd, len(batch))
		for i, key := range batch {
			// One DEL per key: a multi-key DEL would cross slots
			cmds[i] = pipe.Del(ctx, key)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return deleted, fmt.Errorf("failed to delete test keys: %w", err)
		}
		for _, cmd := range cmds {
			deleted += int(cmd.Val())
		}
	}
	return deleted, nil
}
