package client

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/resp"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// DefaultTimeout bounds every command when Options.Timeout is unset
const DefaultTimeout = 2 * time.Second

// PingStatus is the outcome of a liveness check
type PingStatus string

const (
	Alive       PingStatus = "alive"
	Unreachable PingStatus = "unreachable"
)

// SlotMode is the sub-command of CLUSTER SETSLOT
type SlotMode string

const (
	SlotImporting SlotMode = "IMPORTING"
	SlotMigrating SlotMode = "MIGRATING"
	SlotNode      SlotMode = "NODE"
	SlotStable    SlotMode = "STABLE"
)

// FailoverMode selects the variant of CLUSTER FAILOVER
type FailoverMode string

const (
	// FailoverDefault coordinates with a reachable master
	FailoverDefault FailoverMode = ""
	// FailoverForce skips the handshake with the master
	FailoverForce FailoverMode = "FORCE"
	// FailoverTakeover skips cluster agreement as well
	FailoverTakeover FailoverMode = "TAKEOVER"
)

// Options configures a Client
type Options struct {
	Password string
	Timeout  time.Duration
}

// CommandError is an error reply returned by the store
type CommandError struct {
	Command string
	Message string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Message)
}

// Client is a request/response adapter to one store endpoint. It keeps no
// state between calls other than its connection pool.
type Client struct {
	endpoint types.Endpoint
	timeout  time.Duration
	password string
	rdb      *redis.Client
	logger   zerolog.Logger
}

// New creates a client for ep. No connection is made until the first call.
func New(ep types.Endpoint, opts Options) *Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:                  ep.Addr(),
		Password:              opts.Password,
		DialTimeout:           timeout,
		ReadTimeout:           timeout,
		WriteTimeout:          timeout,
		ContextTimeoutEnabled: true,
		// Control commands are not idempotent; a failed call is reported, never resent
		MaxRetries:      -1,
		PoolSize:        2,
		DisableIdentity: true,
	})
	return &Client{
		endpoint: ep,
		timeout:  timeout,
		password: opts.Password,
		rdb:      rdb,
		logger:   log.WithEndpoint("client", ep.Addr()),
	}
}

// Endpoint returns the address this client talks to
func (c *Client) Endpoint() types.Endpoint {
	return c.endpoint
}

// Close releases the connection pool
func (c *Client) Close() error {
	return c.rdb.Close()
}

// call runs fn under the per-call timeout and classifies its error
func (c *Client) call(ctx context.Context, command string, fn func(ctx context.Context) error) error {
	return c.callWithTimeout(ctx, command, c.timeout, fn)
}

func (c *Client) callWithTimeout(ctx context.Context, command string, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return errdefs.WithStep(err, "", command)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := fn(callCtx)
	if err == nil {
		return nil
	}
	c.logger.Debug().Err(err).Str("command", command).Msg("Command failed")
	return c.classify(ctx, command, err)
}

func (c *Client) classify(parent context.Context, command string, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return errdefs.WithStep(parent.Err(), "", command)
	}
	var rerr redis.Error
	if errors.As(err, &rerr) && !errors.Is(err, redis.ErrClosed) {
		return &CommandError{Command: command, Message: strings.TrimSpace(rerr.Error())}
	}
	return errdefs.Unreachable(c.endpoint.Addr(), fmt.Errorf("%s: %w", command, err))
}

// IsCommandError reports whether err is an error reply from the store
func IsCommandError(err error) bool {
	var ce *CommandError
	return errors.As(err, &ce)
}

// Ping checks that the node answers; it never returns an error
func (c *Client) Ping(ctx context.Context) PingStatus {
	err := c.call(ctx, "PING", func(ctx context.Context) error {
		return c.rdb.Ping(ctx).Err()
	})
	if err != nil {
		return Unreachable
	}
	return Alive
}

// GetRole returns the node's replication role
func (c *Client) GetRole(ctx context.Context) (types.Role, error) {
	info, err := c.GetReplicationInfo(ctx)
	if err != nil {
		return types.RoleUnknown, err
	}
	return info.Role, nil
}

// GetReplicationInfo returns the decoded INFO replication section
func (c *Client) GetReplicationInfo(ctx context.Context) (types.ReplicationInfo, error) {
	var info types.ReplicationInfo
	raw, err := c.info(ctx, "replication")
	if err != nil {
		return info, err
	}
	info, err = resp.ParseReplicationInfo(raw)
	if err != nil {
		return info, errdefs.Wrap(errdefs.KindInternal, err, "%s", c.endpoint.Addr())
	}
	return info, nil
}

// GetClusterNodes returns the node's own view of the cluster
func (c *Client) GetClusterNodes(ctx context.Context) ([]types.NodeRecord, error) {
	var raw string
	err := c.call(ctx, "CLUSTER NODES", func(ctx context.Context) error {
		var err error
		raw, err = c.rdb.ClusterNodes(ctx).Result()
		return err
	})
	if err != nil {
		return nil, err
	}
	records, err := resp.ParseClusterNodes(raw)
	if err != nil {
		return nil, errdefs.Wrap(errdefs.KindInternal, err, "%s", c.endpoint.Addr())
	}
	return records, nil
}

// GetClusterInfo returns the decoded CLUSTER INFO reply
func (c *Client) GetClusterInfo(ctx context.Context) (types.ClusterInfo, error) {
	var raw string
	err := c.call(ctx, "CLUSTER INFO", func(ctx context.Context) error {
		var err error
		raw, err = c.rdb.ClusterInfo(ctx).Result()
		return err
	})
	if err != nil {
		return types.ClusterInfo{}, err
	}
	info, err := resp.ParseClusterInfo(raw)
	if err != nil {
		return info, errdefs.Wrap(errdefs.KindInternal, err, "%s", c.endpoint.Addr())
	}
	return info, nil
}

// GetMetrics reads memory, clients, stats, persistence and replication
func (c *Client) GetMetrics(ctx context.Context) (types.Metrics, error) {
	raw, err := c.info(ctx, "memory", "clients", "stats", "persistence", "replication")
	if err != nil {
		return types.Metrics{}, err
	}
	m, err := resp.ParseMetrics(raw)
	if err != nil {
		return m, errdefs.Wrap(errdefs.KindInternal, err, "%s", c.endpoint.Addr())
	}
	return m, nil
}

func (c *Client) info(ctx context.Context, sections ...string) (string, error) {
	var raw string
	err := c.call(ctx, "INFO "+strings.Join(sections, " "), func(ctx context.Context) error {
		var err error
		raw, err = c.rdb.Info(ctx, sections...).Result()
		return err
	})
	return raw, err
}

// MyID returns the node's cluster ID
func (c *Client) MyID(ctx context.Context) (types.NodeID, error) {
	var id string
	err := c.call(ctx, "CLUSTER MYID", func(ctx context.Context) error {
		var err error
		id, err = c.rdb.ClusterMyID(ctx).Result()
		return err
	})
	return types.NodeID(id), err
}

// Meet introduces ep to the node's cluster
func (c *Client) Meet(ctx context.Context, ep types.Endpoint) error {
	return c.call(ctx, "CLUSTER MEET", func(ctx context.Context) error {
		args := []interface{}{"cluster", "meet", ep.Host, ep.Port}
		if ep.BusPort != 0 {
			args = append(args, ep.BusPort)
		}
		return c.rdb.Do(ctx, args...).Err()
	})
}

// Forget removes id from the node's table
func (c *Client) Forget(ctx context.Context, id types.NodeID) error {
	return c.call(ctx, "CLUSTER FORGET", func(ctx context.Context) error {
		return c.rdb.ClusterForget(ctx, string(id)).Err()
	})
}

// Replicate makes the node a replica of master
func (c *Client) Replicate(ctx context.Context, master types.NodeID) error {
	return c.call(ctx, "CLUSTER REPLICATE", func(ctx context.Context) error {
		return c.rdb.ClusterReplicate(ctx, string(master)).Err()
	})
}

// Failover asks a replica to take over its master. The command only starts
// the promotion; callers observe the outcome by polling.
func (c *Client) Failover(ctx context.Context, mode FailoverMode) error {
	return c.call(ctx, "CLUSTER FAILOVER", func(ctx context.Context) error {
		args := []interface{}{"cluster", "failover"}
		if mode != FailoverDefault {
			args = append(args, string(mode))
		}
		return c.rdb.Do(ctx, args...).Err()
	})
}

// SetSlot issues CLUSTER SETSLOT. nodeID is ignored for SlotStable.
func (c *Client) SetSlot(ctx context.Context, slot int, mode SlotMode, nodeID types.NodeID) error {
	return c.call(ctx, "CLUSTER SETSLOT", func(ctx context.Context) error {
		args := []interface{}{"cluster", "setslot", slot, string(mode)}
		if mode != SlotStable {
			args = append(args, string(nodeID))
		}
		return c.rdb.Do(ctx, args...).Err()
	})
}

// AddSlots assigns unowned slots to the node
func (c *Client) AddSlots(ctx context.Context, slots ...int) error {
	return c.call(ctx, "CLUSTER ADDSLOTS", func(ctx context.Context) error {
		return c.rdb.ClusterAddSlots(ctx, slots...).Err()
	})
}

// CountKeysInSlot returns the number of keys the node holds in slot
func (c *Client) CountKeysInSlot(ctx context.Context, slot int) (int64, error) {
	var n int64
	err := c.call(ctx, "CLUSTER COUNTKEYSINSLOT", func(ctx context.Context) error {
		var err error
		n, err = c.rdb.ClusterCountKeysInSlot(ctx, slot).Result()
		return err
	})
	return n, err
}

// GetKeysInSlot returns up to count keys of slot
func (c *Client) GetKeysInSlot(ctx context.Context, slot, count int) ([]string, error) {
	var keys []string
	err := c.call(ctx, "CLUSTER GETKEYSINSLOT", func(ctx context.Context) error {
		var err error
		keys, err = c.rdb.ClusterGetKeysInSlot(ctx, slot, count).Result()
		return err
	})
	return keys, err
}

// MigrateKeys moves keys to target with the store-native MIGRATE command.
// Keys already present on the target are replaced.
func (c *Client) MigrateKeys(ctx context.Context, target types.Endpoint, keys []string, timeout time.Duration) error {
	if len(keys) == 0 {
		return nil
	}
	args := []interface{}{"migrate", target.Host, target.Port, "", 0, timeout.Milliseconds(), "replace"}
	if c.password != "" {
		args = append(args, "auth", c.password)
	}
	args = append(args, "keys")
	for _, k := range keys {
		args = append(args, k)
	}
	return c.callWithTimeout(ctx, "MIGRATE", c.timeout+timeout, func(ctx context.Context) error {
		return c.rdb.Do(ctx, args...).Err()
	})
}

// BGSave starts a background snapshot
func (c *Client) BGSave(ctx context.Context) error {
	return c.call(ctx, "BGSAVE", func(ctx context.Context) error {
		return c.rdb.BgSave(ctx).Err()
	})
}

// LastSave returns the time of the last successful snapshot
func (c *Client) LastSave(ctx context.Context) (time.Time, error) {
	var ts int64
	err := c.call(ctx, "LASTSAVE", func(ctx context.Context) error {
		var err error
		ts, err = c.rdb.LastSave(ctx).Result()
		return err
	})
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(ts, 0).UTC(), nil
}

// Shutdown stops the node process, persisting first when save is set
func (c *Client) Shutdown(ctx context.Context, save bool) error {
	return c.call(ctx, "SHUTDOWN", func(ctx context.Context) error {
		if save {
			return c.rdb.ShutdownSave(ctx).Err()
		}
		return c.rdb.ShutdownNoSave(ctx).Err()
	})
}

// Pause blocks the node's command loop for d (DEBUG SLEEP). The call returns
// once the node answers again.
func (c *Client) Pause(ctx context.Context, d time.Duration) error {
	secs := strconv.FormatFloat(d.Seconds(), 'f', 3, 64)
	return c.callWithTimeout(ctx, "DEBUG SLEEP", d+c.timeout, func(ctx context.Context) error {
		return c.rdb.Do(ctx, "debug", "sleep", secs).Err()
	})
}
