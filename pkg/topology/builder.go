package topology

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/cuemby/shardctl/pkg/client"
	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/log"
	"github.com/cuemby/shardctl/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Options configures a Builder
type Options struct {
	// Concurrency bounds the number of endpoints polled at once
	Concurrency int
	// Discover polls, in a second round, endpoints that were reported by
	// peers but not given to BuildSnapshot
	Discover bool
	Clock    clock.Clock
}

// Builder polls node clients and merges their views into snapshots
type Builder struct {
	dialer      client.Dialer
	concurrency int
	discover    bool
	clock       clock.Clock
	logger      zerolog.Logger
}

// NewBuilder creates a builder that obtains node clients from dialer
func NewBuilder(dialer client.Dialer, opts Options) *Builder {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 16
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Builder{
		dialer:      dialer,
		concurrency: opts.Concurrency,
		discover:    opts.Discover,
		clock:       opts.Clock,
		logger:      log.WithComponent("topology"),
	}
}

// BuildSnapshot polls every endpoint in parallel and merges the results.
// Unreachable endpoints do not abort the build. When no endpoint answers the
// (empty) snapshot is returned together with an Unreachable error.
func (b *Builder) BuildSnapshot(ctx context.Context, endpoints []types.Endpoint) (*Snapshot, error) {
	if len(endpoints) == 0 {
		return nil, errdefs.Precondition("no endpoints to poll")
	}

	obs := b.poll(ctx, dedupe(endpoints))
	if err := ctx.Err(); err != nil {
		return nil, errdefs.WithStep(err, "topology", "poll")
	}

	if b.discover {
		polled := make(map[string]bool, len(obs))
		for _, o := range obs {
			polled[o.Endpoint.Addr()] = true
		}
		var extra []types.Endpoint
		for _, o := range obs {
			for _, r := range o.Records {
				if r.Endpoint.Port == 0 || r.Flags.Has(types.FlagNoAddr) || r.Flags.Has(types.FlagHandshake) {
					continue
				}
				addr := r.Endpoint.Addr()
				if !polled[addr] {
					polled[addr] = true
					extra = append(extra, r.Endpoint)
				}
			}
		}
		if len(extra) > 0 {
			obs = append(obs, b.poll(ctx, extra)...)
			if err := ctx.Err(); err != nil {
				return nil, errdefs.WithStep(err, "topology", "discover")
			}
		}
	}

	snap := Merge(b.clock.Now(), obs)

	reachable := 0
	for _, o := range obs {
		if o.Reachable() {
			reachable++
		}
	}
	b.logger.Debug().
		Int("endpoints", len(obs)).
		Int("reachable", reachable).
		Int("nodes", len(snap.order)).
		Bool("consistent", snap.consistent).
		Msg("Snapshot built")

	if reachable == 0 {
		cause := obs[0].Err
		if cause == nil {
			cause = fmt.Errorf("no node identified itself")
		}
		return snap, errdefs.Unreachable("all endpoints", cause)
	}
	return snap, nil
}

// Refresh re-polls old's endpoints plus the endpoint of every node old knows,
// so that nodes are found even after their seed address stopped answering
func (b *Builder) Refresh(ctx context.Context, old *Snapshot) (*Snapshot, error) {
	eps := old.Endpoints()
	for _, id := range old.order {
		if ep := old.nodes[id].Endpoint; ep.Port != 0 {
			eps = append(eps, types.Endpoint{Host: ep.Host, Port: ep.Port})
		}
	}
	return b.BuildSnapshot(ctx, eps)
}

func (b *Builder) poll(ctx context.Context, endpoints []types.Endpoint) []Observation {
	obs := make([]Observation, len(endpoints))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for i, ep := range endpoints {
		i, ep := i, ep
		g.Go(func() error {
			obs[i] = b.observe(gctx, ep)
			return nil
		})
	}
	_ = g.Wait()
	return obs
}

func (b *Builder) observe(ctx context.Context, ep types.Endpoint) Observation {
	o := Observation{Endpoint: ep}
	node := b.dialer.Dial(ep)

	records, err := node.GetClusterNodes(ctx)
	if err != nil {
		o.Err = err
		b.logger.Debug().Err(err).Str("endpoint", ep.Addr()).Msg("Endpoint did not answer CLUSTER NODES")
		return o
	}
	o.Records = records

	info, err := node.GetClusterInfo(ctx)
	if err != nil {
		// The node table is still usable without CLUSTER INFO
		b.logger.Debug().Err(err).Str("endpoint", ep.Addr()).Msg("Endpoint did not answer CLUSTER INFO")
		return o
	}
	o.Info = &info
	return o
}

func dedupe(eps []types.Endpoint) []types.Endpoint {
	seen := make(map[string]bool, len(eps))
	out := make([]types.Endpoint, 0, len(eps))
	for _, ep := range eps {
		addr := ep.Addr()
		if seen[addr] {
			continue
		}
		seen[addr] = true
		out = append(out, types.Endpoint{Host: ep.Host, Port: ep.Port})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Addr() < out[j].Addr() })
	return out
}

// Poller is the part of Builder used by orchestrators and the monitor
type Poller interface {
	BuildSnapshot(ctx context.Context, endpoints []types.Endpoint) (*Snapshot, error)
	Refresh(ctx context.Context, old *Snapshot) (*Snapshot, error)
	CollectMetrics(ctx context.Context, snap *Snapshot) map[types.NodeID]types.Metrics
}

var _ Poller = (*Builder)(nil)

// CollectMetrics reads Metrics from every reachable node of snap in
// parallel. Nodes that fail to answer are left out of the result.
func (b *Builder) CollectMetrics(ctx context.Context, snap *Snapshot) map[types.NodeID]types.Metrics {
	var (
		mu  sync.Mutex
		out = make(map[types.NodeID]types.Metrics)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.concurrency)
	for _, rec := range snap.Nodes() {
		rec := rec
		if snap.IsUnreachable(rec.ID) || rec.Endpoint.Port == 0 {
			continue
		}
		g.Go(func() error {
			m, err := b.dialer.Dial(rec.Endpoint).GetMetrics(gctx)
			if err != nil {
				b.logger.Debug().Err(err).Str("node_id", rec.ID.Short()).Msg("Metrics unavailable")
				return nil
			}
			mu.Lock()
			out[rec.ID] = m
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}
