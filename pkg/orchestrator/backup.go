package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/cuemby/shardctl/pkg/errdefs"
	"github.com/cuemby/shardctl/pkg/storage"
	"github.com/cuemby/shardctl/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Backup triggers BGSAVE on every reachable master and waits for each
// LASTSAVE to advance. Results are recorded in the store when one is
// configured. Backups change no roles or slots, so no node is locked.
func (o *Orchestrator) Backup(ctx context.Context) (*Plan, []*storage.BackupRecord, error) {
	snap, err := o.Snapshot(ctx)
	if snap == nil {
		return nil, nil, errdefs.WithStep(err, string(KindBackup), "plan")
	}
	var masters []types.NodeRecord
	for _, m := range snap.Masters() {
		if !snap.IsUnreachable(m.ID) {
			masters = append(masters, m)
		}
	}
	if len(masters) == 0 {
		return nil, nil, errdefs.WithStep(errdefs.Precondition("no reachable master"), string(KindBackup), "plan")
	}

	op, err := o.begin(KindBackup, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	for _, m := range masters {
		op.plan.AddStep("bgsave " + m.ID.Short())
	}

	var (
		mu      sync.Mutex
		records []*storage.BackupRecord
		failed  int
	)
	g := new(errgroup.Group)
	g.SetLimit(4)
	for _, m := range masters {
		m := m
		g.Go(func() error {
			rec := &storage.BackupRecord{NodeID: m.ID, Endpoint: m.Endpoint, StartedAt: o.clock.Now()}
			err := op.step(ctx, "bgsave "+m.ID.Short(), func(ctx context.Context) error {
				return o.backupNode(ctx, m, rec)
			})
			if err != nil {
				rec.Error = err.Error()
			} else {
				rec.OK = true
			}
			rec.CompletedAt = o.clock.Now()
			if o.store != nil {
				if serr := o.store.SaveBackup(rec); serr != nil {
					op.logger.Warn().Err(serr).Str("node_id", m.ID.Short()).Msg("Failed to record backup")
				}
			}

			mu.Lock()
			defer mu.Unlock()
			records = append(records, rec)
			if err != nil {
				failed++
			}
			return nil
		})
	}
	_ = g.Wait()

	var result error
	if failed > 0 {
		result = errdefs.New(errdefs.KindInternal, "%d of %d backups failed", failed, len(masters))
	}
	return op.plan, records, op.finish(result)
}

func (o *Orchestrator) backupNode(ctx context.Context, m types.NodeRecord, rec *storage.BackupRecord) error {
	node := o.dialer.Dial(m.Endpoint)
	before, err := node.LastSave(ctx)
	if err != nil {
		return err
	}
	if err := node.BGSave(ctx); err != nil {
		return err
	}
	return o.opts.Policy.WaitFor(ctx, fmt.Sprintf("snapshot of %s", m.ID.Short()), func(ctx context.Context) (bool, error) {
		last, err := node.LastSave(ctx)
		if err != nil {
			return false, err
		}
		rec.LastSave = last
		return last.After(before), nil
	})
}
