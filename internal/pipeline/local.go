package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/shadowqmc/shadowqmc/internal/producer"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// RunLocal runs all k shards of a job in-process, at most concurrency at a
// time, then reduces them. Shard i is propagated with seed cfg.Seed+i.
func (p *Pipeline) RunLocal(ctx context.Context, prod *producer.Producer, jobID string, k int, cfg producer.PropagationConfig, concurrency int) (*types.AggregateResult, *types.ReductionDiagnostics, error) {
	if err := p.RegisterJob(ctx, jobID, k, ""); err != nil {
		return nil, nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i := 0; i < k; i++ {
		shardCfg := cfg
		shardCfg.Seed = cfg.Seed + uint64(i)
		g.Go(func() error {
			if _, err := p.RunShard(gctx, prod, jobID, i, shardCfg); err != nil {
				return fmt.Errorf("pipeline: shard %d: %w", i, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	return p.Reduce(ctx, jobID, k)
}
