// Package pipeline wires the shard store, catalog, barrier and reducer into
// the two halves of a job: shard submission and reduction.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/shadowqmc/shadowqmc/internal/barrier"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/notify"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/producer"
	"github.com/shadowqmc/shadowqmc/internal/reducer"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// NewJobID returns a fresh job identifier.
func NewJobID() string {
	return uuid.NewString()
}

// Pipeline coordinates shard submission and reduction for any number of jobs.
type Pipeline struct {
	store   *shard.Store
	catalog manifest.Catalog
	barrier *barrier.Barrier
	stats   *observability.JobStats
	bus     *notify.Bus
}

// New creates a pipeline. catalog and stats may be nil; without a catalog
// the expected shard count must be passed to Reduce explicitly.
func New(store *shard.Store, catalog manifest.Catalog, b *barrier.Barrier, stats *observability.JobStats) *Pipeline {
	return &Pipeline{store: store, catalog: catalog, barrier: b, stats: stats}
}

// WithNotifications publishes shard and reduction events on bus.
func (p *Pipeline) WithNotifications(bus *notify.Bus) *Pipeline {
	p.bus = bus
	return p
}

func (p *Pipeline) publish(t notify.EventType, jobID string, index int) {
	if p.bus != nil {
		p.bus.Publish(notify.Event{Type: t, JobID: jobID, ShardIndex: index})
	}
}

// Store returns the shard store.
func (p *Pipeline) Store() *shard.Store {
	return p.store
}

// RegisterJob records a job of k shards in the catalog.
func (p *Pipeline) RegisterJob(ctx context.Context, jobID string, k int, entryPoint string) error {
	if err := shard.ValidateJobID(jobID); err != nil {
		return err
	}
	if p.catalog == nil {
		return nil
	}
	return p.catalog.RegisterJob(ctx, &manifest.JobRecord{
		JobID:          jobID,
		ExpectedShards: k,
		EntryPoint:     entryPoint,
	})
}

// SubmitShard stores rec and registers it in the catalog. It returns the
// record digest. When the catalog knows the job, an index outside its shard
// range is rejected before anything is written.
func (p *Pipeline) SubmitShard(ctx context.Context, rec *types.ShardRecord) (string, error) {
	if err := p.checkRange(ctx, rec); err != nil {
		observability.RecordShardWrite(qerrors.GetCode(err))
		return "", err
	}

	digest, err := p.store.Put(ctx, rec)
	observability.RecordShardWrite(qerrors.GetCode(err))
	if err != nil {
		return "", err
	}
	p.publish(notify.ShardStored, rec.JobID, rec.Index)

	if p.catalog != nil {
		reg := &manifest.ShardRegistration{
			JobID:      rec.JobID,
			ShardIndex: rec.Index,
			ObjectPath: shard.RecordKey(rec.JobID, rec.Index),
			Digest:     digest,
			Walkers:    rec.Len(),
		}
		if err := p.catalog.RegisterShard(ctx, reg); err != nil {
			// The record is durable; the barrier reads storage, not the catalog.
			log.Printf("pipeline: job %s shard %d stored but not registered: %v", rec.JobID, rec.Index, err)
		}
	}

	log.Printf("pipeline: job %s shard %d stored (%d positions, digest %s)", rec.JobID, rec.Index, rec.Len(), digest)
	return digest, nil
}

func (p *Pipeline) checkRange(ctx context.Context, rec *types.ShardRecord) error {
	if p.catalog == nil {
		return nil
	}
	job, err := p.catalog.GetJob(ctx, rec.JobID)
	if err != nil {
		if qerrors.GetCode(err) != qerrors.CodeJobNotFound {
			log.Printf("pipeline: job %s: catalog lookup failed, skipping range check: %v", rec.JobID, err)
		}
		return nil
	}
	if rec.Index >= job.ExpectedShards {
		return qerrors.NewValidationError(qerrors.CodeIndexMismatch,
			fmt.Sprintf("job %s: shard index %d outside [0, %d)", rec.JobID, rec.Index, job.ExpectedShards)).
			WithDetails(map[string]interface{}{"job_id": rec.JobID, "shard_index": rec.Index})
	}
	return nil
}

// RunShard produces shard index of jobID and submits it.
func (p *Pipeline) RunShard(ctx context.Context, prod *producer.Producer, jobID string, index int, cfg producer.PropagationConfig) (*types.ShardRecord, error) {
	rec, err := prod.Produce(ctx, jobID, index, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := p.SubmitShard(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Reduce waits for all k shards of jobID, reduces them and writes the
// aggregate. k <= 0 takes the expected count from the catalog. Nothing is
// written unless every shard is present and the reduction succeeds.
func (p *Pipeline) Reduce(ctx context.Context, jobID string, k int) (*types.AggregateResult, *types.ReductionDiagnostics, error) {
	k, err := p.expectedShards(ctx, jobID, k)
	if err != nil {
		return nil, nil, err
	}

	records, err := p.barrier.AwaitAll(ctx, jobID, k)
	if err != nil {
		return nil, nil, err
	}

	result, diag, err := reducer.Reduce(records)
	if err != nil {
		return nil, nil, err
	}

	if err := p.store.PutAggregate(ctx, jobID, result, diag); err != nil {
		return nil, nil, err
	}

	if p.catalog != nil {
		if err := p.catalog.MarkReduced(ctx, jobID, shard.AggregateKey(jobID)); err != nil {
			log.Printf("pipeline: job %s reduced but catalog not updated: %v", jobID, err)
		}
	}
	p.publish(notify.JobReduced, jobID, -1)
	if p.stats != nil {
		p.stats.RecordReduced(jobID, len(diag.DegeneratePositions), diag.MaxDiscardedImag)
	}

	log.Printf("pipeline: job %s reduced %d shards over %d positions (max discarded imag %.3g)",
		jobID, diag.Shards, diag.Positions, diag.MaxDiscardedImag)
	return result, diag, nil
}

// expectedShards resolves the shard count of jobID.
func (p *Pipeline) expectedShards(ctx context.Context, jobID string, k int) (int, error) {
	if k > 0 {
		return k, nil
	}
	if p.catalog == nil {
		return 0, qerrors.NewValidationError(qerrors.CodeShapeMismatch,
			fmt.Sprintf("job %s: shard count required without a catalog", jobID)).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	job, err := p.catalog.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	return job.ExpectedShards, nil
}

// JobStatus is a point-in-time view of one job.
type JobStatus struct {
	JobID     string
	Expected  int
	Present   []int
	Missing   []int
	Reduced   bool
	Aggregate *types.AggregateResult
}

// Status reports which shards of jobID have landed and whether the job has
// been reduced. k <= 0 takes the expected count from the catalog.
func (p *Pipeline) Status(ctx context.Context, jobID string, k int) (*JobStatus, error) {
	k, err := p.expectedShards(ctx, jobID, k)
	if err != nil {
		return nil, err
	}

	present, err := p.store.Present(ctx, jobID)
	if err != nil {
		return nil, err
	}
	missing, err := p.barrier.Missing(ctx, jobID, k)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{JobID: jobID, Expected: k, Present: present, Missing: missing}

	result, err := p.store.GetAggregate(ctx, jobID)
	switch {
	case err == nil:
		status.Reduced = true
		status.Aggregate = result
	case qerrors.GetCode(err) != qerrors.CodeObjectNotFound:
		return nil, err
	}
	return status, nil
}

// IsTerminal reports whether err cannot be fixed by retrying the reduction.
func IsTerminal(err error) bool {
	return err != nil && !qerrors.IsRetryable(err) && !errors.Is(err, context.Canceled)
}
