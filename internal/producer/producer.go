package producer

import (
	"context"
	"fmt"
	"log"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Producer wraps a Propagator and validates its output.
type Producer struct {
	propagator Propagator
}

// New creates a producer over p.
func New(p Propagator) *Producer {
	return &Producer{propagator: p}
}

// Produce runs one shard and returns its record. The record is validated
// before it is returned: energies and weights must have equal length (and
// cfg.Walkers entries when set) and every weight must be finite and
// non-negative.
func (p *Producer) Produce(ctx context.Context, jobID string, index int, cfg PropagationConfig) (*types.ShardRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, qerrors.NewValidationError(qerrors.CodeShapeMismatch, err.Error()).
			WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
	}

	energies, weights, err := p.propagator.Propagate(ctx, cfg)
	if err != nil {
		return nil, qerrors.NewInternalError(fmt.Sprintf("propagate shard %d of job %s", index, jobID), err).
			WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
	}

	rec := &types.ShardRecord{
		JobID:    jobID,
		Index:    index,
		Energies: energies,
		Weights:  weights,
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if cfg.Walkers > 0 && rec.Len() != cfg.Walkers {
		return nil, qerrors.NewShapeMismatch(
			fmt.Sprintf("shard %d: %d positions, configured %d walkers", index, rec.Len(), cfg.Walkers),
			map[string]interface{}{"job_id": jobID, "shard_index": index})
	}

	log.Printf("producer: job %s shard %d: %d walker positions", jobID, index, rec.Len())
	return rec, nil
}
