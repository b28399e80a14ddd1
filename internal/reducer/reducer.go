// Package reducer combines shard-local walker estimates into the final
// energy observable.
package reducer

import (
	"fmt"
	"log"
	"math"
	"sort"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Reduce computes, for every walker position w,
//
//	result(w) = Re(sum_k weight_k(w) * energy_k(w)) / sum_k weight_k(w)
//
// Weights and energies are combined before dividing; averaging per-shard
// means instead would bias the estimator. Positions whose combined weight
// is zero yield 0 and are listed in the diagnostics. The imaginary part of
// the weighted sum is dropped from the result and reported per position.
//
// All records must share one length, otherwise a ShapeMismatch error names
// the first offending shard and no result is produced. Records are summed
// in shard-index order regardless of input order, so permuting the input
// gives a bit-identical result.
func Reduce(records []*types.ShardRecord) (*types.AggregateResult, *types.ReductionDiagnostics, error) {
	result, diag, err := reduce(records)
	if err != nil {
		observability.RecordReduction(qerrors.GetCode(err), nil)
		return nil, nil, err
	}
	observability.RecordReduction("", diag)
	return result, diag, nil
}

func reduce(records []*types.ShardRecord) (*types.AggregateResult, *types.ReductionDiagnostics, error) {
	if len(records) == 0 {
		return nil, nil, qerrors.NewShapeMismatch("no shard records to reduce", nil)
	}

	ordered, err := orderByIndex(records)
	if err != nil {
		return nil, nil, err
	}

	positions := -1
	for _, rec := range ordered {
		if len(rec.Energies) != len(rec.Weights) {
			return nil, nil, qerrors.NewShapeMismatch(
				fmt.Sprintf("shard %d: %d energies vs %d weights", rec.Index, len(rec.Energies), len(rec.Weights)),
				map[string]interface{}{"job_id": rec.JobID, "shard_index": rec.Index})
		}
		if positions < 0 {
			positions = len(rec.Weights)
			continue
		}
		if len(rec.Weights) != positions {
			return nil, nil, qerrors.NewShapeMismatch(
				fmt.Sprintf("shard %d has %d positions, shard %d has %d",
					rec.Index, len(rec.Weights), ordered[0].Index, positions),
				map[string]interface{}{"job_id": rec.JobID, "shard_index": rec.Index})
		}
	}

	diag := &types.ReductionDiagnostics{
		Shards:        len(ordered),
		Positions:     positions,
		DiscardedImag: make([]float64, positions),
	}
	energies := make([]float64, positions)

	for w := 0; w < positions; w++ {
		var weightSum float64
		var weighted complex128
		for _, rec := range ordered {
			weightSum += rec.Weights[w]
			weighted += complex(rec.Weights[w], 0) * rec.Energies[w]
		}

		if weightSum == 0 {
			diag.DegeneratePositions = append(diag.DegeneratePositions, w)
			continue
		}

		energies[w] = real(weighted) / weightSum
		discarded := math.Abs(imag(weighted)) / weightSum
		diag.DiscardedImag[w] = discarded
		if discarded > diag.MaxDiscardedImag {
			diag.MaxDiscardedImag = discarded
		}
	}

	if len(diag.DegeneratePositions) > 0 {
		log.Printf("reducer: [%s:%s] job %s: zero combined weight at positions %v, reported as 0",
			qerrors.ErrCategoryValidation, qerrors.CodeDegenerateWeight,
			ordered[0].JobID, diag.DegeneratePositions)
	}

	return &types.AggregateResult{Energies: energies}, diag, nil
}

// orderByIndex returns a copy of records sorted by shard index. Two
// records with the same index are a protocol violation.
func orderByIndex(records []*types.ShardRecord) ([]*types.ShardRecord, error) {
	ordered := make([]*types.ShardRecord, len(records))
	copy(ordered, records)
	for i, rec := range ordered {
		if rec == nil {
			return nil, qerrors.NewShapeMismatch(fmt.Sprintf("record %d is nil", i), nil)
		}
	}

	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Index < ordered[j].Index
	})
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Index == ordered[i-1].Index {
			return nil, qerrors.NewDuplicateShard(ordered[i].JobID, ordered[i].Index)
		}
	}
	return ordered, nil
}
