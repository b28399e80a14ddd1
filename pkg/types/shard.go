package types

import (
	"encoding/json"
	"fmt"
	"math"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
)

// ShardRecord is the immutable output of one shard job: per-position local
// energies and importance-sampling weights of equal length.
type ShardRecord struct {
	// JobID is the batch job the shard belongs to
	JobID string

	// Index is the shard index within [0, K)
	Index int

	// Energies holds the complex local-energy estimates
	Energies []complex128

	// Weights holds the non-negative importance-sampling weights
	Weights []float64
}

// shardRecordWire is the persisted form. Complex values are split into
// matched real and imaginary sequences.
type shardRecordWire struct {
	JobID      string    `json:"job_id,omitempty"`
	ShardIndex *int      `json:"shard_index,omitempty"`
	Real       []float64 `json:"local_energies_real"`
	Imag       []float64 `json:"local_energies_imag"`
	Weights    []float64 `json:"weights"`
}

// Len returns the walker-position count W of the record.
func (r *ShardRecord) Len() int {
	return len(r.Weights)
}

// Validate checks that energies and weights have equal length and every
// weight is finite and non-negative.
func (r *ShardRecord) Validate() error {
	if len(r.Energies) != len(r.Weights) {
		return qerrors.Wrap(qerrors.ErrCategoryValidation, qerrors.CodeShapeMismatch,
			fmt.Sprintf("shard %d: %d energies vs %d weights", r.Index, len(r.Energies), len(r.Weights)),
			ErrLengthMismatch).
			WithDetails(map[string]interface{}{"job_id": r.JobID, "shard_index": r.Index})
	}
	for i, w := range r.Weights {
		if w < 0 || math.IsNaN(w) || math.IsInf(w, 0) {
			return qerrors.Wrap(qerrors.ErrCategoryValidation, qerrors.CodeNegativeWeight,
				fmt.Sprintf("shard %d: weight %v at position %d", r.Index, w, i),
				ErrInvalidWeight).
				WithDetails(map[string]interface{}{"job_id": r.JobID, "shard_index": r.Index, "position": i})
		}
	}
	return nil
}

// MarshalJSON writes the split real/imaginary wire form.
func (r ShardRecord) MarshalJSON() ([]byte, error) {
	wire := shardRecordWire{
		JobID:   r.JobID,
		Real:    make([]float64, len(r.Energies)),
		Imag:    make([]float64, len(r.Energies)),
		Weights: r.Weights,
	}
	if wire.Weights == nil {
		wire.Weights = []float64{}
	}
	idx := r.Index
	wire.ShardIndex = &idx
	for i, e := range r.Energies {
		wire.Real[i] = real(e)
		wire.Imag[i] = imag(e)
	}
	return json.Marshal(wire)
}

// UnmarshalJSON reads the wire form and recombines complex energies.
// Records written by external producers may omit job_id and shard_index;
// Index is then left at -1 for the caller to assign from the storage key.
func (r *ShardRecord) UnmarshalJSON(data []byte) error {
	var wire shardRecordWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	if len(wire.Real) != len(wire.Imag) || len(wire.Real) != len(wire.Weights) {
		return qerrors.Wrap(qerrors.ErrCategoryValidation, qerrors.CodeShapeMismatch,
			fmt.Sprintf("record sequences differ: real=%d imag=%d weights=%d",
				len(wire.Real), len(wire.Imag), len(wire.Weights)),
			ErrLengthMismatch)
	}

	r.JobID = wire.JobID
	r.Index = -1
	if wire.ShardIndex != nil {
		r.Index = *wire.ShardIndex
	}
	r.Energies = make([]complex128, len(wire.Real))
	for i := range wire.Real {
		r.Energies[i] = complex(wire.Real[i], wire.Imag[i])
	}
	r.Weights = wire.Weights
	return r.Validate()
}

// AggregateResult is the terminal reduced observable, one real energy per
// walker position.
type AggregateResult struct {
	Energies []float64 `json:"energies"`
}

// ReductionDiagnostics reports what the reducer observed but does not fold
// into the AggregateResult.
type ReductionDiagnostics struct {
	// Shards is the number of records reduced
	Shards int `json:"shards"`

	// Positions is the common per-record length W
	Positions int `json:"positions"`

	// DegeneratePositions lists positions whose combined weight was zero
	DegeneratePositions []int `json:"degenerate_positions,omitempty"`

	// DiscardedImag is |Im(sum w*e)| / sum w per position (0 where degenerate)
	DiscardedImag []float64 `json:"discarded_imag"`

	// MaxDiscardedImag is the largest entry of DiscardedImag
	MaxDiscardedImag float64 `json:"max_discarded_imag"`
}
