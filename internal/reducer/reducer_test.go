package reducer

import (
	"errors"
	"math"
	"testing"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

func record(index int, energies []complex128, weights []float64) *types.ShardRecord {
	return &types.ShardRecord{JobID: "job", Index: index, Energies: energies, Weights: weights}
}

func TestReduce_WeightedMean(t *testing.T) {
	records := []*types.ShardRecord{
		record(0, []complex128{2, 4}, []float64{1, 3}),
		record(1, []complex128{6, 0}, []float64{1, 1}),
	}

	result, diag, err := Reduce(records)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	want := []float64{4.0, 3.0}
	for i := range want {
		if result.Energies[i] != want[i] {
			t.Errorf("position %d = %v, want %v", i, result.Energies[i], want[i])
		}
	}
	if diag.Shards != 2 || diag.Positions != 2 || len(diag.DegeneratePositions) != 0 {
		t.Errorf("unexpected diagnostics %+v", diag)
	}
}

func TestReduce_NotMeanOfMeans(t *testing.T) {
	// Shard means are 10 and 0; mean of means would be 5.
	records := []*types.ShardRecord{
		record(0, []complex128{10}, []float64{9}),
		record(1, []complex128{0}, []float64{1}),
	}

	result, _, err := Reduce(records)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if result.Energies[0] != 9 {
		t.Errorf("got %v, want 9", result.Energies[0])
	}
}

func TestReduce_DegenerateWeight(t *testing.T) {
	records := []*types.ShardRecord{
		record(0, []complex128{5, 2}, []float64{0, 1}),
		record(1, []complex128{7, 4}, []float64{0, 1}),
	}

	result, diag, err := Reduce(records)
	if err != nil {
		t.Fatalf("degenerate weight must not fail: %v", err)
	}
	if result.Energies[0] != 0 || math.IsNaN(result.Energies[0]) {
		t.Errorf("degenerate position = %v, want 0", result.Energies[0])
	}
	if result.Energies[1] != 3 {
		t.Errorf("position 1 = %v, want 3", result.Energies[1])
	}
	if len(diag.DegeneratePositions) != 1 || diag.DegeneratePositions[0] != 0 {
		t.Errorf("DegeneratePositions = %v, want [0]", diag.DegeneratePositions)
	}
}

func TestReduce_ShapeMismatch(t *testing.T) {
	tests := []struct {
		name    string
		records []*types.ShardRecord
	}{
		{"unequal lengths", []*types.ShardRecord{
			record(0, []complex128{1, 2}, []float64{1, 1}),
			record(1, []complex128{1, 2, 3}, []float64{1, 1, 1}),
		}},
		{"energy/weight mismatch in one record", []*types.ShardRecord{
			record(0, []complex128{1, 2}, []float64{1}),
		}},
		{"no records", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, diag, err := Reduce(tt.records)
			if !errors.Is(err, qerrors.ErrShapeMismatch) {
				t.Fatalf("expected ShapeMismatch, got %v", err)
			}
			if result != nil || diag != nil {
				t.Error("no partial result may be returned")
			}
		})
	}
}

func TestReduce_ShapeMismatchNamesShard(t *testing.T) {
	records := []*types.ShardRecord{
		record(2, []complex128{1, 2, 3}, []float64{1, 1, 1}),
		record(0, []complex128{1, 2}, []float64{1, 1}),
		record(1, []complex128{1, 2}, []float64{1, 1}),
	}

	_, _, err := Reduce(records)
	if got := qerrors.GetDetails(err)["shard_index"]; got != 2 {
		t.Errorf("shard_index = %v, want 2 (%v)", got, err)
	}
}

func TestReduce_DuplicateIndex(t *testing.T) {
	records := []*types.ShardRecord{
		record(0, []complex128{1}, []float64{1}),
		record(0, []complex128{2}, []float64{1}),
	}

	if _, _, err := Reduce(records); !errors.Is(err, qerrors.ErrDuplicateShard) {
		t.Fatalf("expected DuplicateShard, got %v", err)
	}
}

func TestReduce_ImaginaryDiagnostic(t *testing.T) {
	records := []*types.ShardRecord{
		record(0, []complex128{complex(1, 0.5)}, []float64{1}),
		record(1, []complex128{complex(3, 0.1)}, []float64{1}),
	}

	result, diag, err := Reduce(records)
	if err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if result.Energies[0] != 2 {
		t.Errorf("real part = %v, want 2", result.Energies[0])
	}
	if math.Abs(diag.DiscardedImag[0]-0.3) > 1e-12 || diag.MaxDiscardedImag != diag.DiscardedImag[0] {
		t.Errorf("discarded imag = %v (max %v), want 0.3", diag.DiscardedImag, diag.MaxDiscardedImag)
	}
}

func TestReduce_DoesNotReorderInput(t *testing.T) {
	records := []*types.ShardRecord{
		record(1, []complex128{1}, []float64{1}),
		record(0, []complex128{2}, []float64{1}),
	}
	if _, _, err := Reduce(records); err != nil {
		t.Fatalf("Reduce failed: %v", err)
	}
	if records[0].Index != 1 {
		t.Error("Reduce must not mutate the caller's slice")
	}
}
