package shadow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/shadowqmc/shadowqmc/internal/basis"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

type backendFunc func(ctx context.Context, enc types.CompactEncoding, shots int) (map[string]int, error)

func (f backendFunc) Measure(ctx context.Context, enc types.CompactEncoding, shots int) (map[string]int, error) {
	return f(ctx, enc, shots)
}

func TestCollect(t *testing.T) {
	cfg := CollectorConfig{Qubits: 4, Shots: 50, Concurrency: 3}
	c := NewCollector(cfg, SimulatedBackend{Qubits: 4, Seed: 1})

	bundle, err := c.Collect(context.Background(), basis.NewSource(9), 12)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if len(bundle.Bases) != 12 || len(bundle.Output) != 12 {
		t.Fatalf("got %d bases, %d outputs", len(bundle.Bases), len(bundle.Output))
	}
	for i, enc := range bundle.Bases {
		if len(enc) != 8 {
			t.Errorf("basis %d has width %d, want 8", i, len(enc))
		}
		total := 0
		for _, n := range bundle.Output[i] {
			total += n
		}
		if total != 50 {
			t.Errorf("snapshot %d: counts sum to %d", i, total)
		}
	}
}

func TestCollect_Reproducible(t *testing.T) {
	cfg := CollectorConfig{Qubits: 2, Shots: 10, Concurrency: 4}
	c := NewCollector(cfg, SimulatedBackend{Qubits: 2, Seed: 3})

	a, err := c.Collect(context.Background(), basis.NewSource(5), 6)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	b, _ := c.Collect(context.Background(), basis.NewSource(5), 6)
	for i := range a.Bases {
		for j := range a.Bases[i] {
			if a.Bases[i][j] != b.Bases[i][j] {
				t.Fatalf("basis %d differs between runs with the same seed", i)
			}
		}
		for bits, n := range a.Output[i] {
			if b.Output[i][bits] != n {
				t.Fatalf("snapshot %d counts differ", i)
			}
		}
	}
}

func TestCollect_InvalidCounts(t *testing.T) {
	tests := []struct {
		name   string
		counts map[string]int
	}{
		{"short sum", map[string]int{"00": 3}},
		{"negative", map[string]int{"00": 5, "01": -1}},
		{"wrong width", map[string]int{"000": 4}},
		{"not binary", map[string]int{"0x": 4}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := backendFunc(func(ctx context.Context, enc types.CompactEncoding, shots int) (map[string]int, error) {
				return tt.counts, nil
			})
			c := NewCollector(CollectorConfig{Qubits: 2, Shots: 4}, backend)
			_, err := c.Collect(context.Background(), basis.NewSource(1), 2)
			if qerrors.GetCode(err) != qerrors.CodeInvalidCounts {
				t.Errorf("expected INVALID_COUNTS, got %v", err)
			}
		})
	}
}

func TestCollect_BackendError(t *testing.T) {
	cause := fmt.Errorf("device offline")
	backend := backendFunc(func(ctx context.Context, enc types.CompactEncoding, shots int) (map[string]int, error) {
		return nil, cause
	})
	c := NewCollector(CollectorConfig{Qubits: 2, Shots: 4}, backend)

	if _, err := c.Collect(context.Background(), basis.NewSource(1), 3); !errors.Is(err, cause) {
		t.Errorf("expected backend error, got %v", err)
	}
}

func TestBundle_MarshalRoundTrip(t *testing.T) {
	bundle := &Bundle{
		Output: []map[string]int{{"0011": 7, "1100": 3}, {"0101": 10}},
		Bases:  []types.CompactEncoding{{2, -1, 4, 3, -6, 5, 8, -7}, {-1, 2, 3, 4, 5, 6, 7, 8}},
	}

	data, err := bundle.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	got, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if got.Output[0]["0011"] != 7 || got.Bases[0][1] != -1 || got.Bases[1][0] != -1 {
		t.Errorf("round trip mismatch: %+v", got)
	}

	snapshots, err := got.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if snapshots[0].Basis[1][0] != 1 || snapshots[0].Basis[0][1] != -1 {
		t.Errorf("decoded basis mismatch: %v", snapshots[0].Basis)
	}
}

func TestUnmarshal_Rejects(t *testing.T) {
	if _, err := Unmarshal([]byte("not snappy")); err == nil {
		t.Error("expected error for corrupt data")
	}

	bad := &Bundle{
		Output: []map[string]int{{"00": 1}},
		Bases:  []types.CompactEncoding{{1, 1}},
	}
	data, _ := bad.Marshal()
	if _, err := Unmarshal(data); !errors.Is(err, qerrors.ErrMalformedEncoding) {
		t.Errorf("expected MalformedEncoding, got %v", err)
	}

	uneven := &Bundle{Output: []map[string]int{{"00": 1}}}
	data, _ = uneven.Marshal()
	if _, err := Unmarshal(data); !errors.Is(err, qerrors.ErrShapeMismatch) {
		t.Errorf("expected ShapeMismatch, got %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	local, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create local storage: %v", err)
	}
	ctx := context.Background()

	c := NewCollector(CollectorConfig{Qubits: 4, Shots: 20}, SimulatedBackend{Qubits: 4})
	bundle, err := c.Collect(ctx, basis.NewSource(2), 4)
	if err != nil {
		t.Fatalf("Collect failed: %v", err)
	}
	if err := Save(ctx, local, "job-s", bundle); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := Load(ctx, local, "job-s")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got.Bases) != 4 {
		t.Errorf("got %d bases, want 4", len(got.Bases))
	}

	if _, err := Load(ctx, local, "job-missing"); qerrors.GetCode(err) != qerrors.CodeObjectNotFound {
		t.Errorf("expected OBJECT_NOT_FOUND, got %v", err)
	}
}
