package worker

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/shadowqmc/shadowqmc/internal/barrier"
	"github.com/shadowqmc/shadowqmc/internal/config"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/producer"
	"github.com/shadowqmc/shadowqmc/internal/shadow"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

func newTestWorker(t *testing.T, cfg config.WorkerConfig) (*Worker, *shard.Store, storage.ObjectStorage) {
	t.Helper()
	local, err := storage.NewLocalStorage(filepath.Join(t.TempDir(), "objects"))
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	store := shard.NewStore(local, 4)
	b := barrier.New(barrier.Config{PollInterval: 5 * time.Millisecond, MaxAttempts: 2}, store, nil)
	p := pipeline.New(store, nil, b, nil)
	return New(p, local, NewRegistry(cfg)), store, local
}

func workerConfig() config.WorkerConfig {
	cfg := config.DefaultConfig().Worker
	cfg.JobID = "job-w"
	cfg.ArrayIndex = 1
	cfg.ArraySize = 2
	cfg.Walkers = 3
	cfg.Seed = 10
	return cfg
}

func TestPropagationConfig_SeedsPerShard(t *testing.T) {
	cfg := workerConfig()
	a := PropagationConfig(cfg, 0)
	b := PropagationConfig(cfg, 1)
	if a.Seed == b.Seed {
		t.Error("shards should get distinct seeds")
	}
	if b.Seed != cfg.Seed+1 || b.TimeSteps != cfg.TimeSteps || b.StepSize != cfg.StepSize {
		t.Errorf("unexpected config %+v", b)
	}
}

func TestNewRegistry(t *testing.T) {
	r := NewRegistry(config.WorkerConfig{})
	for _, name := range []string{producer.EntryClassical, producer.EntryQuantum} {
		p, err := r.Get(name)
		if err != nil {
			t.Fatalf("Get(%s) failed: %v", name, err)
		}
		if _, ok := p.(producer.SyntheticPropagator); !ok {
			t.Errorf("%s bound to %T, want synthetic", name, p)
		}
	}

	r = NewRegistry(config.WorkerConfig{Command: "/usr/bin/afqmc"})
	p, _ := r.Get(producer.EntryClassical)
	if ep, ok := p.(*producer.ExecPropagator); !ok || ep.Path != "/usr/bin/afqmc" {
		t.Errorf("classical bound to %#v, want exec propagator", p)
	}
}

func TestRunShard_Classical(t *testing.T) {
	cfg := workerConfig()
	w, store, _ := newTestWorker(t, cfg)
	ctx := context.Background()

	rec, err := w.RunShard(ctx, cfg)
	if err != nil {
		t.Fatalf("RunShard failed: %v", err)
	}
	if rec.Index != 1 || rec.Len() != 3 {
		t.Errorf("record index=%d len=%d, want 1/3", rec.Index, rec.Len())
	}

	got, err := store.Get(ctx, "job-w", 1)
	if err != nil {
		t.Fatalf("stored record not readable: %v", err)
	}
	if got.Len() != 3 {
		t.Errorf("stored len = %d, want 3", got.Len())
	}

	// The array child is retried by the fleet; the second write is refused.
	if _, err := w.RunShard(ctx, cfg); !errors.Is(err, qerrors.ErrDuplicateShard) {
		t.Errorf("rerun err = %v, want DuplicateShard", err)
	}
}

func TestRunShard_QuantumNeedsShadow(t *testing.T) {
	cfg := workerConfig()
	cfg.EntryPoint = producer.EntryQuantum
	w, _, _ := newTestWorker(t, cfg)
	ctx := context.Background()

	_, err := w.RunShard(ctx, cfg)
	if qerrors.GetCode(err) != qerrors.CodeObjectNotFound {
		t.Fatalf("err = %v, want OBJECT_NOT_FOUND", err)
	}

	sc := config.DefaultConfig().Shadow
	sc.Qubits, sc.Shots, sc.Size = 2, 16, 5
	bundle, err := w.CollectShadow(ctx, cfg.JobID, sc, 3)
	if err != nil {
		t.Fatalf("CollectShadow failed: %v", err)
	}
	if len(bundle.Bases) != 5 {
		t.Errorf("bundle size = %d, want 5", len(bundle.Bases))
	}

	rec, err := w.RunShard(ctx, cfg)
	if err != nil {
		t.Fatalf("RunShard after collection failed: %v", err)
	}
	if rec.Len() != 3 {
		t.Errorf("record len = %d, want 3", rec.Len())
	}
}

func TestRunShard_QuantumRejectsCorruptShadow(t *testing.T) {
	cfg := workerConfig()
	cfg.EntryPoint = producer.EntryQuantum
	w, store, objects := newTestWorker(t, cfg)
	ctx := context.Background()

	corrupt := &shadow.Bundle{
		Output: []map[string]int{{"00": 4}},
		Bases:  []types.CompactEncoding{{math.MinInt, 1}},
	}
	data, err := corrupt.Marshal()
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if err := objects.Put(ctx, shard.ShadowKey(cfg.JobID), data); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	_, err = w.RunShard(ctx, cfg)
	if !errors.Is(err, qerrors.ErrMalformedEncoding) {
		t.Fatalf("err = %v, want MalformedEncoding", err)
	}
	if present, _ := store.Present(ctx, cfg.JobID); len(present) != 0 {
		t.Errorf("no shard may be stored, found %v", present)
	}
}

func TestCollectShadow_Stored(t *testing.T) {
	cfg := workerConfig()
	w, _, objects := newTestWorker(t, cfg)
	ctx := context.Background()

	sc := config.ShadowConfig{Qubits: 1, Shots: 8, Size: 4, Concurrency: 2}
	if _, err := w.CollectShadow(ctx, "job-s", sc, 1); err != nil {
		t.Fatalf("CollectShadow failed: %v", err)
	}
	loaded, err := shadow.Load(ctx, objects, "job-s")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	snaps, err := loaded.Snapshots()
	if err != nil {
		t.Fatalf("Snapshots failed: %v", err)
	}
	if len(snaps) != 4 || snaps[0].Basis.Size() != 2 {
		t.Errorf("snapshots = %d of size %d, want 4 of size 2", len(snaps), snaps[0].Basis.Size())
	}
}

func TestRunShard_InvalidArgs(t *testing.T) {
	cfg := workerConfig()
	w, _, _ := newTestWorker(t, cfg)

	bad := cfg
	bad.ArrayIndex = -1
	if _, err := w.RunShard(context.Background(), bad); err == nil {
		t.Error("expected error for unset array index")
	}

	bad = cfg
	bad.EntryPoint = "run_something_else"
	if _, err := w.RunShard(context.Background(), bad); err == nil {
		t.Error("expected error for unknown entry point")
	}
}
