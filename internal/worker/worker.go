// Package worker runs one array child of a batch job: it produces a single
// shard, or collects the classical shadow the quantum-trial shards read.
package worker

import (
	"context"
	"fmt"
	"log"

	"github.com/shadowqmc/shadowqmc/internal/basis"
	"github.com/shadowqmc/shadowqmc/internal/config"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/producer"
	"github.com/shadowqmc/shadowqmc/internal/shadow"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// syntheticEnergy is the mean local energy of the built-in propagator.
const syntheticEnergy = -1.137

// NewRegistry binds both entry points to the external command of cfg, or
// to the synthetic propagator when no command is configured.
func NewRegistry(cfg config.WorkerConfig) *producer.Registry {
	var p producer.Propagator = producer.SyntheticPropagator{Energy: syntheticEnergy, Spread: 0.05}
	if cfg.Command != "" {
		p = &producer.ExecPropagator{Path: cfg.Command, Args: cfg.Args}
	}

	r := producer.NewRegistry()
	r.Register(producer.EntryClassical, p)
	r.Register(producer.EntryQuantum, p)
	return r
}

// PropagationConfig derives the propagation input of shard index. Shard i
// is seeded with Seed+i so array children never share a stream.
func PropagationConfig(cfg config.WorkerConfig, index int) producer.PropagationConfig {
	return producer.PropagationConfig{
		TrialState:  cfg.TrialState,
		Hamiltonian: cfg.Hamiltonian,
		TimeSteps:   cfg.TimeSteps,
		StepSize:    cfg.StepSize,
		Walkers:     cfg.Walkers,
		Seed:        cfg.Seed + uint64(index),
		InputKey:    cfg.InputKey,
	}
}

// Worker produces shards into the shared store.
type Worker struct {
	pipeline *pipeline.Pipeline
	objects  storage.ObjectStorage
	registry *producer.Registry
}

// New creates a worker.
func New(p *pipeline.Pipeline, objects storage.ObjectStorage, registry *producer.Registry) *Worker {
	return &Worker{pipeline: p, objects: objects, registry: registry}
}

// RunShard produces and stores shard cfg.ArrayIndex of cfg.JobID. The
// quantum-trial entry point first checks that the job's shadow bundle is
// readable and every basis in it is well formed.
func (w *Worker) RunShard(ctx context.Context, cfg config.WorkerConfig) (*types.ShardRecord, error) {
	if err := shard.ValidateJobID(cfg.JobID); err != nil {
		return nil, err
	}
	if cfg.ArrayIndex < 0 {
		return nil, fmt.Errorf("worker: job %s: array index not set", cfg.JobID)
	}

	p, err := w.registry.Get(cfg.EntryPoint)
	if err != nil {
		return nil, err
	}

	propCfg := PropagationConfig(cfg, cfg.ArrayIndex)
	if cfg.EntryPoint == producer.EntryQuantum {
		if propCfg.InputKey == "" {
			propCfg.InputKey = shard.ShadowKey(cfg.JobID)
		}
		bundle, err := shadow.LoadKey(ctx, w.objects, propCfg.InputKey)
		if err != nil {
			return nil, err
		}
		log.Printf("worker: job %s shard %d using %d shadow snapshots from %s",
			cfg.JobID, cfg.ArrayIndex, len(bundle.Bases), propCfg.InputKey)
	}

	log.Printf("worker: job %s shard %d/%d entry=%s steps=%d dtau=%g",
		cfg.JobID, cfg.ArrayIndex, cfg.ArraySize, cfg.EntryPoint, cfg.TimeSteps, cfg.StepSize)
	return w.pipeline.RunShard(ctx, producer.New(p), cfg.JobID, cfg.ArrayIndex, propCfg)
}

// CollectShadow measures a fresh classical shadow of jobID on the
// simulated backend and stores it under the job's shadow key.
func (w *Worker) CollectShadow(ctx context.Context, jobID string, cfg config.ShadowConfig, seed uint64) (*shadow.Bundle, error) {
	collector := shadow.NewCollector(shadow.CollectorConfig{
		Qubits:      cfg.Qubits,
		Shots:       cfg.Shots,
		Concurrency: cfg.Concurrency,
	}, shadow.SimulatedBackend{Qubits: cfg.Qubits, Seed: seed})

	bundle, err := collector.Collect(ctx, basis.NewSource(seed), cfg.Size)
	if err != nil {
		return nil, err
	}
	if err := shadow.Save(ctx, w.objects, jobID, bundle); err != nil {
		return nil, err
	}
	log.Printf("worker: job %s shadow stored at %s", jobID, shard.ShadowKey(jobID))
	return bundle, nil
}
