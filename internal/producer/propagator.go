// Package producer is the boundary between the pipeline and the walker
// propagation engine. A Propagator advances a walker population and returns
// per-position local energies and weights; the Producer turns that output
// into a validated ShardRecord.
package producer

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Entry point names understood by the batch worker.
const (
	EntryClassical = "run_classical_afqmc"
	EntryQuantum   = "run_qc_afqmc"
)

// PropagationConfig is the opaque input of one shard's propagation.
type PropagationConfig struct {
	// TrialState names or inlines the trial wavefunction
	TrialState string

	// Hamiltonian names or inlines the system Hamiltonian
	Hamiltonian string

	// TimeSteps is the number of imaginary-time steps
	TimeSteps int

	// StepSize is the imaginary-time step dtau
	StepSize float64

	// Walkers is the expected walker-position count W; 0 accepts any
	Walkers int

	// Seed seeds the propagation so shards are reproducible
	Seed uint64

	// InputKey is the object key of the shadow bundle used by the
	// quantum-trial variant; empty for the classical one
	InputKey string
}

// Validate checks the numeric fields.
func (c PropagationConfig) Validate() error {
	if c.TimeSteps <= 0 {
		return fmt.Errorf("producer: time steps must be positive, got %d", c.TimeSteps)
	}
	if c.StepSize <= 0 {
		return fmt.Errorf("producer: step size must be positive, got %v", c.StepSize)
	}
	if c.Walkers < 0 {
		return fmt.Errorf("producer: walker count must not be negative, got %d", c.Walkers)
	}
	return nil
}

// Propagator runs one shard's walker propagation.
type Propagator interface {
	Propagate(ctx context.Context, cfg PropagationConfig) (energies []complex128, weights []float64, err error)
}

// PropagatorFunc adapts an ordinary function to the Propagator interface.
type PropagatorFunc func(ctx context.Context, cfg PropagationConfig) ([]complex128, []float64, error)

// Propagate calls f(ctx, cfg).
func (f PropagatorFunc) Propagate(ctx context.Context, cfg PropagationConfig) ([]complex128, []float64, error) {
	return f(ctx, cfg)
}

// Registry maps entry point names to propagators.
type Registry struct {
	mu          sync.RWMutex
	propagators map[string]Propagator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{propagators: make(map[string]Propagator)}
}

// Register binds name to p, replacing any previous binding.
func (r *Registry) Register(name string, p Propagator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.propagators[name] = p
}

// Get returns the propagator bound to name.
func (r *Registry) Get(name string) (Propagator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.propagators[name]
	if !ok {
		return nil, fmt.Errorf("producer: unknown entry point %q", name)
	}
	return p, nil
}

// Names returns the registered entry points in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.propagators))
	for name := range r.propagators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
