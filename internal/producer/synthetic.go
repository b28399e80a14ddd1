package producer

import (
	"context"
	"math"
	"math/rand/v2"
)

// SyntheticPropagator draws local energies around a fixed ground-state
// energy. It has no physics in it and exists for local runs and smoke tests
// of the pipeline.
type SyntheticPropagator struct {
	// Energy is the mean local energy
	Energy float64

	// Spread is the standard deviation of the real part
	Spread float64
}

// Propagate returns cfg.Walkers positions (one if unset), reproducible
// from cfg.Seed.
func (s SyntheticPropagator) Propagate(ctx context.Context, cfg PropagationConfig) ([]complex128, []float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	walkers := cfg.Walkers
	if walkers == 0 {
		walkers = 1
	}
	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(cfg.TimeSteps)))

	energies := make([]complex128, walkers)
	weights := make([]float64, walkers)
	decay := math.Exp(-cfg.StepSize * float64(cfg.TimeSteps) * 1e-3)
	for i := range energies {
		energies[i] = complex(s.Energy+s.Spread*rng.NormFloat64(), 1e-6*rng.NormFloat64())
		weights[i] = decay * rng.ExpFloat64()
	}
	return energies, weights, nil
}
