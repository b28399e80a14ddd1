package shadow

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// SimulatedBackend spreads shots uniformly at random over the computational
// basis. It stands in for a device or simulator in local runs.
type SimulatedBackend struct {
	Qubits int
	Seed   uint64
}

// Measure returns counts reproducible from the seed and the basis.
func (s SimulatedBackend) Measure(ctx context.Context, basis types.CompactEncoding, shots int) (map[string]int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var mix uint64
	for _, v := range basis {
		mix = mix*31 + uint64(int64(v))
	}
	rng := rand.New(rand.NewPCG(s.Seed, mix))

	counts := make(map[string]int)
	for i := 0; i < shots; i++ {
		counts[fmt.Sprintf("%0*b", s.Qubits, rng.IntN(1<<s.Qubits))]++
	}
	return counts, nil
}
