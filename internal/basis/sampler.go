// Package basis samples random signed-permutation measurement bases and
// converts them to and from their compact wire encoding.
//
// Signed permutations of size 2n are exactly the orthogonal transforms a
// fixed-depth matchgate circuit with one gate per mode pair can realize, so
// shadow snapshots draw from this group instead of the full orthogonal group.
package basis

import (
	"math/rand/v2"

	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// NewSource returns a seeded random generator for Sample. Two generators
// built from the same seed produce the same basis sequence.
func NewSource(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Sample draws a matrix uniformly from the signed-permutation group of
// degree n (size 2^n * n!). Column i holds sign_i at row perm[i].
// Sample panics if n < 1.
func Sample(rng *rand.Rand, n int) types.SignedPermutationMatrix {
	perm := rng.Perm(n)
	m := types.NewSignedPermutationMatrix(n)
	for i := 0; i < n; i++ {
		sign := int8(1)
		if rng.Uint64()&1 == 1 {
			sign = -1
		}
		m[perm[i]][i] = sign
	}
	return m
}

// SampleEncoding draws a basis and returns it already encoded.
func SampleEncoding(rng *rand.Rand, n int) types.CompactEncoding {
	// Sample only produces valid matrices, so Encode cannot fail here.
	enc, _ := Encode(Sample(rng, n))
	return enc
}
