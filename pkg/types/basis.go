// Package types provides core data types for shadowqmc.
package types

// SignedPermutationMatrix is an N×N matrix with exactly one nonzero entry,
// +1 or -1, in every row and every column. Indexed as M[row][col].
type SignedPermutationMatrix [][]int8

// Size returns N.
func (m SignedPermutationMatrix) Size() int {
	return len(m)
}

// Equal reports whether two matrices hold identical entries.
func (m SignedPermutationMatrix) Equal(other SignedPermutationMatrix) bool {
	if len(m) != len(other) {
		return false
	}
	for r := range m {
		if len(m[r]) != len(other[r]) {
			return false
		}
		for c := range m[r] {
			if m[r][c] != other[r][c] {
				return false
			}
		}
	}
	return true
}

// NewSignedPermutationMatrix allocates an all-zero N×N matrix.
func NewSignedPermutationMatrix(n int) SignedPermutationMatrix {
	m := make(SignedPermutationMatrix, n)
	cells := make([]int8, n*n)
	for r := range m {
		m[r] = cells[r*n : (r+1)*n : (r+1)*n]
	}
	return m
}

// CompactEncoding is the flat wire form of a SignedPermutationMatrix.
// Entry i holds (row+1)*sign for the nonzero entry of column i, so every
// value lies in [-N, N] \ {0}. Serialized as a plain JSON number array.
type CompactEncoding []int
