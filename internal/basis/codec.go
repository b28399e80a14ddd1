package basis

import (
	"fmt"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Encode maps column i to (row+1)*sign, where row is the unique nonzero
// entry of that column. Any matrix that is not a signed permutation is
// rejected with a MalformedEncoding error.
func Encode(m types.SignedPermutationMatrix) (types.CompactEncoding, error) {
	n := len(m)
	if n == 0 {
		return nil, qerrors.NewMalformedEncoding("empty matrix", nil)
	}
	for r := range m {
		if len(m[r]) != n {
			return nil, qerrors.NewMalformedEncoding(
				fmt.Sprintf("row %d has %d columns, want %d", r, len(m[r]), n), nil)
		}
	}

	enc := make(types.CompactEncoding, n)
	rowSeen := make([]bool, n)
	for c := 0; c < n; c++ {
		found := -1
		for r := 0; r < n; r++ {
			v := m[r][c]
			if v == 0 {
				continue
			}
			if v != 1 && v != -1 {
				return nil, qerrors.NewMalformedEncoding(
					fmt.Sprintf("entry (%d,%d) is %d, want ±1", r, c, v), nil)
			}
			if found >= 0 {
				return nil, qerrors.NewMalformedEncoding(
					fmt.Sprintf("column %d has nonzeros at rows %d and %d", c, found, r), nil)
			}
			found = r
		}
		if found < 0 {
			return nil, qerrors.NewMalformedEncoding(fmt.Sprintf("column %d is all zero", c), nil)
		}
		if rowSeen[found] {
			return nil, qerrors.NewMalformedEncoding(fmt.Sprintf("row %d used by two columns", found), nil)
		}
		rowSeen[found] = true
		enc[c] = (found + 1) * int(m[found][c])
	}
	return enc, nil
}

// Decode rebuilds the matrix from its encoding. It fails with a
// MalformedEncoding error when any entry is zero or the magnitudes are not
// a permutation of 1..N.
func Decode(enc types.CompactEncoding) (types.SignedPermutationMatrix, error) {
	if err := Validate(enc); err != nil {
		return nil, err
	}
	m := types.NewSignedPermutationMatrix(len(enc))
	for c, v := range enc {
		if v > 0 {
			m[v-1][c] = 1
		} else {
			m[-v-1][c] = -1
		}
	}
	return m, nil
}

// Validate checks enc without building the matrix.
func Validate(enc types.CompactEncoding) error {
	n := len(enc)
	if n == 0 {
		return qerrors.NewMalformedEncoding("empty encoding", []int(enc))
	}
	seen := make([]bool, n+1)
	for i, v := range enc {
		mag := v
		if mag < 0 {
			mag = -mag
		}
		switch {
		case v == 0:
			return qerrors.NewMalformedEncoding(fmt.Sprintf("zero entry at position %d", i), []int(enc))
		case v < -n || v > n:
			return qerrors.NewMalformedEncoding(
				fmt.Sprintf("entry %d at position %d out of range for size %d", v, i, n), []int(enc))
		case seen[mag]:
			return qerrors.NewMalformedEncoding(
				fmt.Sprintf("duplicate magnitude %d at position %d", mag, i), []int(enc))
		}
		seen[mag] = true
	}
	return nil
}
