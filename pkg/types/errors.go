package types

import "errors"

// Wire-format errors
var (
	// ErrLengthMismatch is returned when the split real/imaginary/weight
	// sequences of a shard record differ in length
	ErrLengthMismatch = errors.New("sequence length mismatch")

	// ErrInvalidWeight is returned when a weight is negative, NaN, or infinite
	ErrInvalidWeight = errors.New("invalid importance-sampling weight")
)
