package shard

import (
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Digest returns the murmur3-128 hex digest of a serialized record. The
// catalog keeps it so a resubmission can be told apart from a conflicting
// second record for the same index.
func Digest(data []byte) string {
	h1, h2 := murmur3.Sum128(data)
	return fmt.Sprintf("%016x%016x", h1, h2)
}
