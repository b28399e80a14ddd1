// Package shadow collects classical-shadow snapshots: each snapshot pairs a
// randomly sampled signed-permutation basis with the measurement counts
// observed in that basis. The bundle of snapshots is the trial-state input
// of the quantum-trial propagation variant.
package shadow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/golang/snappy"

	"github.com/shadowqmc/shadowqmc/internal/basis"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Bundle is the persisted result of one shadow collection. Output[i] holds
// the counts measured in basis Bases[i].
type Bundle struct {
	Output []map[string]int        `json:"output"`
	Bases  []types.CompactEncoding `json:"Q_save"`
}

// Snapshot is one decoded entry of a Bundle.
type Snapshot struct {
	Basis  types.SignedPermutationMatrix
	Counts map[string]int
}

// Validate checks that outputs and bases pair up and every basis encoding
// is well formed.
func (b *Bundle) Validate() error {
	if len(b.Output) != len(b.Bases) {
		return qerrors.NewShapeMismatch(
			fmt.Sprintf("shadow bundle has %d outputs for %d bases", len(b.Output), len(b.Bases)),
			map[string]interface{}{"outputs": len(b.Output), "bases": len(b.Bases)})
	}
	for i, enc := range b.Bases {
		if err := basis.Validate(enc); err != nil {
			return fmt.Errorf("shadow: basis %d: %w", i, err)
		}
	}
	return nil
}

// Snapshots decodes every basis back to its matrix form.
func (b *Bundle) Snapshots() ([]Snapshot, error) {
	if len(b.Output) != len(b.Bases) {
		return nil, b.Validate()
	}
	out := make([]Snapshot, len(b.Bases))
	for i, enc := range b.Bases {
		m, err := basis.Decode(enc)
		if err != nil {
			return nil, fmt.Errorf("shadow: basis %d: %w", i, err)
		}
		out[i] = Snapshot{Basis: m, Counts: b.Output[i]}
	}
	return out, nil
}

// Marshal returns the snappy-compressed JSON form of b.
func (b *Bundle) Marshal() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, fmt.Errorf("shadow: marshal bundle: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// Unmarshal decodes the snappy-compressed JSON form and validates it.
func Unmarshal(data []byte) (*Bundle, error) {
	raw, err := snappy.Decode(nil, data)
	if err != nil {
		return nil, fmt.Errorf("shadow: decompress bundle: %w", err)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("shadow: decode bundle: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return &b, nil
}

// Save writes b under the shadow key of jobID.
func Save(ctx context.Context, store storage.ObjectStorage, jobID string, b *Bundle) error {
	if err := shard.ValidateJobID(jobID); err != nil {
		return err
	}
	data, err := b.Marshal()
	if err != nil {
		return err
	}
	if err := store.Put(ctx, shard.ShadowKey(jobID), data); err != nil {
		return qerrors.NewStorageError(qerrors.CodeUploadFailed, "write shadow bundle", err).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// Load reads and validates the shadow bundle of jobID.
func Load(ctx context.Context, store storage.ObjectStorage, jobID string) (*Bundle, error) {
	return LoadKey(ctx, store, shard.ShadowKey(jobID))
}

// LoadKey reads and validates the shadow bundle stored at key.
func LoadKey(ctx context.Context, store storage.ObjectStorage, key string) (*Bundle, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		code := qerrors.CodeDownloadFailed
		if errors.Is(err, storage.ErrObjectNotFound) {
			code = qerrors.CodeObjectNotFound
		}
		return nil, qerrors.NewStorageError(code, fmt.Sprintf("read %s", key), err).
			WithDetails(map[string]interface{}{"object_path": key})
	}
	return Unmarshal(data)
}
