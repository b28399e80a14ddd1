package shard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/storage"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Store reads and writes shard records and aggregate results. Record keys
// are append-only: once a (job, index) key exists it is never rewritten.
type Store struct {
	storage storage.ObjectStorage
	fetcher *storage.BatchFetcher
}

// NewStore creates a Store over the given object storage.
// fetchConcurrency bounds parallel reads in GetAll.
func NewStore(store storage.ObjectStorage, fetchConcurrency int) *Store {
	return &Store{
		storage: store,
		fetcher: storage.NewBatchFetcher(store, fetchConcurrency),
	}
}

// Put validates and writes rec under its (job, index) key and returns the
// digest of the written bytes. A second write for the same key fails with
// a DuplicateShard error.
func (s *Store) Put(ctx context.Context, rec *types.ShardRecord) (string, error) {
	if err := ValidateJobID(rec.JobID); err != nil {
		return "", err
	}
	if rec.Index < 0 {
		return "", qerrors.NewValidationError(qerrors.CodeIndexMismatch,
			fmt.Sprintf("job %s: negative shard index %d", rec.JobID, rec.Index)).
			WithDetails(map[string]interface{}{"job_id": rec.JobID, "shard_index": rec.Index})
	}
	if err := rec.Validate(); err != nil {
		return "", err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", qerrors.NewInternalError("marshal shard record", err)
	}

	key := RecordKey(rec.JobID, rec.Index)
	if err := s.storage.PutIfAbsent(ctx, key, data); err != nil {
		if errors.Is(err, storage.ErrObjectExists) {
			return "", qerrors.NewDuplicateShard(rec.JobID, rec.Index)
		}
		return "", qerrors.NewStorageError(qerrors.CodeUploadFailed,
			fmt.Sprintf("write %s", key), err).
			WithDetails(map[string]interface{}{"job_id": rec.JobID, "shard_index": rec.Index})
	}
	return Digest(data), nil
}

// Get reads one shard record. The key is authoritative for identity: a
// payload that names a different index is rejected.
func (s *Store) Get(ctx context.Context, jobID string, index int) (*types.ShardRecord, error) {
	key := RecordKey(jobID, index)
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, readError(jobID, index, key, err)
	}
	return decodeRecord(jobID, index, data)
}

// Present lists the shard indices of jobID currently in storage, ascending.
func (s *Store) Present(ctx context.Context, jobID string) ([]int, error) {
	keys, err := s.storage.ListObjects(ctx, RecordPrefix(jobID))
	if err != nil {
		return nil, qerrors.NewStorageError(qerrors.CodeDownloadFailed,
			fmt.Sprintf("list shards of job %s", jobID), err).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}

	indices := make([]int, 0, len(keys))
	for _, key := range keys {
		if idx, ok := ParseRecordKey(jobID, key); ok {
			indices = append(indices, idx)
		}
	}
	sort.Ints(indices)
	return indices, nil
}

// GetAll reads shards 0..k-1 in parallel and returns them ordered by index.
// Any failed read fails the whole call; no partial set is returned.
func (s *Store) GetAll(ctx context.Context, jobID string, k int) ([]*types.ShardRecord, error) {
	keys := make([]string, k)
	for i := range keys {
		keys[i] = RecordKey(jobID, i)
	}

	result, err := s.fetcher.Fetch(ctx, keys)
	if err != nil {
		return nil, err
	}

	records := make([]*types.ShardRecord, k)
	for i, key := range keys {
		if ferr, failed := result.Errors[key]; failed {
			return nil, readError(jobID, i, key, ferr)
		}
		rec, err := decodeRecord(jobID, i, result.Objects[key])
		if err != nil {
			return nil, err
		}
		records[i] = rec
	}
	return records, nil
}

// PutAggregate writes the final result and its diagnostics. The result key
// is written once; a second reduction of the same job fails.
func (s *Store) PutAggregate(ctx context.Context, jobID string, result *types.AggregateResult, diag *types.ReductionDiagnostics) error {
	if diag != nil {
		data, err := json.Marshal(diag)
		if err != nil {
			return qerrors.NewInternalError("marshal diagnostics", err)
		}
		if err := s.storage.Put(ctx, DiagnosticsKey(jobID), data); err != nil {
			return qerrors.NewStorageError(qerrors.CodeUploadFailed, "write diagnostics", err).
				WithDetails(map[string]interface{}{"job_id": jobID})
		}
	}

	data, err := json.Marshal(result)
	if err != nil {
		return qerrors.NewInternalError("marshal aggregate", err)
	}
	if err := s.storage.PutIfAbsent(ctx, AggregateKey(jobID), data); err != nil {
		if errors.Is(err, storage.ErrObjectExists) {
			return qerrors.NewValidationError(qerrors.CodeAggregateExists,
				fmt.Sprintf("job %s: aggregate already written", jobID)).
				WithDetails(map[string]interface{}{"job_id": jobID})
		}
		return qerrors.NewStorageError(qerrors.CodeUploadFailed, "write aggregate", err).
			WithDetails(map[string]interface{}{"job_id": jobID})
	}
	return nil
}

// GetAggregate reads the final result of jobID.
func (s *Store) GetAggregate(ctx context.Context, jobID string) (*types.AggregateResult, error) {
	key := AggregateKey(jobID)
	data, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, readError(jobID, -1, key, err)
	}
	var result types.AggregateResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, qerrors.NewInternalError(fmt.Sprintf("decode %s", key), err)
	}
	return &result, nil
}

func decodeRecord(jobID string, index int, data []byte) (*types.ShardRecord, error) {
	var rec types.ShardRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		var pe *qerrors.PipelineError
		if errors.As(err, &pe) {
			return nil, pe.WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
		}
		return nil, qerrors.NewInternalError(fmt.Sprintf("decode shard %d of job %s", index, jobID), err).
			WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
	}

	if rec.Index >= 0 && rec.Index != index {
		return nil, qerrors.NewValidationError(qerrors.CodeIndexMismatch,
			fmt.Sprintf("job %s: key holds shard %d but record names %d", jobID, index, rec.Index)).
			WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
	}
	if rec.JobID != "" && rec.JobID != jobID {
		return nil, qerrors.NewValidationError(qerrors.CodeIndexMismatch,
			fmt.Sprintf("shard %d: key holds job %s but record names %s", index, jobID, rec.JobID)).
			WithDetails(map[string]interface{}{"job_id": jobID, "shard_index": index})
	}
	rec.JobID = jobID
	rec.Index = index
	return &rec, nil
}

func readError(jobID string, index int, key string, err error) error {
	details := map[string]interface{}{"job_id": jobID, "object_path": key}
	if index >= 0 {
		details["shard_index"] = index
	}
	if errors.Is(err, storage.ErrObjectNotFound) {
		return qerrors.NewStorageError(qerrors.CodeObjectNotFound, fmt.Sprintf("%s not found", key), err).
			WithDetails(details)
	}
	return qerrors.NewStorageError(qerrors.CodeDownloadFailed, fmt.Sprintf("read %s", key), err).
		WithDetails(details)
}
