// Package storage provides the durable object store that shard records,
// shadow bundles, and aggregate results are written to.
package storage

import (
	"context"
	"errors"
)

// Common errors for storage operations.
var (
	ErrObjectNotFound = errors.New("object not found")
	ErrObjectExists   = errors.New("object already exists")
	ErrUploadFailed   = errors.New("upload failed")
	ErrDownloadFailed = errors.New("download failed")
	ErrDeleteFailed   = errors.New("delete failed")
)

// ObjectStorage abstracts cloud object storage operations.
// Implementations include S3 and the local filesystem for testing.
type ObjectStorage interface {
	// Put writes data to objectPath, replacing any existing object.
	Put(ctx context.Context, objectPath string, data []byte) error

	// PutIfAbsent writes data only if objectPath does not exist yet.
	// Returns ErrObjectExists otherwise. Shard records are written this
	// way so a key is never overwritten once present.
	PutIfAbsent(ctx context.Context, objectPath string, data []byte) error

	// Get reads the object at objectPath.
	// Returns ErrObjectNotFound if it does not exist.
	Get(ctx context.Context, objectPath string) ([]byte, error)

	// Delete removes an object from storage.
	Delete(ctx context.Context, objectPath string) error

	// Exists checks if an object exists in storage.
	Exists(ctx context.Context, objectPath string) (bool, error)

	// ListObjects returns all object paths under the given prefix.
	// The barrier uses this to discover which shards have landed.
	ListObjects(ctx context.Context, prefix string) ([]string, error)
}
