package manifest

import (
	"context"
	"fmt"
	"time"

	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/internal/storage"
)

// ReconciliationReport contains the results of a catalog-storage reconciliation
// for one job.
type ReconciliationReport struct {
	JobID string
	// DanglingShards are registrations whose record object does not exist in storage.
	DanglingShards []*ShardRegistration
	// UnregisteredShards are shard indices present in storage with no registration.
	UnregisteredShards []int
	// TotalRegistered is the number of registrations checked.
	TotalRegistered int
	// TotalStored is the number of shard record objects found.
	TotalStored int
	// RunAt is when the reconciliation was performed.
	RunAt time.Time
}

// HasIssues returns true if the report contains any dangling or unregistered shards.
func (r *ReconciliationReport) HasIssues() bool {
	return len(r.DanglingShards) > 0 || len(r.UnregisteredShards) > 0
}

// Reconcile checks consistency between the catalog and object storage for
// jobID. Unregistered shards are normal for records written by external
// producers that never touched the catalog.
func Reconcile(ctx context.Context, catalog Catalog, store storage.ObjectStorage, jobID string) (*ReconciliationReport, error) {
	report := &ReconciliationReport{
		JobID: jobID,
		RunAt: time.Now(),
	}

	regs, err := catalog.ListShards(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list registrations: %w", err)
	}
	report.TotalRegistered = len(regs)

	registered := make(map[int]bool, len(regs))
	for _, reg := range regs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		registered[reg.ShardIndex] = true

		exists, err := store.Exists(ctx, reg.ObjectPath)
		if err != nil {
			return nil, fmt.Errorf("reconciliation: failed to check object %s: %w", reg.ObjectPath, err)
		}
		if !exists {
			report.DanglingShards = append(report.DanglingShards, reg)
		}
	}

	objects, err := store.ListObjects(ctx, shard.RecordPrefix(jobID))
	if err != nil {
		return nil, fmt.Errorf("reconciliation: failed to list storage objects: %w", err)
	}

	for _, key := range objects {
		idx, ok := shard.ParseRecordKey(jobID, key)
		if !ok {
			continue
		}
		report.TotalStored++
		if !registered[idx] {
			report.UnregisteredShards = append(report.UnregisteredShards, idx)
		}
	}

	return report, nil
}
