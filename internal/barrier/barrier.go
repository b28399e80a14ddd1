// Package barrier blocks reduction of a job until every one of its shard
// records is durably present.
package barrier

import (
	"context"
	"fmt"
	"log"
	"time"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/notify"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/shard"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// Config holds configuration for the shard barrier.
type Config struct {
	// PollInterval is the delay before the second poll (default: 2s).
	PollInterval time.Duration

	// MaxPollInterval caps the exponential backoff between polls (default: 30s).
	MaxPollInterval time.Duration

	// MaxAttempts bounds the number of polls; 0 leaves only Timeout.
	MaxAttempts int

	// Timeout bounds the total wait; 0 leaves only MaxAttempts. When both
	// are 0 the default timeout applies.
	Timeout time.Duration
}

// DefaultConfig returns the default barrier configuration.
func DefaultConfig() Config {
	return Config{
		PollInterval:    2 * time.Second,
		MaxPollInterval: 30 * time.Second,
		MaxAttempts:     60,
		Timeout:         30 * time.Minute,
	}
}

// Barrier waits for all K shard records of a job.
type Barrier struct {
	config Config
	store  *shard.Store
	stats  *observability.JobStats
	bus    *notify.Bus
}

// New creates a barrier over store. stats may be nil.
func New(config Config, store *shard.Store, stats *observability.JobStats) *Barrier {
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultConfig().PollInterval
	}
	if config.MaxPollInterval < config.PollInterval {
		config.MaxPollInterval = config.PollInterval
	}
	if config.MaxAttempts <= 0 && config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	return &Barrier{config: config, store: store, stats: stats}
}

// WithNotifications makes the barrier poll again as soon as the bus reports
// a write for the awaited job. Such early polls do not count against
// MaxAttempts. Storage stays the only source of truth.
func (b *Barrier) WithNotifications(bus *notify.Bus) *Barrier {
	b.bus = bus
	return b
}

// AwaitAll returns shards 0..k-1 of jobID ordered by index once all of
// them are present. If the attempts, the timeout, or ctx run out first it
// fails with an IncompleteShards error listing the missing indices; a
// partial set is never returned.
func (b *Barrier) AwaitAll(ctx context.Context, jobID string, k int) ([]*types.ShardRecord, error) {
	if err := shard.ValidateJobID(jobID); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, qerrors.NewValidationError(qerrors.CodeShapeMismatch,
			fmt.Sprintf("job %s: expected shard count must be positive, got %d", jobID, k)).
			WithDetails(map[string]interface{}{"job_id": jobID, "expected": k})
	}

	if b.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.config.Timeout)
		defer cancel()
	}

	start := time.Now()
	missing, err := b.wait(ctx, jobID, k)
	if err != nil {
		observability.ObserveBarrierWait("error", time.Since(start))
		return nil, err
	}
	if len(missing) > 0 {
		observability.ObserveBarrierWait("incomplete", time.Since(start))
		incomplete := qerrors.NewIncompleteShards(jobID, k, missing)
		incomplete.Cause = ctx.Err()
		log.Printf("barrier: job %s: giving up with %d of %d shards missing: %v",
			jobID, len(missing), k, missing)
		return nil, incomplete
	}

	records, err := b.store.GetAll(ctx, jobID, k)
	if err != nil {
		observability.ObserveBarrierWait("error", time.Since(start))
		return nil, err
	}
	observability.ObserveBarrierWait("complete", time.Since(start))
	return records, nil
}

// Missing performs a single poll and returns the indices in [0, k) not yet
// present.
func (b *Barrier) Missing(ctx context.Context, jobID string, k int) ([]int, error) {
	present, err := b.store.Present(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return missingIndices(present, k), nil
}

// wait polls until no index is missing or the poll budget is spent. It
// returns the missing indices of the last successful poll.
func (b *Barrier) wait(ctx context.Context, jobID string, k int) ([]int, error) {
	missing := allIndices(k)
	interval := b.config.PollInterval

	var events <-chan notify.Event
	if b.bus != nil {
		sub := b.bus.Subscribe(jobID)
		defer b.bus.Unsubscribe(sub)
		events = sub.C
	}

	for attempt := 1; ; {
		current, err := b.Missing(ctx, jobID, k)
		switch {
		case err == nil:
			missing = current
			b.recordPoll(jobID, k, missing)
		case qerrors.IsRetryable(err):
			observability.RecordBarrierPoll("error")
			log.Printf("barrier: job %s: poll %d failed, retrying: %v", jobID, attempt, err)
		default:
			observability.RecordBarrierPoll("error")
			return nil, err
		}

		if err == nil && len(missing) == 0 {
			return nil, nil
		}
		if b.config.MaxAttempts > 0 && attempt >= b.config.MaxAttempts {
			return missing, nil
		}

		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return missing, nil
		case <-events:
			timer.Stop()
			continue
		case <-timer.C:
		}

		attempt++
		interval *= 2
		if interval > b.config.MaxPollInterval {
			interval = b.config.MaxPollInterval
		}
	}
}

func (b *Barrier) recordPoll(jobID string, k int, missing []int) {
	if len(missing) == 0 {
		observability.RecordBarrierPoll("complete")
	} else {
		observability.RecordBarrierPoll("incomplete")
	}
	if b.stats != nil {
		b.stats.RecordPoll(jobID, k, missing)
	}
}

// missingIndices returns the indices of [0, k) absent from present.
// Indices outside the range are ignored.
func missingIndices(present []int, k int) []int {
	seen := make([]bool, k)
	for _, idx := range present {
		if idx >= 0 && idx < k {
			seen[idx] = true
		}
	}
	var missing []int
	for i, ok := range seen {
		if !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

func allIndices(k int) []int {
	out := make([]int, k)
	for i := range out {
		out[i] = i
	}
	return out
}
