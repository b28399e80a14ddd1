// Package sweep runs the background reduction loop: jobs registered in the
// catalog are reduced once every shard has landed, and reduced jobs are
// dropped from the catalog after their retention window.
package sweep

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/internal/manifest"
	"github.com/shadowqmc/shadowqmc/internal/observability"
	"github.com/shadowqmc/shadowqmc/internal/pipeline"
	"github.com/shadowqmc/shadowqmc/internal/shard"
)

// Config holds configuration for the sweep daemon.
type Config struct {
	// Interval is how often pending jobs are checked (default: 1m).
	Interval time.Duration

	// Retention is how long reduced jobs stay in the catalog (default: 7d).
	// Zero or negative disables expiry.
	Retention time.Duration
}

// DefaultConfig returns the default sweep configuration.
func DefaultConfig() Config {
	return Config{
		Interval:  time.Minute,
		Retention: 7 * 24 * time.Hour,
	}
}

// Tracker marks background work as in flight so shutdown can drain it.
type Tracker interface {
	Begin() (func(), error)
}

// Report summarizes one sweep cycle.
type Report struct {
	Reduced []string
	Waiting []string
	Healed  []string
	Failed  []string
	Expired []string
}

// Daemon reduces pending jobs in the background.
type Daemon struct {
	config   Config
	pipeline *pipeline.Pipeline
	catalog  manifest.Catalog
	stats    *observability.JobStats
	tracker  Tracker

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDaemon creates a sweep daemon. stats and tracker may be nil.
func NewDaemon(config Config, p *pipeline.Pipeline, catalog manifest.Catalog, stats *observability.JobStats, tracker Tracker) *Daemon {
	if config.Interval <= 0 {
		config.Interval = DefaultConfig().Interval
	}
	return &Daemon{
		config:   config,
		pipeline: p,
		catalog:  catalog,
		stats:    stats,
		tracker:  tracker,
	}
}

// Start begins the sweep loop. It runs until the context is cancelled or Stop is called.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("sweep: daemon is already running")
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.done = make(chan struct{})

	go d.run(ctx)
	return nil
}

// Stop stops the loop and waits for the current cycle to finish.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.running {
		return nil
	}
	d.cancel()
	<-d.done
	d.running = false
	return nil
}

// Close implements io.Closer for registration with the shutdown manager.
func (d *Daemon) Close() error {
	return d.Stop()
}

func (d *Daemon) run(ctx context.Context) {
	defer close(d.done)

	d.RunOnce(ctx)

	ticker := time.NewTicker(d.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep cycle.
func (d *Daemon) RunOnce(ctx context.Context) *Report {
	report := &Report{}
	if ctx.Err() != nil {
		return report
	}

	jobs, err := d.catalog.ListPendingJobs(ctx)
	if err != nil {
		log.Printf("sweep: failed to list pending jobs: %v", err)
		return report
	}

	for _, job := range jobs {
		if ctx.Err() != nil {
			return report
		}
		d.sweepJob(ctx, job, report)
	}

	if d.config.Retention > 0 {
		expired, err := d.catalog.DeleteExpired(ctx, d.config.Retention)
		if err != nil {
			log.Printf("sweep: failed to expire reduced jobs: %v", err)
		}
		report.Expired = expired
	}
	if d.stats != nil {
		d.stats.Prune()
	}

	if len(report.Reduced)+len(report.Failed)+len(report.Healed) > 0 {
		log.Printf("sweep: reduced=%d healed=%d failed=%d waiting=%d expired=%d",
			len(report.Reduced), len(report.Healed), len(report.Failed), len(report.Waiting), len(report.Expired))
	}
	return report
}

// sweepJob reduces job if all of its shards are present. It never waits on
// the barrier: a job with missing shards is left for the next cycle.
func (d *Daemon) sweepJob(ctx context.Context, job *manifest.JobRecord, report *Report) {
	if d.tracker != nil {
		done, err := d.tracker.Begin()
		if err != nil {
			return
		}
		defer done()
	}

	status, err := d.pipeline.Status(ctx, job.JobID, job.ExpectedShards)
	if err != nil {
		log.Printf("sweep: job %s status failed: %v", job.JobID, err)
		report.Failed = append(report.Failed, job.JobID)
		return
	}

	// Aggregate written by another reducer whose catalog update was lost.
	if status.Reduced {
		if err := d.catalog.MarkReduced(ctx, job.JobID, shard.AggregateKey(job.JobID)); err != nil {
			log.Printf("sweep: job %s has an aggregate but marking failed: %v", job.JobID, err)
			report.Failed = append(report.Failed, job.JobID)
			return
		}
		report.Healed = append(report.Healed, job.JobID)
		return
	}

	if len(status.Missing) > 0 {
		report.Waiting = append(report.Waiting, job.JobID)
		return
	}

	if _, _, err := d.pipeline.Reduce(ctx, job.JobID, job.ExpectedShards); err != nil {
		if qerrors.GetCode(err) == qerrors.CodeAggregateExists {
			report.Healed = append(report.Healed, job.JobID)
			return
		}
		log.Printf("sweep: job %s reduction failed: %v", job.JobID, err)
		report.Failed = append(report.Failed, job.JobID)
		return
	}
	report.Reduced = append(report.Reduced, job.JobID)
}
