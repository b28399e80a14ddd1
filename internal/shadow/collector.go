package shadow

import (
	"context"
	"fmt"
	"log"
	"math/rand/v2"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/shadowqmc/shadowqmc/internal/basis"
	qerrors "github.com/shadowqmc/shadowqmc/internal/errors"
	"github.com/shadowqmc/shadowqmc/pkg/types"
)

// MeasurementBackend executes the trial-state circuit rotated into basis
// and returns bitstring counts over shots repetitions.
type MeasurementBackend interface {
	Measure(ctx context.Context, basis types.CompactEncoding, shots int) (map[string]int, error)
}

// CollectorConfig holds configuration for shadow collection.
type CollectorConfig struct {
	// Qubits is the register width; bases are 2*Qubits wide (default: 4)
	Qubits int

	// Shots is the number of repetitions per basis
	Shots int

	// Concurrency bounds in-flight Measure calls (default: 4)
	Concurrency int
}

// DefaultCollectorConfig returns the default collector configuration.
func DefaultCollectorConfig() CollectorConfig {
	return CollectorConfig{Qubits: 4, Shots: 100, Concurrency: 4}
}

// Collector samples random bases and measures the trial state in each.
type Collector struct {
	config  CollectorConfig
	backend MeasurementBackend
}

// NewCollector creates a collector over backend.
func NewCollector(config CollectorConfig, backend MeasurementBackend) *Collector {
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultCollectorConfig().Concurrency
	}
	return &Collector{config: config, backend: backend}
}

// Collect draws size bases from rng and measures each one. Bases are drawn
// up front in order, so the bundle is reproducible from the seed whatever
// order the measurements finish in.
func (c *Collector) Collect(ctx context.Context, rng *rand.Rand, size int) (*Bundle, error) {
	if c.config.Qubits < 1 || c.config.Shots < 1 || size < 1 {
		return nil, fmt.Errorf("shadow: qubits, shots and size must be positive (got %d, %d, %d)",
			c.config.Qubits, c.config.Shots, size)
	}

	bundle := &Bundle{
		Output: make([]map[string]int, size),
		Bases:  make([]types.CompactEncoding, size),
	}
	for i := range bundle.Bases {
		bundle.Bases[i] = basis.SampleEncoding(rng, 2*c.config.Qubits)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.config.Concurrency)
	for i := range bundle.Bases {
		g.Go(func() error {
			counts, err := c.backend.Measure(gctx, bundle.Bases[i], c.config.Shots)
			if err != nil {
				return fmt.Errorf("shadow: measure basis %d: %w", i, err)
			}
			if err := c.validateCounts(counts); err != nil {
				return err.WithDetails(map[string]interface{}{"snapshot": i, "encoding": []int(bundle.Bases[i])})
			}
			bundle.Output[i] = counts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	log.Printf("shadow: collected %d snapshots of %d shots over %d qubits", size, c.config.Shots, c.config.Qubits)
	return bundle, nil
}

// validateCounts checks that counts are non-negative, keyed by bitstrings
// of the register width, and sum to the shot count.
func (c *Collector) validateCounts(counts map[string]int) *qerrors.PipelineError {
	total := 0
	for bits, n := range counts {
		if n < 0 {
			return qerrors.NewValidationError(qerrors.CodeInvalidCounts,
				fmt.Sprintf("negative count %d for %q", n, bits))
		}
		if len(bits) != c.config.Qubits || strings.Trim(bits, "01") != "" {
			return qerrors.NewValidationError(qerrors.CodeInvalidCounts,
				fmt.Sprintf("bitstring %q is not %d binary digits", bits, c.config.Qubits))
		}
		total += n
	}
	if total != c.config.Shots {
		return qerrors.NewValidationError(qerrors.CodeInvalidCounts,
			fmt.Sprintf("counts sum to %d, want %d shots", total, c.config.Shots))
	}
	return nil
}
