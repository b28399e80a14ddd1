// Package observability provides pipeline metrics and per-job progress
// tracking for the barrier, reducer, and worker.
package observability

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/shadowqmc/shadowqmc/pkg/types"
)

var (
	// barrierPolls counts barrier polls by outcome
	// Labels: "complete", "incomplete", "error"
	barrierPolls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowqmc_barrier_polls_total",
		Help: "Barrier polls of the shard store by outcome",
	}, []string{"outcome"})

	barrierWait = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "shadowqmc_barrier_wait_seconds",
		Help:    "Time from barrier start until it passed or gave up",
		Buckets: []float64{0.01, 0.1, 1, 10, 60, 300, 1800},
	}, []string{"result"})

	// reductions counts reducer calls by result code ("ok" on success)
	reductions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowqmc_reductions_total",
		Help: "Weighted energy reductions by result",
	}, []string{"result"})

	degeneratePositions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "shadowqmc_degenerate_positions_total",
		Help: "Walker positions reduced with zero combined weight",
	})

	discardedImag = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "shadowqmc_discarded_imag_max",
		Help:    "Largest normalized imaginary remainder dropped per reduction",
		Buckets: []float64{1e-12, 1e-9, 1e-6, 1e-3, 1e-1, 1},
	})

	shardWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "shadowqmc_shard_writes_total",
		Help: "Shard record writes by result",
	}, []string{"result"})
)

// RecordBarrierPoll counts one poll of the shard store.
func RecordBarrierPoll(outcome string) {
	barrierPolls.WithLabelValues(outcome).Inc()
}

// ObserveBarrierWait records how long a barrier waited.
func ObserveBarrierWait(result string, d time.Duration) {
	barrierWait.WithLabelValues(result).Observe(d.Seconds())
}

// RecordReduction counts one reduction. code is the error code of a failed
// reduction, empty on success.
func RecordReduction(code string, diag *types.ReductionDiagnostics) {
	if code != "" {
		reductions.WithLabelValues(strings.ToLower(code)).Inc()
		return
	}
	reductions.WithLabelValues("ok").Inc()
	if diag == nil {
		return
	}
	degeneratePositions.Add(float64(len(diag.DegeneratePositions)))
	discardedImag.Observe(diag.MaxDiscardedImag)
}

// RecordShardWrite counts one shard record write attempt.
func RecordShardWrite(code string) {
	if code == "" {
		code = "ok"
	}
	shardWrites.WithLabelValues(strings.ToLower(code)).Inc()
}
