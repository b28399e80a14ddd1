package observability

import (
	"sort"
	"sync"
	"time"
)

// JobStats tracks barrier and reduction progress per job so operators can
// see which shards a job is still waiting on.
type JobStats struct {
	mu     sync.RWMutex
	jobs   map[string]*JobProgress
	window time.Duration
}

// JobProgress is the last observed state of one job.
type JobProgress struct {
	JobID      string
	Expected   int
	Present    int
	Missing    []int
	Polls      int64
	Reduced    bool
	Degenerate int
	MaxImag    float64
	LastSeen   time.Time
}

// NewJobStats creates a new job progress tracker.
// window: entries not touched for this long are dropped by Prune
func NewJobStats(window time.Duration) *JobStats {
	return &JobStats{
		jobs:   make(map[string]*JobProgress),
		window: window,
	}
}

// RecordPoll stores the outcome of one barrier poll.
func (s *JobStats) RecordPoll(jobID string, expected int, missing []int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entry(jobID)
	p.Expected = expected
	p.Present = expected - len(missing)
	p.Missing = append([]int(nil), missing...)
	p.Polls++
	p.LastSeen = time.Now()
}

// RecordReduced marks jobID as reduced.
func (s *JobStats) RecordReduced(jobID string, degenerate int, maxImag float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := s.entry(jobID)
	p.Reduced = true
	p.Degenerate = degenerate
	p.MaxImag = maxImag
	p.LastSeen = time.Now()
}

// entry returns the progress record for jobID (must be called with lock held).
func (s *JobStats) entry(jobID string) *JobProgress {
	p, ok := s.jobs[jobID]
	if !ok {
		p = &JobProgress{JobID: jobID}
		s.jobs[jobID] = p
	}
	return p
}

// Get returns a copy of the progress of jobID.
func (s *JobStats) Get(jobID string) (JobProgress, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.jobs[jobID]
	if !ok {
		return JobProgress{}, false
	}
	cp := *p
	cp.Missing = append([]int(nil), p.Missing...)
	return cp, true
}

// Pending returns copies of all jobs not yet reduced, oldest first.
func (s *JobStats) Pending() []JobProgress {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]JobProgress, 0, len(s.jobs))
	for _, p := range s.jobs {
		if p.Reduced {
			continue
		}
		cp := *p
		cp.Missing = append([]int(nil), p.Missing...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastSeen.Before(out[j].LastSeen)
	})
	return out
}

// Prune removes entries where time.Since(LastSeen) > window.
func (s *JobStats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.window)
	for id, p := range s.jobs {
		if p.LastSeen.Before(threshold) {
			delete(s.jobs, id)
		}
	}
}
