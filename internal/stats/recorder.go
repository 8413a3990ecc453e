// Package stats accumulates per-operation latencies and summarizes them.
package stats

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/p-arndt/sandpress/internal/lifecycle"
)

// Snapshot summarizes the successful samples of one kind at a point in time.
// Percentiles use the nearest-rank method: the value at rank ceil(p/100*n).
type Snapshot struct {
	Kind     lifecycle.Kind
	Attempts int
	Failures int
	Count    int
	Min      time.Duration
	Max      time.Duration
	Avg      time.Duration
	Median   time.Duration
	P90      time.Duration
	P95      time.Duration
	P99      time.Duration
}

// SuccessRate returns the share of attempts that succeeded, in percent.
func (s Snapshot) SuccessRate() float64 {
	if s.Attempts == 0 {
		return 0
	}
	return float64(s.Attempts-s.Failures) / float64(s.Attempts) * 100
}

type series struct {
	samples  []time.Duration
	attempts int
	failures int
}

// Recorder is safe for concurrent use.
type Recorder struct {
	mu    sync.Mutex
	kinds map[lifecycle.Kind]*series
}

func NewRecorder() *Recorder {
	return &Recorder{kinds: make(map[lifecycle.Kind]*series)}
}

// Record adds one attempt. Successful calls contribute their duration to the
// percentile input. A successful call with a negative duration is an invalid
// measurement and is ignored.
func (r *Recorder) Record(kind lifecycle.Kind, d time.Duration, success bool) {
	if success && d < 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.kinds[kind]
	if !ok {
		s = &series{}
		r.kinds[kind] = s
	}
	s.attempts++
	if !success {
		s.failures++
		return
	}
	s.samples = append(s.samples, d)
}

// Observe records an outcome.
func (r *Recorder) Observe(o lifecycle.Outcome) {
	r.Record(o.Kind, o.Duration, o.Success)
}

// Snapshot computes the summary for kind. All fields are zero when nothing
// was recorded.
func (r *Recorder) Snapshot(kind lifecycle.Kind) Snapshot {
	snap := Snapshot{Kind: kind}

	r.mu.Lock()
	s, ok := r.kinds[kind]
	if !ok {
		r.mu.Unlock()
		return snap
	}
	snap.Attempts = s.attempts
	snap.Failures = s.failures
	samples := slices.Clone(s.samples)
	r.mu.Unlock()

	if len(samples) == 0 {
		return snap
	}
	slices.Sort(samples)

	var total time.Duration
	for _, d := range samples {
		total += d
	}
	snap.Count = len(samples)
	snap.Min = samples[0]
	snap.Max = samples[len(samples)-1]
	snap.Avg = total / time.Duration(len(samples))
	snap.Median = Percentile(samples, 50)
	snap.P90 = Percentile(samples, 90)
	snap.P95 = Percentile(samples, 95)
	snap.P99 = Percentile(samples, 99)
	return snap
}

// Percentile returns the nearest-rank percentile of sorted.
func Percentile(sorted []time.Duration, p float64) time.Duration {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(n))) - 1
	idx = max(idx, 0)
	idx = min(idx, n-1)
	return sorted[idx]
}
