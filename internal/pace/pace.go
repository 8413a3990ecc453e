// Package pace throttles a sequential stream of operations to a target
// rate in operations per minute.
package pace

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// Pacer spaces operation starts at least one interval apart. An operation
// that overruns its interval is followed immediately by the next one, but
// missed slots are never made up: the bucket holds a single token.
//
// A Pacer paces one stream. N workers sharing nothing but a target each
// produce the target rate, so the aggregate is N times the target.
type Pacer struct {
	interval time.Duration
	limiter  *rate.Limiter
}

// Interval returns 60s / opsPerMinute, or zero for a non-positive target.
func Interval(opsPerMinute float64) time.Duration {
	if opsPerMinute <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / opsPerMinute)
}

// New returns a Pacer for opsPerMinute. A non-positive target disables pacing.
func New(opsPerMinute float64) *Pacer {
	interval := Interval(opsPerMinute)
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Pacer{interval: interval, limiter: rate.NewLimiter(limit, 1)}
}

func (p *Pacer) Interval() time.Duration {
	return p.interval
}

// Wait blocks until the next operation may start. The first call returns
// immediately.
func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// Run calls fn n times, pacing each start, and stops early when ctx is done.
// It returns the number of calls made.
func (p *Pacer) Run(ctx context.Context, n int, fn func(i int)) int {
	for i := range n {
		if err := p.Wait(ctx); err != nil {
			return i
		}
		fn(i)
	}
	return n
}
