// Package transfer moves asset bytes between the source, local staging and
// the destination under bounded concurrency and a retry policy.
package transfer

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/your-org/mediamigrate/pkg/metrics"
)

// Limiter admits at most Size operations at a time.
type Limiter struct {
	op      string
	size    int
	sem     *semaphore.Weighted
	active  atomic.Int64
	metrics *metrics.Metrics
}

// NewLimiter returns a limiter for op with size permits. A non-positive size is treated as 1.
func NewLimiter(op string, size int, m *metrics.Metrics) *Limiter {
	if size <= 0 {
		size = 1
	}
	return &Limiter{op: op, size: size, sem: semaphore.NewWeighted(int64(size)), metrics: m}
}

// Do runs fn while holding a permit. It returns ctx's error if no permit
// becomes available before ctx is done.
func (l *Limiter) Do(ctx context.Context, fn func() error) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	l.active.Add(1)
	l.metrics.Acquired(l.op)
	defer func() {
		l.active.Add(-1)
		l.metrics.Released(l.op)
		l.sem.Release(1)
	}()
	return fn()
}

// Active is the number of permits currently held.
func (l *Limiter) Active() int { return int(l.active.Load()) }

// Size is the permit count.
func (l *Limiter) Size() int { return l.size }
