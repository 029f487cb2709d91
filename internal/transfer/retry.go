package transfer

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/your-org/mediamigrate/internal/redact"
	"github.com/your-org/mediamigrate/pkg/storage/objectstore"
)

const (
	DefaultAttempts  = 3
	DefaultBaseDelay = 2 * time.Second
)

// RetryPolicy retries an operation with linearly increasing delays:
// BaseDelay after the first failure, 2×BaseDelay after the second, and so on.
type RetryPolicy struct {
	Attempts  int
	BaseDelay time.Duration
	// Jitter adds up to 20% of the computed delay.
	Jitter bool
}

func (p RetryPolicy) attempts() int {
	if p.Attempts <= 0 {
		return DefaultAttempts
	}
	return p.Attempts
}

// Run calls op until it succeeds, fails terminally, or the attempt budget is
// spent. It returns the number of attempts made and the last error op returned.
func (p RetryPolicy) Run(ctx context.Context, logger *zap.Logger, op func(ctx context.Context, attempt int) error) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	attempts := 0
	var last error
	operation := func() (struct{}, error) {
		attempts++
		err := op(ctx, attempts)
		if err == nil {
			return struct{}{}, nil
		}
		last = err
		if !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(&linearBackOff{base: p.BaseDelay, jitter: p.Jitter}),
		backoff.WithMaxTries(uint(p.attempts())),
		// The attempt count is the only budget; queueing and slow attempts must not shorten it.
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Debug("retrying after failure",
				zap.Int("attempt", attempts),
				zap.Duration("backoff", next),
				redact.Error(err))
		}),
	)
	if err == nil {
		return attempts, nil
	}
	if last == nil {
		last = err
	}
	return attempts, last
}

// linearBackOff yields base, 2×base, 3×base...
type linearBackOff struct {
	base   time.Duration
	jitter bool
	n      int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	d := b.base * time.Duration(b.n)
	if b.jitter && d > 0 {
		d += time.Duration(rand.Int64N(int64(d)/5 + 1))
	}
	return d
}

func (b *linearBackOff) Reset() { b.n = 0 }

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal marks err as not worth retrying.
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Retryable classifies err. Explicitly terminal errors, cancellation and
// 4xx-equivalent statuses other than 408 and 429 are terminal; 5xx statuses,
// timeouts and transport failures are retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var term *terminalError
	if errors.As(err, &term) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var sc objectstore.StatusCoder
	if errors.As(err, &sc) {
		return retryableStatus(sc.StatusCode())
	}
	// Deadlines, net.Error and anything else unclassified count as transport failures.
	return true
}

func retryableStatus(code int) bool {
	switch {
	case code == 0:
		return true
	case code == 408, code == 429:
		return true
	case code >= 400 && code < 500:
		return false
	default:
		return code >= 500
	}
}
