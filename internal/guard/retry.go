package guard

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry policy defaults.
const (
	DefaultMaxAttempts = 5
	DefaultRetryStep   = 100 * time.Millisecond
)

// linearBackOff waits attempt*step before each retry.
type linearBackOff struct {
	step    time.Duration
	attempt int
}

var _ backoff.BackOff = (*linearBackOff)(nil)

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return time.Duration(b.attempt) * b.step
}

func (b *linearBackOff) Reset() {
	b.attempt = 0
}

// RetryPolicy is the bounded linear retry used for connection acquisition
// and overloaded writes.
type RetryPolicy struct {
	MaxAttempts int
	Step        time.Duration
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.Step <= 0 {
		p.Step = DefaultRetryStep
	}
	return p
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOff {
	p = p.withDefaults()
	b := backoff.WithMaxRetries(&linearBackOff{step: p.Step}, uint64(p.MaxAttempts-1))
	return backoff.WithContext(b, ctx)
}

// do runs fn until it succeeds, fails with an error retryable rejects, or
// the attempt ceiling is reached. It returns the number of attempts made
// and the last error.
func (p RetryPolicy) do(ctx context.Context, retryable func(error) bool, fn func() error, notify func(err error, wait time.Duration)) (int, error) {
	attempts := 0
	op := func() error {
		attempts++
		err := fn()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), notify)
	return attempts, err
}
