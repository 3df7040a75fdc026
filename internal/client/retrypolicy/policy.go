// Package retrypolicy retries transient transfer failures with capped
// exponential backoff.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/attachkit/internal/common"
	"github.com/sethvargo/go-retry"
)

// Defaults.
const (
	DefaultMaxRetries = 2
	DefaultBaseDelay  = 500 * time.Millisecond
	DefaultMaxDelay   = 8 * time.Second
)

// Policy bounds retries of one operation. MaxRetries counts retries, not
// attempts: 2 means at most 3 attempts.
type Policy struct {
	MaxRetries uint64
	BaseDelay  time.Duration
	MaxDelay   time.Duration

	// OnRetry, if set, is called before each backoff wait.
	OnRetry func(attempt int, delay time.Duration, err error)
}

// Default returns the standard policy.
func Default() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// AttemptFunc is one try. attempt starts at 1.
type AttemptFunc func(ctx context.Context, attempt int) error

// Do runs fn until it succeeds, fails with a non-transient error, the
// retry budget is spent, or ctx is done. Only errors matching
// common.ErrTransientNetwork are retried. When the budget is spent the last
// transient error is returned; a ctx cancelled during a wait yields
// common.ErrCancelled.
func (p Policy) Do(ctx context.Context, fn AttemptFunc) error {
	attempt := 0
	var lastErr error

	err := retry.Do(ctx, p.backoff(&attempt, &lastErr), func(ctx context.Context) error {
		attempt++
		err := fn(ctx, attempt)
		lastErr = err
		if common.IsTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})

	if err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) && !errors.Is(err, common.ErrCancelled) {
		return fmt.Errorf("%w: %w", common.ErrCancelled, err)
	}
	return err
}

func (p Policy) backoff(attempt *int, lastErr *error) retry.Backoff {
	base := p.BaseDelay
	if base <= 0 {
		base = DefaultBaseDelay
	}
	maxDelay := p.MaxDelay
	if maxDelay < base {
		maxDelay = base
	}

	b := retry.NewExponential(base)
	b = retry.WithCappedDuration(maxDelay, b)
	b = retry.WithMaxRetries(p.MaxRetries, b)

	if p.OnRetry == nil {
		return b
	}
	return retry.BackoffFunc(func() (time.Duration, bool) {
		d, stop := b.Next()
		if !stop {
			p.OnRetry(*attempt, d, *lastErr)
		}
		return d, stop
	})
}
