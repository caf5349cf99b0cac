// Package retry runs an external call under a bounded exponential backoff
// policy. Each external call type gets its own Policy; the policy is
// independent of how cycles are scheduled.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy bounds the attempts made for one call
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Jitter is the randomization factor in [0,1) applied to each delay
	Jitter float64
}

// Classifier reports whether an error is worth retrying
type Classifier func(error) bool

// Always retries every error
func Always(error) bool { return true }

// Never treats every error as permanent
func Never(error) bool { return false }

// Default returns the policy used when none is configured
func Default() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
		Jitter:      0.3,
	}
}

func (p Policy) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	return b
}

// Do calls op until it succeeds, returns a non-retryable error, the attempts
// are exhausted, or ctx is done. It returns the number of attempts made and
// the last error.
func (p Policy) Do(ctx context.Context, retryable Classifier, op func(context.Context) error) (int, error) {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if retryable == nil {
		retryable = Always
	}

	attempts := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempts++
		err := op(ctx)
		if err != nil && !retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxTries(uint(p.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
	)
	return attempts, err
}
