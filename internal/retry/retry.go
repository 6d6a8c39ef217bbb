// Package retry wraps sink operations in the exponential-backoff policy.
// Only transient failures are retried; everything else surfaces on the
// first attempt. Transient failures that outlive the attempt cap escalate
// to terminal so the caller routes them to the DLQ.
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/tributary-io/tributary/internal/types"
)

// Policy holds the backoff knobs. Delay for attempt n (1-based) is
// min(MaxDelay, BaseDelay · Multiplier^(n-1)) · (1 + U[0, JitterFrac]).
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	JitterFrac  float64
}

// DefaultPolicy matches the documented defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 5,
		BaseDelay:   100 * time.Millisecond,
		Multiplier:  2.0,
		MaxDelay:    30 * time.Second,
		JitterFrac:  0.25,
	}
}

// Do runs op under the policy. It returns the number of attempts made and
// the final error, nil on success. Non-transient errors are returned
// as-is after one attempt; transient errors that exhaust MaxAttempts come
// back wrapped as terminal with reason "retries-exhausted".
func (p Policy) Do(ctx context.Context, op func() error) (int, error) {
	attempts := 0
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if types.CategoryOf(err) != types.CategoryTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(p.backOff(), uint64(p.MaxAttempts-1)), ctx)
	err := backoff.Retry(wrapped, bo)
	if err == nil {
		return attempts, nil
	}
	// A run cut short by context cancellation is abandonment, not
	// exhaustion; escalating would send replayable work to the DLQ.
	if ctx.Err() == nil && attempts >= p.MaxAttempts && types.CategoryOf(err) == types.CategoryTransient {
		err = &types.CategorizedError{
			Category: types.CategoryTerminal,
			Reason:   "retries-exhausted",
			Err:      err,
		}
	}
	return attempts, err
}

func (p Policy) backOff() backoff.BackOff { return &policyBackOff{p: p} }

// policyBackOff implements backoff.BackOff with the documented formula.
// The library's ExponentialBackOff jitters symmetrically around the mean;
// this policy only ever stretches the delay.
type policyBackOff struct {
	p Policy
	n int
}

func (b *policyBackOff) Reset() { b.n = 0 }

func (b *policyBackOff) NextBackOff() time.Duration {
	b.n++
	d := float64(b.p.BaseDelay) * math.Pow(b.p.Multiplier, float64(b.n-1))
	if max := float64(b.p.MaxDelay); d > max {
		d = max
	}
	d *= 1 + rand.Float64()*b.p.JitterFrac
	return time.Duration(d)
}
