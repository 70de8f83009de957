// Package retry implements bounded exponential backoff with deterministic
// jitter. The orchestrator uses it to ride out transient store failures;
// jitter is a PRF of the operation seed and attempt index, so a given
// operation always sees the same retry schedule and batch runs stay
// reproducible.
package retry

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// Policy bounds a retry loop.
type Policy struct {
	BaseDelay   time.Duration // delay before the first retry
	MaxDelay    time.Duration // cap for the exponential term
	MaxJitter   time.Duration // jitter ceiling, 0 disables
	MaxAttempts int           // total tries including the first
}

// DefaultPolicy suits store opens: five tries over roughly four seconds.
func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    2 * time.Second,
		MaxJitter:   50 * time.Millisecond,
		MaxAttempts: 5,
	}
}

// Delay returns the wait before retry number attempt (0-based: the wait
// after the first failure is Delay(seed, 0)).
func (p Policy) Delay(seed string, attempt int) time.Duration {
	factor := int64(1)
	if attempt > 0 {
		if attempt > 30 {
			// cap the exponent to avoid overflow
			factor = 1 << 30
		} else {
			factor = 1 << attempt
		}
	}
	d := time.Duration(factor) * p.BaseDelay
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d + p.jitter(seed, attempt)
}

func (p Policy) jitter(seed string, attempt int) time.Duration {
	if p.MaxJitter <= 0 {
		return 0
	}
	h := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", seed, attempt)))
	basis := binary.BigEndian.Uint64(h[:8])
	return time.Duration(basis % uint64(p.MaxJitter))
}

// Do runs fn until it succeeds, the policy is exhausted, or ctx ends.
// retryable filters which errors earn another try; nil retries everything.
// On exhaustion the last error is returned.
func Do(ctx context.Context, p Policy, seed string, retryable func(error) bool, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		last = fn(ctx)
		if last == nil {
			return nil
		}
		if retryable != nil && !retryable(last) {
			return last
		}
		if i == attempts-1 {
			break
		}
		t := time.NewTimer(p.Delay(seed, i))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	return last
}
