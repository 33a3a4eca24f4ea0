// Coinflow - Financial Account Aggregation and Real-Time Event Streaming
// Copyright 2026 Coinflow Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/coinflow/coinflow

package syncer

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy is an immutable description of exponential backoff: how many
// attempts to make, how delays grow, and where they cap. Policies are plain
// values; callers needing different behavior construct a different policy
// rather than mutating shared state.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// Jitter is the fraction of each delay randomized away, in [0, 1].
	// Keeps retries from synchronizing across schedules.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used between failed sync attempts
// within one tick.
func DefaultRetryPolicy(base, max time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		BaseDelay:   base,
		MaxDelay:    max,
		Jitter:      0.2,
	}
}

// Delay returns the backoff before the given attempt (0-based). Attempt 0
// has no delay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt <= 0 {
		return 0
	}
	d := p.BaseDelay << (attempt - 1)
	if d > p.MaxDelay || d <= 0 {
		d = p.MaxDelay
	}
	if p.Jitter > 0 {
		spread := float64(d) * p.Jitter
		d = time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
	}
	return d
}

// Do runs op up to MaxAttempts times, sleeping the policy's delay between
// attempts. retryable decides which errors are worth another attempt;
// non-retryable errors and context cancellation return immediately.
func (p RetryPolicy) Do(ctx context.Context, retryable func(error) bool, op func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if delay := p.Delay(attempt); delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = op(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
	}
	return err
}
