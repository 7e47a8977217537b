// Package pollutil implements the cooperative polling loops the Orchestrator
// needs, plus a retry-once helper, replacing the ad hoc time.Sleep loops the original
// shell commands (see shell/commands/poll) used with a documented,
// cancellable backoff schedule.
package pollutil

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule describes a fixed polling cadence: up to MaxAttempts calls to the
// predicate, waiting Delay(attempt) between each. attempt is 1-indexed for
// the delay preceding the 2nd..Nth attempt.
type Schedule struct {
	MaxAttempts int
	Delay       func(attempt int) time.Duration
}

// Constant returns a Schedule that waits a fixed interval between every
// attempt, used by the finalize-readiness and authorization polls (§4.4).
func Constant(maxAttempts int, interval time.Duration) Schedule {
	return Schedule{
		MaxAttempts: maxAttempts,
		Delay:       func(int) time.Duration { return interval },
	}
}

// ChallengeSchedule returns the Order Orchestrator's challenge-status poll
// schedule: up to 10 attempts with an increasing delay of
// 1000 + ((11 - remaining) * 500) ms.
func ChallengeSchedule() Schedule {
	const maxAttempts = 10
	return Schedule{
		MaxAttempts: maxAttempts,
		Delay: func(attempt int) time.Duration {
			remaining := maxAttempts - attempt + 1
			ms := 1000 + ((11 - remaining) * 500)
			return time.Duration(ms) * time.Millisecond
		},
	}
}

type errExhausted struct{}

func (errExhausted) Error() string { return "pollutil: polling attempts exhausted" }

// ErrExhausted is returned by Poll when the schedule's attempt budget is
// spent without the predicate ever returning done=true.
var ErrExhausted error = errExhausted{}

// Predicate is evaluated once per attempt. It returns done=true once the
// awaited condition holds. A non-nil error aborts polling immediately
// (it is not treated as "not yet done").
type Predicate func(ctx context.Context, attempt int) (done bool, err error)

// Poll evaluates pred up to sched.MaxAttempts times, sleeping sched.Delay
// between attempts (but not after the final attempt), stopping early if ctx
// is canceled. It returns nil once pred reports done, the predicate's error
// if one occurs, or ErrExhausted if the attempt budget runs out.
func Poll(ctx context.Context, sched Schedule, pred Predicate) error {
	for attempt := 1; attempt <= sched.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := pred(ctx, attempt)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if attempt == sched.MaxAttempts {
			break
		}

		delay := sched.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return ErrExhausted
}

// RetryOnce runs op, and if it fails with a retryable error (as reported by
// retryable), refreshes whatever state op depends on via refresh and runs op
// a second and final time, using backoff/v4's WithMaxRetries. The
// Transport's badNonce retry in Post is written inline and does not call
// RetryOnce.
func RetryOnce(ctx context.Context, refresh func() error, op func() error, retryable func(error) bool) error {
	var attempts int
	wrapped := func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if attempts >= 2 || !retryable(err) {
			return backoff.Permanent(err)
		}
		if rErr := refresh(); rErr != nil {
			return backoff.Permanent(rErr)
		}
		return err
	}

	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(0), 1)
	return backoff.Retry(wrapped, backoff.WithContext(b, ctx))
}
