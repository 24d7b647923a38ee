// Package retry implements the executor's retry-policy contract: bounded
// attempts with fixed or per-attempt delays, and a shouldRetry classifier
// that can be narrowed with a whitelist, a blacklist, or a predicate.
//
// Results are modeled as explicit outcomes rather than exceptions-for-control
// -flow: Execute returns either a nil error (success) or the last error after
// attempts are exhausted; cancellation and timeout are surfaced through
// context.Context and classified by the caller.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrConflictingFilters is returned when both a whitelist and a blacklist are
// configured on the same Policy; the two are mutually exclusive.
var ErrConflictingFilters = errors.New("retry: whitelist and blacklist are mutually exclusive")

// OnRetryFunc is invoked between attempts, never before the first; attempt
// numbers are 1-based. Panics/errors from this callback are the caller's
// responsibility to guard — Execute does not call it under recover().
type OnRetryFunc func(attempt int, err error, delay time.Duration)

// Policy describes how many times, and with what spacing, a failed action
// should be retried.
type Policy struct {
	// MaxAttempts is the total number of attempts including the first,
	// minimum 1.
	MaxAttempts int
	// Delays holds one entry per retry (i.e. len(Delays) == MaxAttempts-1
	// ideally); the last entry is reused if the slice is shorter. A nil or
	// empty Delays means "retry immediately".
	Delays []time.Duration

	// Whitelist, if non-empty, retries only errors matching one of these via
	// errors.Is.
	Whitelist []error
	// Blacklist, if non-empty, retries all errors except these.
	Blacklist []error
	// ShouldRetry, if set, overrides Whitelist/Blacklist entirely.
	ShouldRetry func(err error) bool
}

// Linear builds a policy with n total attempts, each subsequent attempt
// delayed by d (the teacher's "linear retry with N attempts and delay(s)").
func Linear(attempts int, delay time.Duration) Policy {
	if attempts < 1 {
		attempts = 1
	}
	return Policy{MaxAttempts: attempts, Delays: []time.Duration{delay}}
}

// Validate enforces the mutual exclusion of Whitelist and Blacklist.
func (p Policy) Validate() error {
	if len(p.Whitelist) > 0 && len(p.Blacklist) > 0 {
		return ErrConflictingFilters
	}
	return nil
}

// ErrTimedOut and ErrCancelled are the two error kinds that, absent an
// explicit filter, are never retried.
var (
	ErrTimedOut  = errors.New("retry: timed out")
	ErrCancelled = errors.New("retry: cancelled")
)

func (p Policy) retryable(err error) bool {
	if p.ShouldRetry != nil {
		return p.ShouldRetry(err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrTimedOut) || errors.Is(err, ErrCancelled) {
		return false
	}
	if len(p.Whitelist) > 0 {
		for _, candidate := range p.Whitelist {
			if errors.Is(err, candidate) {
				return true
			}
		}
		return false
	}
	if len(p.Blacklist) > 0 {
		for _, candidate := range p.Blacklist {
			if errors.Is(err, candidate) {
				return false
			}
		}
		return true
	}
	return true
}

func (p Policy) delayFor(attemptIndex int) time.Duration {
	if len(p.Delays) == 0 {
		return 0
	}
	if attemptIndex < len(p.Delays) {
		return p.Delays[attemptIndex]
	}
	return p.Delays[len(p.Delays)-1]
}

// Execute runs action up to MaxAttempts times. onRetry fires between
// attempts (never before the first), with 1-based attempt numbers. The
// passed-in context is checked before sleeping between attempts so
// cancellation interrupts the backoff immediately.
func (p Policy) Execute(ctx context.Context, action func(ctx context.Context) error, onRetry OnRetryFunc) error {
	if err := p.Validate(); err != nil {
		return err
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		lastErr = action(ctx)
		if lastErr == nil {
			return nil
		}
		if attempt == maxAttempts || !p.retryable(lastErr) {
			return lastErr
		}

		delay := p.delayFor(attempt - 1)
		if onRetry != nil {
			onRetry(attempt, lastErr, delay)
		}

		if delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
			case <-timer.C:
			}
		} else if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		}
	}
	return lastErr
}
