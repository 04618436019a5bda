// Package retry implements the bounded-retry-with-backoff policy shared by every
// remote call in the pipeline.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"
)

// ErrRetriesExhausted is matched by errors.Is on the terminal error of Do.
var ErrRetriesExhausted = errors.New("retries exhausted")

const (
	minJitter = 0.85
	maxJitter = 1.15
)

// Observer is called before every wait with the attempt that just failed.
type Observer func(attempt int, lastErr error, nextDelay time.Duration)

// Policy is a bounded retry executor with jittered exponential backoff.
type Policy struct {
	// MaxRetries counts retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Observer     Observer

	// Sleep and Jitter are swapped out in tests.
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() float64
}

// DefaultPolicy returns the pipeline defaults: 3 retries, 1s initial, 60s cap.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
	}
}

// ExhaustedError is the terminal error returned once all attempts failed.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%v after %d attempts: %v", ErrRetriesExhausted, e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrRetriesExhausted, e.Err} }

// RateLimitError signals a "too many requests" response. A positive RetryAfter
// replaces the computed backoff for the next wait.
type RateLimitError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("rate limited: %v", e.Err)
}

func (e *RateLimitError) Unwrap() error { return e.Err }

// permanentError stops retrying immediately.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Delay returns the backoff before retry number attempt (0-based), jittered and capped.
func (p Policy) Delay(attempt int, jitter float64) time.Duration {
	d := math.Ldexp(float64(p.InitialDelay), attempt) * jitter
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	// Uncapped policies can overflow to +Inf after enough attempts.
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Do runs op until it succeeds, returns a permanent error, or retries run out.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	_, err := Value(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}

// Value is Do for operations that produce a result.
func Value[T any](ctx context.Context, p Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = func() float64 { return minJitter + rand.Float64()*(maxJitter-minJitter) }
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		var perm *permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		if attempt >= p.MaxRetries {
			return zero, &ExhaustedError{Attempts: attempt + 1, Err: lastErr}
		}

		delay := p.Delay(attempt, jitter())
		var rl *RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			delay = rl.RetryAfter
		}

		if p.Observer != nil {
			p.Observer(attempt+1, err, delay)
		} else {
			slog.Info("Operation failed, will retry.", "attempt", attempt+1, "maxRetries", p.MaxRetries, "backoff", delay.String(), "error", err)
		}

		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("retry aborted during backoff: %w", err)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
