package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"strings"
	"time"
)

// Backoff is an exponential wait schedule
type Backoff struct {
	Initial    time.Duration // wait after the first failed attempt
	Max        time.Duration // cap on any single wait; zero means uncapped
	Multiplier float64       // growth per attempt; values <= 0 mean constant
	Jitter     bool          // add up to 25% random jitter, still capped by Max
}

// Wait returns the pause after the given zero-based failed attempt
func (b Backoff) Wait(attempt int) time.Duration {
	m := b.Multiplier
	if m <= 0 {
		m = 1
	}
	d := time.Duration(float64(b.Initial) * math.Pow(m, float64(attempt)))
	if b.Jitter && d > 0 {
		d += time.Duration(rand.Int63n(int64(d)/4 + 1))
	}
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// IsRetryableError classifies a failed attempt
type IsRetryableError func(error) bool

// RetryConfig controls Retry
type RetryConfig struct {
	MaxAttempts int // total attempts, including the first
	Backoff     Backoff

	// IsRetryable stops retrying when it returns false. Nil retries everything.
	IsRetryable IsRetryableError

	// OnRetry runs before each wait with the 1-based attempt that failed
	OnRetry func(attempt int, err error, wait time.Duration)
}

// DefaultRetryConfig returns three attempts starting at 100ms
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts: 3,
		Backoff: Backoff{
			Initial:    100 * time.Millisecond,
			Max:        5 * time.Second,
			Multiplier: 2,
			Jitter:     true,
		},
	}
}

// Retry calls fn until it succeeds, fails permanently, runs out of attempts
// or ctx ends. The error of the last attempt is returned; ctx.Err() is
// returned only when no attempt ran.
func Retry(ctx context.Context, fn func(ctx context.Context) error, config *RetryConfig) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	res := attempt(ctx, fn, *config)
	if res.last == nil {
		return res.ctxErr
	}
	return res.last
}

type outcome struct {
	last      error // error of the final attempt, nil on success
	ctxErr    error // set when ctx ended before or between attempts
	permanent bool
	attempts  int
}

func attempt(ctx context.Context, fn func(ctx context.Context) error, config RetryConfig) outcome {
	n := max(config.MaxAttempts, 1)

	var res outcome
	for i := 0; i < n; i++ {
		if err := ctx.Err(); err != nil {
			res.ctxErr = err
			return res
		}

		res.attempts++
		err := fn(ctx)
		res.last = err
		if err == nil {
			return res
		}
		if config.IsRetryable != nil && !config.IsRetryable(err) {
			res.permanent = true
			return res
		}
		if i == n-1 {
			break
		}

		wait := config.Backoff.Wait(i)
		if config.OnRetry != nil {
			config.OnRetry(i+1, err, wait)
		}
		if err := sleepContext(ctx, wait); err != nil {
			res.ctxErr = err
			return res
		}
	}
	return res
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var transientMarkers = []string{
	"connection refused",
	"connection reset",
	"connection closed",
	"broken pipe",
	"unavailable",
	"network is unreachable",
	"no route to host",
	"eof",
	"deadline exceeded",
	"timeout",
	"resource exhausted",
	"too many requests",
	"rate limit",
}

// IsRetryableNetworkError reports whether err looks like a transient
// transport or throttling failure
func IsRetryableNetworkError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}

// RetryableError marks a failure that may succeed on another attempt
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// NewRetryableError wraps err as retryable; nil stays nil
func NewRetryableError(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable reports whether err or anything it wraps is a RetryableError
func IsRetryable(err error) bool {
	var re *RetryableError
	return errors.As(err, &re)
}
