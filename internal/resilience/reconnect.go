package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// ReconnectConfig controls Reconnect
type ReconnectConfig struct {
	MaxAttempts int
	Backoff     time.Duration // first wait
	Multiplier  float64
	MaxBackoff  time.Duration

	// IsRetryable reports whether a failed attempt may be repeated.
	// Nil retries every error.
	IsRetryable IsRetryableError
	Logger      *zerolog.Logger
}

// DefaultReconnectConfig returns five attempts from 1s up to 30s
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts: 5,
		Backoff:     time.Second,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
}

// Reconnect retries a connection attempt with exponential backoff. A
// permanent error is returned unchanged, exhaustion wraps the last error and
// cancellation returns ctx.Err().
func Reconnect(ctx context.Context, connect func(ctx context.Context) error, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = *config.Logger
	}
	maxAttempts := max(config.MaxAttempts, 1)

	res := attempt(ctx, connect, RetryConfig{
		MaxAttempts: maxAttempts,
		Backoff: Backoff{
			Initial:    config.Backoff,
			Max:        config.MaxBackoff,
			Multiplier: config.Multiplier,
		},
		IsRetryable: config.IsRetryable,
		OnRetry: func(n int, err error, wait time.Duration) {
			logger.Warn().
				Err(err).
				Int("attempt", n).
				Int("max_attempts", maxAttempts).
				Dur("backoff", wait).
				Msg("Connection attempt failed, retrying")
		},
	})

	switch {
	case res.ctxErr != nil:
		return res.ctxErr
	case res.last == nil:
		if res.attempts > 1 {
			logger.Info().Int("attempts", res.attempts).Msg("Connection established after retries")
		}
		return nil
	case res.permanent:
		return res.last
	default:
		return fmt.Errorf("failed to connect after %d attempts: %w", res.attempts, res.last)
	}
}
