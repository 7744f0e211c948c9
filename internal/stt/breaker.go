package stt

import (
	"context"
	"errors"

	"github.com/lexiqai/transcription-pipeline/internal/observability"
	"github.com/lexiqai/transcription-pipeline/internal/resilience"
)

// BreakerTranscriber guards a Transcriber with a circuit breaker
type BreakerTranscriber struct {
	next    Transcriber
	breaker *resilience.CircuitBreaker
}

// NewBreakerTranscriber wraps next with breaker and publishes its state
func NewBreakerTranscriber(next Transcriber, breaker *resilience.CircuitBreaker) *BreakerTranscriber {
	prev := breaker.OnStateChange
	breaker.OnStateChange = func(name string, from, to resilience.CircuitState) {
		observability.UpdateCircuitBreakerState(name, int(to))
		if prev != nil {
			prev(name, from, to)
		}
	}
	observability.UpdateCircuitBreakerState(breaker.Name(), int(breaker.State()))

	return &BreakerTranscriber{next: next, breaker: breaker}
}

// Name returns the wrapped provider's name
func (b *BreakerTranscriber) Name() string {
	return b.next.Name()
}

// Transcribe forwards to the wrapped provider unless the circuit is open.
// An open circuit is reported as retryable: it may close before the next attempt.
func (b *BreakerTranscriber) Transcribe(ctx context.Context, req Request) (Result, error) {
	var result Result
	err := b.breaker.Call(func() error {
		var err error
		result, err = b.next.Transcribe(ctx, req)
		return err
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return Result{}, resilience.NewRetryableError(err)
		}
		observability.IncrementCircuitBreakerFailures(b.breaker.Name())
		return Result{}, err
	}
	return result, nil
}

// State returns the current breaker state
func (b *BreakerTranscriber) State() resilience.CircuitState {
	return b.breaker.State()
}

// Stats returns the breaker's request and failure totals
func (b *BreakerTranscriber) Stats() resilience.BreakerStats {
	return b.breaker.Stats()
}
