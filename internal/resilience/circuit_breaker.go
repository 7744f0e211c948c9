package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Call while the breaker rejects requests
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitState is the admission mode of a CircuitBreaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

var stateNames = [...]string{
	StateClosed:   "closed",
	StateOpen:     "open",
	StateHalfOpen: "half_open",
}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// DefaultHalfOpenProbes is how many trial requests a recovering breaker admits
const DefaultHalfOpenProbes = 3

// BreakerStats is a point-in-time view of a breaker's counters
type BreakerStats struct {
	State       CircuitState
	Requests    int64
	Failures    int64
	FailureRate float64 // percent of requests that failed
}

// CircuitBreaker stops calling a dependency after consecutive failures and
// lets a few probes through once ResetTimeout has elapsed.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	probes       int

	mu          sync.Mutex
	state       CircuitState
	consecutive int
	openedAt    time.Time
	admitted    int // probes let through since entering half-open
	succeeded   int // probes that succeeded since entering half-open
	requests    int64
	failures    int64

	// OnStateChange runs outside the lock after every transition
	OnStateChange func(name string, from, to CircuitState)
	now           func() time.Time
}

// NewCircuitBreaker opens after maxFailures consecutive failures and probes
// again after resetTimeout.
func NewCircuitBreaker(name string, maxFailures int, resetTimeout time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		name:         name,
		maxFailures:  max(maxFailures, 1),
		resetTimeout: resetTimeout,
		probes:       DefaultHalfOpenProbes,
		now:          time.Now,
	}
}

// Name identifies the breaker in logs and metrics
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Call runs fn unless the circuit rejects it, and records the outcome
func (cb *CircuitBreaker) Call(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.RecordResult(err == nil)
	return err
}

func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	from := cb.state
	ok := false

	switch cb.state {
	case StateClosed:
		ok = true
	case StateOpen:
		if cb.now().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.enter(StateHalfOpen)
			cb.admitted = 1
			ok = true
		}
	case StateHalfOpen:
		if cb.admitted < cb.probes {
			cb.admitted++
			ok = true
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
	return ok
}

// RecordResult feeds the outcome of a request made outside Call
func (cb *CircuitBreaker) RecordResult(success bool) {
	cb.mu.Lock()
	from := cb.state
	cb.requests++

	if success {
		cb.consecutive = 0
		if cb.state == StateHalfOpen {
			cb.succeeded++
			if cb.succeeded >= cb.probes {
				cb.enter(StateClosed)
			}
		}
	} else {
		cb.failures++
		cb.consecutive++
		// A failed probe reopens immediately
		if cb.state == StateHalfOpen || cb.consecutive >= cb.maxFailures {
			cb.enter(StateOpen)
		}
	}

	to := cb.state
	cb.mu.Unlock()
	cb.notify(from, to)
}

// enter switches state and clears the per-state counters; cb.mu must be held
func (cb *CircuitBreaker) enter(state CircuitState) {
	cb.state = state
	cb.admitted = 0
	cb.succeeded = 0
	switch state {
	case StateOpen:
		cb.openedAt = cb.now()
	case StateClosed:
		cb.consecutive = 0
	}
}

func (cb *CircuitBreaker) notify(from, to CircuitState) {
	if from != to && cb.OnStateChange != nil {
		cb.OnStateChange(cb.name, from, to)
	}
}

// State returns the current admission mode
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns request and failure totals since the breaker was created
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := BreakerStats{
		State:    cb.state,
		Requests: cb.requests,
		Failures: cb.failures,
	}
	if cb.requests > 0 {
		stats.FailureRate = float64(cb.failures) / float64(cb.requests) * 100
	}
	return stats
}
