package agent

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen rejects invocations while the provider cools off.
var ErrCircuitOpen = errors.New("circuit open")

// CircuitState is the breaker's position.
type CircuitState int

const (
	// CircuitClosed passes calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the cool-off elapses.
	CircuitOpen
	// CircuitHalfOpen lets probe calls through to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitConfig tunes the breaker. Zero values take defaults.
type CircuitConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold half-open successes close it again.
	SuccessThreshold int
	// CoolOff is how long an open circuit rejects before probing.
	CoolOff time.Duration
}

// CircuitBreaker sheds load from a failing provider: after repeated
// failures it rejects calls outright instead of letting every request
// burn its full retry budget against a dead backend.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       CircuitState
	failures    int
	successes   int
	lastFailure time.Time
	cfg         CircuitConfig
}

// NewCircuitBreaker returns a closed breaker with the given thresholds.
func NewCircuitBreaker(cfg CircuitConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	if cfg.CoolOff <= 0 {
		cfg.CoolOff = 30 * time.Second
	}
	return &CircuitBreaker{cfg: cfg}
}

// Allow reports whether a call may proceed. An open circuit whose
// cool-off has elapsed moves to half-open and admits the call as a
// probe.
func (b *CircuitBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen {
		if time.Since(b.lastFailure) <= b.cfg.CoolOff {
			return ErrCircuitOpen
		}
		b.state = CircuitHalfOpen
		b.successes = 0
	}
	return nil
}

// RecordSuccess notes a successful call, closing a half-open circuit
// once enough probes pass.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitHalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.state = CircuitClosed
			b.failures = 0
			b.successes = 0
		}
	case CircuitClosed:
		b.failures = 0
	}
}

// RecordFailure notes a failed call. A half-open circuit reopens on any
// failure; a closed one opens at the threshold.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	switch b.state {
	case CircuitClosed:
		if b.failures >= b.cfg.FailureThreshold {
			b.state = CircuitOpen
		}
	case CircuitHalfOpen:
		b.state = CircuitOpen
		b.successes = 0
	}
}

// State returns the current position.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
