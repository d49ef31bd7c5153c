package httpclient

import (
	"sync"
	"time"
)

// CircuitState is the position of a CircuitBreaker.
type CircuitState int

const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

var circuitStateNames = [...]string{"closed", "open", "half-open"}

func (s CircuitState) String() string {
	if s < 0 || int(s) >= len(circuitStateNames) {
		return "unknown"
	}
	return circuitStateNames[s]
}

// CircuitBreaker trips after threshold consecutive failures. Once cooldown has
// passed since it tripped, up to probes attempts are let through; the first
// of them to finish decides whether it closes again or re-trips.
type CircuitBreaker struct {
	threshold int
	cooldown  time.Duration
	probes    int
	now       func() time.Time

	mu        sync.Mutex
	state     CircuitState
	failures  int
	inFlight  int
	trippedAt time.Time
}

// NewCircuitBreaker returns a closed breaker. Non-positive threshold and
// probes take the package defaults.
func NewCircuitBreaker(threshold int, cooldown time.Duration, probes int) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultCircuitThreshold
	}
	if probes <= 0 {
		probes = DefaultCircuitHalfOpenMax
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown, probes: probes, now: time.Now}
}

// Allow reports whether an attempt may go out now.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen {
		if cb.now().Sub(cb.trippedAt) < cb.cooldown {
			return false
		}
		cb.state, cb.inFlight = CircuitHalfOpen, 0
	}
	if cb.state == CircuitHalfOpen {
		if cb.inFlight >= cb.probes {
			return false
		}
		cb.inFlight++
	}
	return true
}

// RecordSuccess notes a healthy response.
func (cb *CircuitBreaker) RecordSuccess() { cb.record(true) }

// RecordFailure notes a failed attempt.
func (cb *CircuitBreaker) RecordFailure() { cb.record(false) }

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if ok {
		cb.failures = 0
		cb.state = CircuitClosed
		return
	}
	cb.failures++
	if cb.state == CircuitHalfOpen || cb.failures >= cb.threshold {
		cb.state, cb.trippedAt = CircuitOpen, cb.now()
	}
}

// State returns the breaker position without advancing it.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Failures returns the run of consecutive failures.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}
