// Package sideeffect provides HTTP clients for the outbound collaborators
// invoked on instance completion: document rendering, notifications, and
// file reference lookups. Each client wraps its calls in a circuit breaker
// so a failing collaborator cannot stall dispatch retries indefinitely.
package sideeffect

import (
	"errors"
	"sync"
	"time"

	"github.com/fleetyard/crewflow/internal/config"
)

// ErrBreakerOpen is returned when the circuit is open and the call is
// rejected without reaching the collaborator.
var ErrBreakerOpen = errors.New("circuit breaker open")

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

func (s breakerState) String() string {
	switch s {
	case stateClosed:
		return "closed"
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// breaker is a three-state circuit breaker. Consecutive failures trip it
// from closed to open; after openTimeout it lets probe requests through,
// and successThreshold consecutive probe successes close it again. Safe
// for concurrent use.
type breaker struct {
	mu sync.Mutex

	state            breakerState
	failures         int
	successes        int
	failureThreshold int
	successThreshold int
	openTimeout      time.Duration
	openedAt         time.Time
}

func newBreaker(cfg config.BreakerConfig) *breaker {
	if cfg.FailureThreshold < 1 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold < 1 {
		cfg.SuccessThreshold = 2
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &breaker{
		state:            stateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		openTimeout:      cfg.OpenTimeout,
	}
}

// allow reports whether a call may proceed. In the open state calls are
// rejected until openTimeout has elapsed, then the breaker moves to
// half-open and admits probes.
func (b *breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == stateOpen {
		if time.Since(b.openedAt) < b.openTimeout {
			return ErrBreakerOpen
		}
		b.state = stateHalfOpen
		b.successes = 0
	}
	return nil
}

func (b *breaker) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.failures = 0
	case stateHalfOpen:
		b.successes++
		if b.successes >= b.successThreshold {
			b.state = stateClosed
			b.failures = 0
		}
	}
}

func (b *breaker) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.trip()
		}
	case stateHalfOpen:
		// A failed probe reopens immediately.
		b.trip()
	}
}

func (b *breaker) trip() {
	b.state = stateOpen
	b.openedAt = time.Now()
	b.successes = 0
}

func (b *breaker) currentState() breakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
