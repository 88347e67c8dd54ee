package sqlite

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned while the breaker is shedding load.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	}
	return "unknown"
}

// CircuitBreaker sheds store load during sustained write failures. Closed
// passes calls through and counts consecutive failures; at the threshold
// it opens and rejects calls until the cooldown elapses, then admits a
// single half-open probe whose outcome decides the next state. Structured
// not-ok outcomes never reach it; only transport-level errors count.
type CircuitBreaker struct {
	mu          sync.Mutex
	state       BreakerState
	consecutive int
	threshold   int
	cooldown    time.Duration
	openedAt    time.Time
	nowFunc     func() time.Time // for testing
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		nowFunc:   time.Now,
	}
}

// Execute runs fn unless the breaker is rejecting calls.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.admit() {
		return ErrCircuitOpen
	}
	err := fn()
	cb.observe(err)
	return err
}

// admit decides whether a call may proceed. An open breaker whose cooldown
// has elapsed moves to half-open and admits exactly one probe; further
// calls are rejected until the probe reports back.
func (cb *CircuitBreaker) admit() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		if cb.nowFunc().Sub(cb.openedAt) < cb.cooldown {
			return false
		}
		cb.state = StateHalfOpen
		return true
	default:
		return false
	}
}

func (cb *CircuitBreaker) observe(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err == nil {
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
		}
		cb.consecutive = 0
		return
	}
	cb.consecutive++
	if cb.state == StateHalfOpen || cb.consecutive >= cb.threshold {
		cb.state = StateOpen
		cb.openedAt = cb.nowFunc()
	}
}

func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
