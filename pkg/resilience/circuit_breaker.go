package resilience

import (
	"errors"
	"sync"
	"time"
)

// RateLimitError marks a failure caused by upstream throttling.
type RateLimitError struct {
	Err error
}

func (e *RateLimitError) Error() string {
	if e.Err == nil {
		return "rate limited"
	}
	return "rate limited: " + e.Err.Error()
}

func (e *RateLimitError) Unwrap() error { return e.Err }

func IsRateLimit(err error) bool {
	var rl *RateLimitError
	return errors.As(err, &rl)
}

// CircuitBreaker trips after repeated rate-limit failures and recovers
// after a cooldown. Non-rate-limit errors do not count against it.
type CircuitBreaker struct {
	mu        sync.Mutex
	failures  int
	threshold int
	cooldown  time.Duration
	openUntil time.Time
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{threshold: threshold, cooldown: cooldown}
}

func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.openUntil.IsZero() {
		return true
	}
	if time.Now().After(cb.openUntil) {
		cb.openUntil = time.Time{}
		cb.failures = 0
		return true
	}
	return false
}

func (cb *CircuitBreaker) OnSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	cb.openUntil = time.Time{}
}

func (cb *CircuitBreaker) OnError(err error) {
	if !IsRateLimit(err) {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.threshold {
		cb.openUntil = time.Now().Add(cb.cooldown)
	}
}
