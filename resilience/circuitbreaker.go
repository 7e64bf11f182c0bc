// Package resilience provides a circuit breaker and a retry policy. The
// scheduler uses RetryPolicy for step retries; no other package in this
// module calls into it, and nothing constructs a CircuitBreaker.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/fluxtopus/fluxos-sub009/core"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	Threshold        int           // consecutive failures before opening
	Timeout          time.Duration // how long the circuit stays open
	HalfOpenRequests int           // trial requests allowed while half-open
}

// DefaultCircuitBreakerConfig mirrors the teacher's defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Threshold:        5,
		Timeout:          30 * time.Second,
		HalfOpenRequests: 3,
	}
}

// CircuitBreaker protects a call path against cascading failures.
type CircuitBreaker struct {
	name   string
	cfg    CircuitBreakerConfig
	logger core.Logger

	mu           sync.Mutex
	state        breakerState
	failures     int
	openedAt     time.Time
	halfOpenUsed int
}

// NewCircuitBreaker builds a closed circuit breaker.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig, logger core.Logger) *CircuitBreaker {
	if logger == nil {
		logger = core.NoOpLogger{}
	}
	return &CircuitBreaker{name: name, cfg: cfg, logger: logger, state: stateClosed}
}

// Execute runs fn with circuit breaker protection.
func (b *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !b.allow() {
		return core.NewErrorf("circuitbreaker."+b.name, core.KindInternal, "circuit open")
	}
	err := fn()
	b.record(err == nil)
	return err
}

// ExecuteWithTimeout runs fn under both the circuit breaker and a timeout.
func (b *CircuitBreaker) ExecuteWithTimeout(ctx context.Context, timeout time.Duration, fn func() error) error {
	return b.Execute(ctx, func() error {
		done := make(chan error, 1)
		go func() { done <- fn() }()
		select {
		case err := <-done:
			return err
		case <-time.After(timeout):
			return core.NewErrorf("circuitbreaker."+b.name, core.KindTimeout, "timed out after %s", timeout)
		case <-ctx.Done():
			return core.NewError("circuitbreaker."+b.name, core.KindCancelled, "", ctx.Err())
		}
	})
}

func (b *CircuitBreaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if time.Since(b.openedAt) >= b.cfg.Timeout {
			b.state = stateHalfOpen
			b.halfOpenUsed = 0
			return true
		}
		return false
	case stateHalfOpen:
		if b.halfOpenUsed < b.cfg.HalfOpenRequests {
			b.halfOpenUsed++
			return true
		}
		return false
	default:
		return true
	}
}

func (b *CircuitBreaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if success {
		b.failures = 0
		if b.state != stateClosed {
			b.logger.Info("circuit breaker closed", map[string]interface{}{"name": b.name})
		}
		b.state = stateClosed
		return
	}
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.cfg.Threshold {
		b.state = stateOpen
		b.openedAt = time.Now()
		b.logger.Warn("circuit breaker opened", map[string]interface{}{"name": b.name, "failures": b.failures})
	}
}

// State reports the current circuit state: "closed", "open", "half-open".
func (b *CircuitBreaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Reset forces the circuit back to closed.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = stateClosed
	b.failures = 0
}
