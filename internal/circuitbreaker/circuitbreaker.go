package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State represents the current state of the circuit breaker.
//
// State transitions:
//
//	Closed -> Open:      When failure count >= threshold
//	Open -> HalfOpen:    After recovery timeout expires
//	HalfOpen -> Closed:  When a probe request succeeds
//	HalfOpen -> Open:    When a probe request fails
type State int

const (
	StateClosed   State = iota // Normal operation - requests pass through
	StateOpen                  // Circuit tripped - requests fail fast
	StateHalfOpen              // Recovery probe - allow one request to test
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit breaker is open and
// requests are being rejected to protect the downstream service.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds the configuration for a CircuitBreaker.
type Config struct {
	// Name identifies this circuit breaker (e.g., "telegram").
	Name string

	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures int

	// RecoveryTimeout is how long to wait in Open state before probing.
	RecoveryTimeout time.Duration

	// HalfOpenMaxRequests is the max requests allowed in half-open state.
	HalfOpenMaxRequests int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:                name,
		MaxFailures:         5,
		RecoveryTimeout:     30 * time.Second,
		HalfOpenMaxRequests: 1,
	}
}

// CircuitBreaker protects a downstream service from cascade failures:
// after enough consecutive failures the circuit opens and calls are
// rejected immediately; after the recovery timeout a single probe is let
// through, and a successful probe closes the circuit again.
type CircuitBreaker struct {
	mu     sync.RWMutex
	config Config
	logger *zap.Logger

	state            State
	failureCount     int
	lastFailureTime  time.Time
	lastStateChange  time.Time
	halfOpenRequests int
}

// New creates a new CircuitBreaker with the given configuration.
func New(cfg Config, logger *zap.Logger) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxRequests <= 0 {
		cfg.HalfOpenMaxRequests = 1
	}

	return &CircuitBreaker{
		config:          cfg,
		logger:          logger,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Allow checks if a request should be allowed through the circuit breaker.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true

	case StateOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.transitionTo(StateHalfOpen)
			cb.halfOpenRequests = 1
			cb.logger.Info("circuit breaker allowing probe request",
				zap.String("name", cb.config.Name),
			)
			return true
		}
		return false

	case StateHalfOpen:
		if cb.halfOpenRequests < cb.config.HalfOpenMaxRequests {
			cb.halfOpenRequests++
			return true
		}
		return false

	default:
		return false
	}
}

// RecordSuccess records a successful request.
// In HalfOpen state, this closes the circuit (service recovered).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount = 0

	if cb.state == StateHalfOpen {
		cb.transitionTo(StateClosed)
		cb.logger.Info("circuit breaker closed - service recovered",
			zap.String("name", cb.config.Name),
		)
	}
}

// RecordFailure records a failed request.
// In Closed state, opens the circuit after MaxFailures consecutive failures.
// In HalfOpen state, immediately re-opens the circuit.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.lastFailureTime = time.Now()

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.config.MaxFailures {
			cb.transitionTo(StateOpen)
			cb.logger.Warn("circuit breaker opened - too many failures",
				zap.String("name", cb.config.Name),
				zap.Int("failures", cb.failureCount),
				zap.Int("threshold", cb.config.MaxFailures),
			)
		}

	case StateHalfOpen:
		cb.transitionTo(StateOpen)
		cb.logger.Warn("circuit breaker re-opened - probe failed",
			zap.String("name", cb.config.Name),
		)
	}
}

// GetState returns the current state of the circuit breaker.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// transitionTo must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(state State) {
	cb.state = state
	cb.lastStateChange = time.Now()
	if state != StateHalfOpen {
		cb.halfOpenRequests = 0
	}
	if state == StateClosed {
		cb.failureCount = 0
	}
}
