package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrBreakerOpen is returned when a protected call is rejected outright.
var ErrBreakerOpen = errors.New("circuit breaker is open")

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig holds circuit breaker tuning.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold"` // failures before opening
	SuccessThreshold int           `json:"success_threshold"` // successes to close from half-open
	OpenTimeout      time.Duration `json:"open_timeout"`      // wait before probing half-open
	HalfOpenRequests int           `json:"half_open_requests"`
	ResetTimeout     time.Duration `json:"reset_timeout"` // quiet period that clears the failure count
}

// BreakerStats holds cumulative counters for operators.
type BreakerStats struct {
	Calls        int64     `json:"calls"`
	Successes    int64     `json:"successes"`
	Failures     int64     `json:"failures"`
	LastFailure  time.Time `json:"last_failure"`
	StateChanges int64     `json:"state_changes"`
}

// CircuitBreaker guards the stream and persistence paths. While the feed
// breaker is open the pipeline pauses signal emission, serving only
// last-known-good reads until data freshness is restored.
type CircuitBreaker struct {
	name   string
	config BreakerConfig
	logger *logrus.Logger

	mu              sync.RWMutex
	state           BreakerState
	failureCount    int
	successCount    int
	requestCount    int
	lastFailureTime time.Time
	lastStateChange time.Time
	stats           BreakerStats
}

// NewCircuitBreaker creates a breaker with sane defaults for zero fields.
func NewCircuitBreaker(name string, config BreakerConfig, logger *logrus.Logger) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 3
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 5
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = 5 * time.Minute
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		logger:          logger,
		state:           BreakerClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	cb.mu.Lock()
	cb.stats.Calls++
	if !cb.admit() {
		cb.mu.Unlock()
		cb.logger.WithFields(logrus.Fields{
			"breaker": cb.name,
			"state":   cb.state.String(),
		}).Warn("Circuit breaker rejected call")
		return ErrBreakerOpen
	}
	cb.requestCount++
	cb.mu.Unlock()

	err := fn(ctx)

	cb.mu.Lock()
	defer cb.mu.Unlock()
	if err != nil {
		cb.onFailure(err)
	} else {
		cb.onSuccess()
	}
	return err
}

// admit decides whether a call may proceed. Caller holds the lock.
func (cb *CircuitBreaker) admit() bool {
	now := time.Now()
	switch cb.state {
	case BreakerClosed:
		if now.Sub(cb.lastFailureTime) > cb.config.ResetTimeout {
			cb.failureCount = 0
		}
		return true
	case BreakerOpen:
		if now.Sub(cb.lastStateChange) > cb.config.OpenTimeout {
			cb.transition(BreakerHalfOpen)
			cb.requestCount = 0
			cb.successCount = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return cb.requestCount < cb.config.HalfOpenRequests
	default:
		return false
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.stats.Successes++
	switch cb.state {
	case BreakerClosed:
		cb.failureCount = 0
	case BreakerHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.config.SuccessThreshold {
			cb.transition(BreakerClosed)
			cb.failureCount = 0
			cb.successCount = 0
			cb.requestCount = 0
		}
	}
}

func (cb *CircuitBreaker) onFailure(err error) {
	cb.stats.Failures++
	cb.stats.LastFailure = time.Now()
	cb.lastFailureTime = cb.stats.LastFailure

	switch cb.state {
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.config.FailureThreshold {
			cb.transition(BreakerOpen)
		}
	case BreakerHalfOpen:
		// any probe failure reopens
		cb.transition(BreakerOpen)
		cb.failureCount++
		cb.successCount = 0
		cb.requestCount = 0
	}

	cb.logger.WithFields(logrus.Fields{
		"breaker":       cb.name,
		"state":         cb.state.String(),
		"error":         err.Error(),
		"failure_count": cb.failureCount,
	}).Warn("Circuit breaker recorded failure")
}

func (cb *CircuitBreaker) transition(next BreakerState) {
	if cb.state == next {
		return
	}
	prev := cb.state
	cb.state = next
	cb.lastStateChange = time.Now()
	cb.stats.StateChanges++
	cb.logger.WithFields(logrus.Fields{
		"breaker":   cb.name,
		"old_state": prev.String(),
		"new_state": next.String(),
	}).Info("Circuit breaker state changed")
}

// State returns the current state.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// IsOpen reports whether calls are currently rejected.
func (cb *CircuitBreaker) IsOpen() bool {
	return cb.State() == BreakerOpen
}

// Stats returns cumulative counters.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.stats
}

// Reset manually closes the breaker.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.transition(BreakerClosed)
	cb.failureCount = 0
	cb.successCount = 0
	cb.requestCount = 0
	cb.logger.WithField("breaker", cb.name).Info("Circuit breaker manually reset")
}
