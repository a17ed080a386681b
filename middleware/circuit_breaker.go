package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// StateClosed means the circuit is closed and calls pass through normally.
	StateClosed CircuitState = iota
	// StateOpen means the circuit is open and calls fail fast.
	StateOpen
	// StateHalfOpen means the circuit is testing if the objective has recovered.
	StateHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening the circuit.
	// Default: 5
	FailureThreshold int

	// RecoveryTimeout is the duration before attempting recovery from open state.
	// Default: 60s
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of successful calls in half-open state to close the circuit.
	// Default: 2
	SuccessThreshold int

	// Timeout bounds each objective call.
	// Default: 30s
	Timeout time.Duration

	// Logger receives state transitions. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultCircuitBreakerConfig returns a circuit breaker config with sensible defaults.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
	}
}

// CircuitBreakerMetrics tracks circuit breaker metrics.
type CircuitBreakerMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	RejectedRequests   int64 // Rejected due to open circuit
	StateChanges       map[string]int64
	LastStateChange    *time.Time
	CurrentState       CircuitState
}

// NewCircuitBreakerMetrics creates a new metrics instance.
func NewCircuitBreakerMetrics() *CircuitBreakerMetrics {
	return &CircuitBreakerMetrics{
		StateChanges: make(map[string]int64),
		CurrentState: StateClosed,
	}
}

// Transitions returns how often the circuit moved from one state to another.
func (m *CircuitBreakerMetrics) Transitions(from, to CircuitState) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.StateChanges[fmt.Sprintf("%s->%s", from, to)]
}

// Rejected returns the number of calls rejected by an open circuit.
func (m *CircuitBreakerMetrics) Rejected() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.RejectedRequests
}

// CircuitBreakerError is returned when the circuit breaker is open.
type CircuitBreakerError struct {
	FailureCount int
}

// Error implements the error interface.
func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker is OPEN (failed %d times)", e.FailureCount)
}

// CircuitBreakerDecorator stops calling an objective that keeps failing.
//
// It has three states:
//
//   - CLOSED: normal operation, calls pass through
//   - OPEN: failure threshold exceeded, fail fast without calling the objective
//   - HALF_OPEN: testing if the objective has recovered
//
// State transitions:
//
//   - CLOSED -> OPEN: after FailureThreshold consecutive failures
//   - OPEN -> HALF_OPEN: after RecoveryTimeout
//   - HALF_OPEN -> CLOSED: after SuccessThreshold consecutive successes
//   - HALF_OPEN -> OPEN: on any failure
type CircuitBreakerDecorator struct {
	objective       evaluation.ObjectiveFunc
	config          CircuitBreakerConfig
	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	lastFailureTime *time.Time
	metrics         *CircuitBreakerMetrics
}

// NewCircuitBreakerDecorator creates a new circuit breaker decorator.
func NewCircuitBreakerDecorator(objective evaluation.ObjectiveFunc, config CircuitBreakerConfig) *CircuitBreakerDecorator {
	// Apply defaults
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 60 * time.Second
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &CircuitBreakerDecorator{
		objective: objective,
		config:    config,
		state:     StateClosed,
		metrics:   NewCircuitBreakerMetrics(),
	}
}

// CircuitBreaker returns a Middleware that wraps the objective in a
// CircuitBreakerDecorator.
func CircuitBreaker(config CircuitBreakerConfig) Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return NewCircuitBreakerDecorator(next, config).Evaluate
	}
}

// State returns the current circuit breaker state.
func (c *CircuitBreakerDecorator) State() CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Metrics returns the circuit breaker metrics.
func (c *CircuitBreakerDecorator) Metrics() *CircuitBreakerMetrics {
	return c.metrics
}

// changeState transitions the circuit breaker to a new state.
func (c *CircuitBreakerDecorator) changeState(newState CircuitState) {
	if c.state == newState {
		return
	}
	oldState := c.state
	c.state = newState

	c.metrics.mu.Lock()
	c.metrics.CurrentState = newState
	now := time.Now()
	c.metrics.LastStateChange = &now
	c.metrics.StateChanges[fmt.Sprintf("%s->%s", oldState, newState)]++
	c.metrics.mu.Unlock()

	c.config.Logger.Info("circuit breaker state changed",
		"from", oldState.String(),
		"to", newState.String(),
		"failures", c.failureCount,
	)
}

// shouldAttemptReset checks if the circuit should attempt to reset from OPEN to HALF_OPEN.
func (c *CircuitBreakerDecorator) shouldAttemptReset() bool {
	if c.lastFailureTime == nil {
		return false
	}
	return time.Since(*c.lastFailureTime) >= c.config.RecoveryTimeout
}

func (c *CircuitBreakerDecorator) onSuccess() {
	c.metrics.mu.Lock()
	c.metrics.SuccessfulRequests++
	c.metrics.mu.Unlock()

	switch c.state {
	case StateHalfOpen:
		c.successCount++
		if c.successCount >= c.config.SuccessThreshold {
			c.changeState(StateClosed)
			c.failureCount = 0
			c.successCount = 0
		}
	case StateClosed:
		c.failureCount = 0
	}
}

func (c *CircuitBreakerDecorator) onFailure() {
	c.metrics.mu.Lock()
	c.metrics.FailedRequests++
	c.metrics.mu.Unlock()

	c.failureCount++
	now := time.Now()
	c.lastFailureTime = &now

	switch c.state {
	case StateHalfOpen:
		c.changeState(StateOpen)
		c.successCount = 0
	case StateClosed:
		if c.failureCount >= c.config.FailureThreshold {
			c.changeState(StateOpen)
		}
	}
}

// Evaluate calls the objective unless the circuit is open.
func (c *CircuitBreakerDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	c.mu.Lock()

	c.metrics.mu.Lock()
	c.metrics.TotalRequests++
	c.metrics.mu.Unlock()

	if c.state == StateOpen {
		if c.shouldAttemptReset() {
			c.changeState(StateHalfOpen)
			c.successCount = 0
		} else {
			c.metrics.mu.Lock()
			c.metrics.RejectedRequests++
			c.metrics.mu.Unlock()
			failures := c.failureCount
			c.mu.Unlock()
			return 0, &CircuitBreakerError{FailureCount: failures}
		}
	}

	c.mu.Unlock()

	timeoutCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	score, err := c.objective(timeoutCtx, args)

	c.mu.Lock()
	defer c.mu.Unlock()

	if err != nil {
		c.onFailure()
		if errors.Is(err, context.DeadlineExceeded) {
			return 0, fmt.Errorf("objective exceeded timeout of %v: %w", c.config.Timeout, err)
		}
		return 0, err
	}

	c.onSuccess()
	return score, nil
}
