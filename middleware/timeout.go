package middleware

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// TimeoutConfig configures timeout behavior.
type TimeoutConfig struct {
	// Timeout bounds one objective call.
	// Default: 30 seconds
	Timeout time.Duration
}

// DefaultTimeoutConfig returns a timeout config with sensible defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout: 30 * time.Second,
	}
}

// Validate validates the timeout configuration.
func (c *TimeoutConfig) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v", c.Timeout)
	}
	return nil
}

// TimeoutMetrics tracks timeout middleware metrics.
type TimeoutMetrics struct {
	mu                 sync.RWMutex
	TotalRequests      int64
	SuccessfulRequests int64
	TimedOutRequests   int64
	FailedRequests     int64 // Failed for reasons other than timeout
	TotalDuration      time.Duration
	MinDuration        *time.Duration
	MaxDuration        *time.Duration
}

// NewTimeoutMetrics creates a new metrics instance.
func NewTimeoutMetrics() *TimeoutMetrics {
	return &TimeoutMetrics{}
}

func (m *TimeoutMetrics) record(duration time.Duration, counter *int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.TotalRequests++
	*counter++
	m.TotalDuration += duration
	if m.MinDuration == nil || duration < *m.MinDuration {
		m.MinDuration = &duration
	}
	if m.MaxDuration == nil || duration > *m.MaxDuration {
		m.MaxDuration = &duration
	}
}

// AvgDuration returns the average call duration.
func (m *TimeoutMetrics) AvgDuration() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.TotalRequests == 0 {
		return 0
	}
	return m.TotalDuration / time.Duration(m.TotalRequests)
}

// Counts returns successful, timed-out and failed call counts.
func (m *TimeoutMetrics) Counts() (success, timedOut, failed int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.SuccessfulRequests, m.TimedOutRequests, m.FailedRequests
}

// TimeoutError is returned when an objective call exceeds the configured
// timeout. It matches context.DeadlineExceeded with errors.Is.
type TimeoutError struct {
	Timeout time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("objective timed out after %v", e.Timeout)
}

// Unwrap returns context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// TimeoutDecorator bounds the duration of objective calls.
//
// The call runs in its own goroutine so objectives that ignore their context
// still release the optimizer when the deadline passes; such a call keeps
// running in the background until it returns.
//
// Example:
//
//	bounded := middleware.NewTimeoutDecorator(objective, middleware.TimeoutConfig{Timeout: 10 * time.Second})
//	score, err := bounded.Evaluate(ctx, args)
//	var timeoutErr *middleware.TimeoutError
//	if errors.As(err, &timeoutErr) {
//	    fmt.Println("evaluation timed out")
//	}
type TimeoutDecorator struct {
	objective evaluation.ObjectiveFunc
	config    TimeoutConfig
	metrics   *TimeoutMetrics
}

// NewTimeoutDecorator creates a new timeout decorator.
func NewTimeoutDecorator(objective evaluation.ObjectiveFunc, config TimeoutConfig) *TimeoutDecorator {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}

	return &TimeoutDecorator{
		objective: objective,
		config:    config,
		metrics:   NewTimeoutMetrics(),
	}
}

// Timeout returns a Middleware that wraps the objective in a TimeoutDecorator.
func Timeout(config TimeoutConfig) Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return NewTimeoutDecorator(next, config).Evaluate
	}
}

// Metrics returns the timeout metrics.
func (t *TimeoutDecorator) Metrics() *TimeoutMetrics {
	return t.metrics
}

// Evaluate calls the objective with a deadline.
func (t *TimeoutDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	startTime := time.Now()

	timeoutCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
	defer cancel()

	type result struct {
		score float64
		err   error
	}

	// Buffered so the goroutine can exit after a timeout.
	done := make(chan result, 1)
	go func() {
		score, err := t.objective(timeoutCtx, args)
		done <- result{score, err}
	}()

	select {
	case res := <-done:
		duration := time.Since(startTime)
		if res.err != nil {
			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				t.metrics.record(duration, &t.metrics.TimedOutRequests)
				return 0, &TimeoutError{Timeout: t.config.Timeout}
			}
			t.metrics.record(duration, &t.metrics.FailedRequests)
			return 0, res.err
		}
		t.metrics.record(duration, &t.metrics.SuccessfulRequests)
		return res.score, nil

	case <-timeoutCtx.Done():
		duration := time.Since(startTime)
		if ctx.Err() != nil {
			// The caller cancelled; that is not a timeout of this call.
			t.metrics.record(duration, &t.metrics.FailedRequests)
			return 0, ctx.Err()
		}
		t.metrics.record(duration, &t.metrics.TimedOutRequests)
		return 0, &TimeoutError{Timeout: t.config.Timeout}
	}
}
