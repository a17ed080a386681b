package middleware

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// RateLimiterConfig configures rate limiter behavior.
type RateLimiterConfig struct {
	// Rate is the number of tokens added per second.
	// Default: 10
	Rate float64

	// Capacity is the maximum burst capacity (maximum tokens in bucket).
	// Default: 10
	Capacity int

	// TokensPerRequest is the number of tokens consumed per objective call.
	// Default: 1
	TokensPerRequest int

	// NoWait rejects calls with a RateLimitError instead of waiting for tokens.
	NoWait bool
}

// DefaultRateLimiterConfig returns a rate limiter config with sensible defaults.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		Rate:             10.0,
		Capacity:         10,
		TokensPerRequest: 1,
	}
}

// RateLimiterMetrics tracks rate limiter metrics.
type RateLimiterMetrics struct {
	mu               sync.RWMutex
	TotalRequests    int64
	AllowedRequests  int64
	RejectedRequests int64
	TotalWaitTime    time.Duration // Total time spent waiting for tokens
}

// NewRateLimiterMetrics creates a new metrics instance.
func NewRateLimiterMetrics() *RateLimiterMetrics {
	return &RateLimiterMetrics{}
}

// Counts returns total, allowed and rejected call counts.
func (m *RateLimiterMetrics) Counts() (total, allowed, rejected int64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.TotalRequests, m.AllowedRequests, m.RejectedRequests
}

// RateLimitError is returned when the rate limit is exceeded.
type RateLimitError struct {
	TokensNeeded    int
	TokensAvailable float64
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: need %d tokens, only %.2f available",
		e.TokensNeeded, e.TokensAvailable)
}

// RateLimiterDecorator throttles objective calls with a token bucket.
//
// Tokens are added at Rate per second up to Capacity; each call consumes
// TokensPerRequest. A call that finds the bucket short waits for the deficit
// to refill, or fails with a RateLimitError when NoWait is set.
//
// Example:
//
//	limited := middleware.NewRateLimiterDecorator(objective, middleware.RateLimiterConfig{
//	    Rate:     2,
//	    Capacity: 4,
//	})
//	config.Objective = limited.Evaluate
type RateLimiterDecorator struct {
	objective evaluation.ObjectiveFunc
	config    RateLimiterConfig
	limiter   *rate.Limiter
	metrics   *RateLimiterMetrics
}

// NewRateLimiterDecorator creates a new rate limiter decorator.
func NewRateLimiterDecorator(objective evaluation.ObjectiveFunc, config RateLimiterConfig) *RateLimiterDecorator {
	// Apply defaults
	if config.Rate <= 0 {
		config.Rate = 10.0
	}
	if config.Capacity < 1 {
		config.Capacity = 10
	}
	if config.TokensPerRequest < 1 {
		config.TokensPerRequest = 1
	}
	if config.TokensPerRequest > config.Capacity {
		config.TokensPerRequest = config.Capacity
	}

	return &RateLimiterDecorator{
		objective: objective,
		config:    config,
		limiter:   rate.NewLimiter(rate.Limit(config.Rate), config.Capacity),
		metrics:   NewRateLimiterMetrics(),
	}
}

// RateLimiter returns a Middleware that wraps the objective in a
// RateLimiterDecorator.
func RateLimiter(config RateLimiterConfig) Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return NewRateLimiterDecorator(next, config).Evaluate
	}
}

// Metrics returns the rate limiter metrics.
func (r *RateLimiterDecorator) Metrics() *RateLimiterMetrics {
	return r.metrics
}

// Tokens returns the number of tokens currently in the bucket.
func (r *RateLimiterDecorator) Tokens() float64 {
	return r.limiter.Tokens()
}

func (r *RateLimiterDecorator) acquireTokens(ctx context.Context) error {
	n := r.config.TokensPerRequest
	if r.config.NoWait {
		if !r.limiter.AllowN(time.Now(), n) {
			return &RateLimitError{TokensNeeded: n, TokensAvailable: r.limiter.Tokens()}
		}
		return nil
	}

	start := time.Now()
	if err := r.limiter.WaitN(ctx, n); err != nil {
		return err
	}
	r.metrics.mu.Lock()
	r.metrics.TotalWaitTime += time.Since(start)
	r.metrics.mu.Unlock()
	return nil
}

// Evaluate waits for tokens and then calls the objective.
func (r *RateLimiterDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	r.metrics.mu.Lock()
	r.metrics.TotalRequests++
	r.metrics.mu.Unlock()

	if err := r.acquireTokens(ctx); err != nil {
		r.metrics.mu.Lock()
		r.metrics.RejectedRequests++
		r.metrics.mu.Unlock()
		return 0, err
	}

	r.metrics.mu.Lock()
	r.metrics.AllowedRequests++
	r.metrics.mu.Unlock()

	return r.objective(ctx, args)
}
