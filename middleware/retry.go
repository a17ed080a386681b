package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/evaluation"
	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

// RetryConfig configures retry behavior.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt).
	// Default: 3
	MaxAttempts int

	// InitialBackoff is the initial backoff duration.
	// Default: 100ms
	InitialBackoff time.Duration

	// MaxBackoff is the maximum backoff duration.
	// Default: 10s
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	// Default: 2.0
	BackoffMultiplier float64

	// ShouldRetry determines if an error should trigger a retry.
	// If nil, all errors trigger retries.
	ShouldRetry func(error) bool

	// Logger receives one warning per failed attempt. Default: slog.Default()
	Logger *slog.Logger
}

// DefaultRetryConfig returns a retry config with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		BackoffMultiplier: 2.0,
		ShouldRetry:       nil, // Retry all errors
	}
}

// RetryDecorator retries failing objective calls with exponential backoff.
type RetryDecorator struct {
	objective evaluation.ObjectiveFunc
	config    RetryConfig
}

// NewRetryDecorator creates a new retry decorator.
func NewRetryDecorator(objective evaluation.ObjectiveFunc, config RetryConfig) *RetryDecorator {
	// Apply defaults
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = 100 * time.Millisecond
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = 10 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &RetryDecorator{
		objective: objective,
		config:    config,
	}
}

// Retry returns a Middleware that wraps the objective in a RetryDecorator.
func Retry(config RetryConfig) Middleware {
	return func(next evaluation.ObjectiveFunc) evaluation.ObjectiveFunc {
		return NewRetryDecorator(next, config).Evaluate
	}
}

// Evaluate calls the objective until it succeeds or the attempts run out.
func (r *RetryDecorator) Evaluate(ctx context.Context, args gene.Args) (float64, error) {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		score, err := r.objective(ctx, args)
		if err == nil {
			return score, nil
		}
		lastErr = err

		if r.config.ShouldRetry != nil && !r.config.ShouldRetry(err) {
			return 0, fmt.Errorf("non-retryable error on attempt %d/%d: %w", attempt, r.config.MaxAttempts, err)
		}

		// Don't sleep after the last attempt
		if attempt == r.config.MaxAttempts {
			break
		}

		r.config.Logger.Warn("objective failed, retrying",
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"backoff", backoff,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return 0, fmt.Errorf("retry cancelled after %d attempts: %w", attempt, ctx.Err())
		case <-time.After(backoff):
			backoff = time.Duration(float64(backoff) * r.config.BackoffMultiplier)
			if backoff > r.config.MaxBackoff {
				backoff = r.config.MaxBackoff
			}
		}
	}

	return 0, fmt.Errorf("max retry attempts (%d) exceeded: %w", r.config.MaxAttempts, lastErr)
}
