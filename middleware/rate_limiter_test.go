package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

func TestRateLimiterBurst(t *testing.T) {
	fake := &fakeObjective{}
	limited := NewRateLimiterDecorator(fake.Evaluate, RateLimiterConfig{
		Rate:     1,
		Capacity: 5,
		NoWait:   true,
	})

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := limited.Evaluate(ctx, gene.Args{"x": 1.0}); err != nil {
			t.Fatalf("call %d within burst failed: %v", i, err)
		}
	}

	_, err := limited.Evaluate(ctx, gene.Args{"x": 1.0})
	var rlErr *RateLimitError
	if !errors.As(err, &rlErr) {
		t.Fatalf("expected RateLimitError, got %v", err)
	}
	if rlErr.TokensNeeded != 1 {
		t.Errorf("TokensNeeded = %d, want 1", rlErr.TokensNeeded)
	}

	total, allowed, rejected := limited.Metrics().Counts()
	if total != 6 || allowed != 5 || rejected != 1 {
		t.Errorf("counts = %d/%d/%d, want 6/5/1", total, allowed, rejected)
	}
	if fake.Calls() != 5 {
		t.Errorf("objective calls = %d, want 5", fake.Calls())
	}
}

func TestRateLimiterWait(t *testing.T) {
	limited := NewRateLimiterDecorator((&fakeObjective{}).Evaluate, RateLimiterConfig{
		Rate:     50,
		Capacity: 1,
	})

	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		if _, err := limited.Evaluate(ctx, gene.Args{"x": 1.0}); err != nil {
			t.Fatal(err)
		}
	}
	// Two refills at 50 tokens per second.
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Errorf("calls were not throttled, took %v", elapsed)
	}
	if limited.Metrics().TotalWaitTime <= 0 {
		t.Error("wait time not recorded")
	}
}

func TestRateLimiterMultipleTokens(t *testing.T) {
	limited := NewRateLimiterDecorator((&fakeObjective{}).Evaluate, RateLimiterConfig{
		Rate:             1,
		Capacity:         4,
		TokensPerRequest: 2,
		NoWait:           true,
	})

	ctx := context.Background()
	limited.Evaluate(ctx, nil)
	limited.Evaluate(ctx, nil)
	if _, err := limited.Evaluate(ctx, nil); err == nil {
		t.Error("third call should exceed the bucket")
	}
}

func TestRateLimiterContextCancellation(t *testing.T) {
	limited := NewRateLimiterDecorator((&fakeObjective{}).Evaluate, RateLimiterConfig{
		Rate:     0.1,
		Capacity: 1,
	})

	limited.Evaluate(context.Background(), nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := limited.Evaluate(ctx, nil); err == nil {
		t.Fatal("expected error when the wait outlives the context")
	}
	if _, _, rejected := limited.Metrics().Counts(); rejected != 1 {
		t.Errorf("rejected = %d, want 1", rejected)
	}
}

func TestRateLimiterDefaults(t *testing.T) {
	limited := NewRateLimiterDecorator((&fakeObjective{}).Evaluate, RateLimiterConfig{
		Capacity:         2,
		TokensPerRequest: 5,
	})
	if limited.config.Rate != 10 {
		t.Errorf("Rate = %v, want 10", limited.config.Rate)
	}
	if limited.config.TokensPerRequest != 2 {
		t.Errorf("TokensPerRequest = %d, want clamp to capacity 2", limited.config.TokensPerRequest)
	}
	if limited.Tokens() < 1.99 {
		t.Errorf("Tokens() = %v, want a full bucket", limited.Tokens())
	}
}
