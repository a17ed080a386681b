package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/scttfrdmn/genekit/genekit-go/gene"
)

func tripBreaker(t *testing.T, cb *CircuitBreakerDecorator, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		if _, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0}); err == nil {
			t.Fatalf("call %d unexpectedly succeeded", i)
		}
	}
}

func TestCircuitBreakerClosed(t *testing.T) {
	fake := &fakeObjective{}
	cb := NewCircuitBreakerDecorator(fake.Evaluate, DefaultCircuitBreakerConfig())

	for i := 0; i < 5; i++ {
		score, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0})
		if err != nil || score != 2 {
			t.Fatalf("Evaluate() = %v, %v", score, err)
		}
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerOpensAndRejects(t *testing.T) {
	fake := &fakeObjective{failCount: 100}
	cb := NewCircuitBreakerDecorator(fake.Evaluate, CircuitBreakerConfig{
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	})

	tripBreaker(t, cb, 3)
	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open", cb.State())
	}

	_, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0})
	var cbErr *CircuitBreakerError
	if !errors.As(err, &cbErr) {
		t.Fatalf("expected CircuitBreakerError, got %v", err)
	}
	if cbErr.FailureCount != 3 {
		t.Errorf("FailureCount = %d, want 3", cbErr.FailureCount)
	}
	if fake.Calls() != 3 {
		t.Errorf("objective called %d times, want 3", fake.Calls())
	}
	if cb.Metrics().Rejected() != 1 {
		t.Errorf("rejected = %d, want 1", cb.Metrics().Rejected())
	}
}

// TestCircuitBreakerSuccessResetsFailures tests that failures must be consecutive.
func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	calls := 0
	alternating := func(ctx context.Context, args gene.Args) (float64, error) {
		calls++
		if calls%2 == 0 {
			return 1, nil
		}
		return 0, errTransient
	}
	cb := NewCircuitBreakerDecorator(alternating, CircuitBreakerConfig{FailureThreshold: 2})

	for i := 0; i < 6; i++ {
		cb.Evaluate(context.Background(), nil)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}
}

func TestCircuitBreakerRecovery(t *testing.T) {
	fake := &fakeObjective{failCount: 2}
	cb := NewCircuitBreakerDecorator(fake.Evaluate, CircuitBreakerConfig{
		FailureThreshold: 2,
		RecoveryTimeout:  20 * time.Millisecond,
		SuccessThreshold: 2,
	})

	tripBreaker(t, cb, 2)
	time.Sleep(30 * time.Millisecond)

	if _, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0}); err != nil {
		t.Fatalf("half-open call failed: %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half_open", cb.State())
	}
	if _, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0}); err != nil {
		t.Fatal(err)
	}
	if cb.State() != StateClosed {
		t.Errorf("state = %v, want closed", cb.State())
	}

	m := cb.Metrics()
	if m.Transitions(StateClosed, StateOpen) != 1 ||
		m.Transitions(StateOpen, StateHalfOpen) != 1 ||
		m.Transitions(StateHalfOpen, StateClosed) != 1 {
		t.Errorf("transitions = %v", m.StateChanges)
	}
}

func TestCircuitBreakerReopensFromHalfOpen(t *testing.T) {
	fake := &fakeObjective{failCount: 100}
	cb := NewCircuitBreakerDecorator(fake.Evaluate, CircuitBreakerConfig{
		FailureThreshold: 1,
		RecoveryTimeout:  20 * time.Millisecond,
	})

	tripBreaker(t, cb, 1)
	time.Sleep(30 * time.Millisecond)
	tripBreaker(t, cb, 1)

	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
	if cb.Metrics().Transitions(StateHalfOpen, StateOpen) != 1 {
		t.Errorf("half_open->open = %d, want 1", cb.Metrics().Transitions(StateHalfOpen, StateOpen))
	}
}

func TestCircuitBreakerTimeout(t *testing.T) {
	fake := &fakeObjective{delay: time.Second}
	cb := NewCircuitBreakerDecorator(fake.Evaluate, CircuitBreakerConfig{
		FailureThreshold: 1,
		Timeout:          10 * time.Millisecond,
	})

	_, err := cb.Evaluate(context.Background(), gene.Args{"x": 1.0})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Errorf("state = %v, want open", cb.State())
	}
}

func TestCircuitStateString(t *testing.T) {
	tests := []struct {
		state CircuitState
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half_open"},
		{CircuitState(9), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}
