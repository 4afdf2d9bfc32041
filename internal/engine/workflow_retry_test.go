package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/petrijr/flowtx/pkg/api"
)

func flakyStep(name string, failures int, calls *int) *api.StepDefinition {
	return &api.StepDefinition{
		Name: name,
		Fn: func(ctx context.Context, input any) (any, error) {
			*calls++
			if *calls <= failures {
				return nil, errors.New("transient")
			}
			return "ok", nil
		},
	}
}

func TestRetrySucceedsWithinAttempts(t *testing.T) {
	eng := NewInMemoryEngine()

	calls := 0
	s := flakyStep("flaky", 2, &calls)
	s.Retry = &api.RetryPolicy{MaxAttempts: 3}

	res := mustExecute(t, eng, plan("retry", s), nil)
	if calls != 3 {
		t.Fatalf("calls = %d, want 3", calls)
	}
	if got, _ := res.Context.Result("flaky"); got != "ok" {
		t.Fatalf("flaky = %v, want ok", got)
	}
}

func TestRetryExhaustedReportsAttempts(t *testing.T) {
	eng := NewInMemoryEngine()

	calls := 0
	s := flakyStep("flaky", 10, &calls)
	s.Retry = &api.RetryPolicy{MaxAttempts: 2}

	_, ee := executeFailure(t, eng, plan("retry", s), nil)

	var se *api.StepError
	if !errors.As(ee, &se) {
		t.Fatalf("expected StepError, got %v", ee)
	}
	if se.Attempts != 2 || calls != 2 {
		t.Fatalf("attempts = %d, calls = %d, want 2", se.Attempts, calls)
	}
}

func TestNoRetryPolicyRunsOnce(t *testing.T) {
	eng := NewInMemoryEngine()

	calls := 0
	executeFailure(t, eng, plan("once", flakyStep("flaky", 1, &calls)), nil)
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestRetryBackoffGrowsAndCaps(t *testing.T) {
	eng := NewInMemoryEngine()

	var stamps []time.Time
	s := &api.StepDefinition{
		Name: "slow",
		Fn: func(ctx context.Context, input any) (any, error) {
			stamps = append(stamps, time.Now())
			return nil, errors.New("still failing")
		},
		Retry: &api.RetryPolicy{
			MaxAttempts:       4,
			InitialBackoff:    10 * time.Millisecond,
			BackoffMultiplier: 3,
			MaxBackoff:        25 * time.Millisecond,
		},
	}

	executeFailure(t, eng, plan("backoff", s), nil)

	if len(stamps) != 4 {
		t.Fatalf("attempts = %d, want 4", len(stamps))
	}
	// Delays: 10ms, then 30ms capped to 25ms, then 25ms.
	minimums := []time.Duration{10 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for i, min := range minimums {
		if gap := stamps[i+1].Sub(stamps[i]); gap < min {
			t.Fatalf("gap %d = %v, want >= %v", i, gap, min)
		}
	}
}

func TestRetryBackoffStopsOnCancel(t *testing.T) {
	eng := NewInMemoryEngine()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	calls := 0
	s := flakyStep("flaky", 100, &calls)
	s.Retry = &api.RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second}

	start := time.Now()
	_, err := eng.Execute(ctx, plan("cancel-backoff", s), nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("backoff did not observe cancellation, took %v", elapsed)
	}
}
