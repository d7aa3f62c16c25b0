package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func testBreaker(threshold int, cooldown time.Duration) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(BreakerConfig{FailureThreshold: threshold, Cooldown: cooldown})
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func failingOp(calls *int) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		*calls++
		return "", errors.New("backend down")
	}
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := testBreaker(3, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 3; i++ {
		if _, err := Execute(ctx, b, "submitPrompt", failingOp(&calls)); err == nil {
			t.Fatal("expected failure")
		}
	}
	if got := b.GetState("submitPrompt"); got != StateOpen {
		t.Fatalf("expected open after threshold, got %s", got)
	}

	// The next call must fail fast without invoking the operation.
	_, err := Execute(ctx, b, "submitPrompt", failingOp(&calls))
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindCircuitOpen {
		t.Fatalf("expected circuit_open error, got %v", err)
	}
	if ce.Retryable {
		t.Error("circuit open errors must not be retryable")
	}
	if calls != 3 {
		t.Errorf("open breaker must not attempt I/O, got %d calls", calls)
	}
}

func TestBreaker_ClassesAreIndependent(t *testing.T) {
	b, _ := testBreaker(2, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		_, _ = Execute(ctx, b, "getQueueStatus", failingOp(&calls))
	}
	if got := b.GetState("getQueueStatus"); got != StateOpen {
		t.Fatalf("expected getQueueStatus open, got %s", got)
	}

	// A flaky read-only poll must not starve submissions.
	result, err := Execute(ctx, b, "submitPrompt", func(ctx context.Context) (string, error) {
		return "submitted", nil
	})
	if err != nil {
		t.Fatalf("expected submitPrompt unaffected, got %v", err)
	}
	if result != "submitted" {
		t.Errorf("unexpected result %q", result)
	}
}

func TestBreaker_HalfOpenAdmitsSingleProbe(t *testing.T) {
	b, now := testBreaker(2, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	}

	*now = now.Add(31 * time.Second)
	if got := b.GetState("submitPrompt"); got != StateHalfOpen {
		t.Fatalf("expected half-open after cooldown, got %s", got)
	}

	// First caller through is the probe; a concurrent second caller is
	// rejected until the probe resolves.
	probeStarted := make(chan struct{})
	probeRelease := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_, err := Execute(ctx, b, "submitPrompt", func(ctx context.Context) (string, error) {
			close(probeStarted)
			<-probeRelease
			return "recovered", nil
		})
		done <- err
	}()

	<-probeStarted
	_, err := Execute(ctx, b, "submitPrompt", func(ctx context.Context) (string, error) {
		t.Error("second caller must not run during probe")
		return "", nil
	})
	var ce *Error
	if !errors.As(err, &ce) || ce.Kind != KindCircuitOpen {
		t.Fatalf("expected circuit_open while probing, got %v", err)
	}

	close(probeRelease)
	if err := <-done; err != nil {
		t.Fatalf("probe should succeed, got %v", err)
	}
	if got := b.GetState("submitPrompt"); got != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", got)
	}
}

func TestBreaker_FailedProbeReopensWithFreshCooldown(t *testing.T) {
	b, now := testBreaker(2, 30*time.Second)
	ctx := context.Background()

	calls := 0
	for i := 0; i < 2; i++ {
		_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	}

	*now = now.Add(31 * time.Second)
	_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	if got := b.GetState("submitPrompt"); got != StateOpen {
		t.Fatalf("expected reopened after failed probe, got %s", got)
	}

	// Cooldown clock restarted at probe failure time.
	*now = now.Add(29 * time.Second)
	if got := b.GetState("submitPrompt"); got != StateOpen {
		t.Errorf("expected still open before new cooldown elapses, got %s", got)
	}
	*now = now.Add(2 * time.Second)
	if got := b.GetState("submitPrompt"); got != StateHalfOpen {
		t.Errorf("expected half-open after fresh cooldown, got %s", got)
	}
}

func TestBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(3, 30*time.Second)
	ctx := context.Background()

	calls := 0
	_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	_, _ = Execute(ctx, b, "submitPrompt", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))
	_, _ = Execute(ctx, b, "submitPrompt", failingOp(&calls))

	if got := b.GetState("submitPrompt"); got != StateClosed {
		t.Errorf("expected closed, non-consecutive failures must not trip, got %s", got)
	}
}
