package resilience

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
)

// RetryConfig defines retry behavior.
type RetryConfig struct {
	MaxRetries      int           `yaml:"max_retries"`
	BaseDelay       time.Duration `yaml:"base_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	BackoffMultiple float64       `yaml:"backoff_multiple"`
	AttemptTimeout  time.Duration `yaml:"attempt_timeout"`
}

// DefaultRetryConfig provides sensible defaults.
var DefaultRetryConfig = RetryConfig{
	MaxRetries:      3,
	BaseDelay:       1 * time.Second,
	MaxDelay:        30 * time.Second,
	BackoffMultiple: 2.0,
	AttemptTimeout:  60 * time.Second,
}

// jitterFraction is the uniform jitter applied around each computed delay.
const jitterFraction = 0.2

// Do executes fn with exponential backoff. Each attempt runs under its own
// timeout; an expired attempt is canceled in flight. Failures are classified
// and non-retryable errors propagate immediately. The propagated error
// carries the number of attempts made.
//
// fn must tolerate at-least-once execution; idempotency is the caller's
// responsibility.
func Do[T any](ctx context.Context, operation string, cfg RetryConfig, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr *Error

	callID := uuid.NewString()[:8]
	attempts := cfg.MaxRetries + 1

	for attempt := 0; attempt < attempts; attempt++ {
		attemptCtx := ctx
		cancel := context.CancelFunc(func() {})
		if cfg.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, cfg.AttemptTimeout)
		}

		result, err := fn(attemptCtx)
		cancel()
		if err == nil {
			return result, nil
		}

		lastErr = Classify(err)
		lastErr.Attempts = attempt + 1

		if !lastErr.Retryable || attempt == attempts-1 {
			break
		}

		delay := backoffDelay(attempt, cfg)
		if lastErr.RetryAfter > delay {
			delay = lastErr.RetryAfter
		}

		metrics.RetryAttemptsTotal.WithLabelValues(operation).Inc()
		slog.Debug("Retrying operation",
			"operation", operation,
			"call_id", callID,
			"attempt", attempt+1,
			"delay", delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			canceled := Classify(ctx.Err())
			canceled.Attempts = attempt + 1
			return zero, canceled
		case <-time.After(delay):
		}
	}

	return zero, lastErr
}

// baseBackoff computes the deterministic delay for the given attempt index,
// capped at MaxDelay.
func baseBackoff(attempt int, cfg RetryConfig) time.Duration {
	delay := float64(cfg.BaseDelay) * math.Pow(cfg.BackoffMultiple, float64(attempt))
	if delay > float64(cfg.MaxDelay) {
		delay = float64(cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// backoffDelay applies uniform jitter to the base delay.
func backoffDelay(attempt int, cfg RetryConfig) time.Duration {
	base := float64(baseBackoff(attempt, cfg))
	jittered := base * (1 - jitterFraction + 2*jitterFraction*rand.Float64())
	return time.Duration(jittered)
}
