// Package resilience provides the failure-handling building blocks for
// calls against the generation backend:
//
//   - Error: a typed error taxonomy with a retryable flag
//   - Classify: maps raw transport failures into the taxonomy
//   - Do: retry with exponential backoff and jitter
//   - CircuitBreaker: per-operation-class fail-fast state machine
//
// The circuit breaker and the retry handler are independent. The intended
// composition is breaker outside, retry inside: exhausting a whole retry
// budget counts as one failure against the breaker.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
)

// Kind is the closed taxonomy of classified failures.
type Kind string

const (
	KindServerError     Kind = "server_error"     // backend 5xx
	KindQueueFull       Kind = "queue_full"       // backend 429 / capacity
	KindInvalidWorkflow Kind = "invalid_workflow" // bad payload, never retried
	KindWebSocket       Kind = "websocket_error"  // channel-level failure
	KindTimeout         Kind = "timeout"          // deadline exceeded
	KindCircuitOpen     Kind = "circuit_open"     // local fast-fail, no I/O attempted
	KindUnknown         Kind = "unknown"          // unclassified, retried conservatively
)

// Error is a classified failure. Kind is stable and suitable for branching;
// Retryable tells the retry handler whether another attempt may help.
type Error struct {
	Kind       Kind
	Message    string
	Retryable  bool
	StatusCode int
	PromptID   string

	// Attempts is the number of attempts made before the error was
	// propagated. Zero until the retry handler gives up.
	Attempts int

	// RetryAfter is a backoff hint from the backend (Retry-After header).
	RetryAfter time.Duration

	cause error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s (http %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Newf builds a classified error with a formatted message.
func Newf(kind Kind, retryable bool, format string, args ...any) *Error {
	return &Error{
		Kind:      kind,
		Retryable: retryable,
		Message:   fmt.Sprintf(format, args...),
	}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, retryable bool, cause error, message string) *Error {
	return &Error{
		Kind:      kind,
		Retryable: retryable,
		Message:   message,
		cause:     cause,
	}
}

// Classify maps a raw failure into the taxonomy. Already-classified errors
// pass through unchanged and are not re-counted. Deadline and network
// timeouts become Timeout; anything else becomes Unknown and stays
// retryable, preferring a wasted retry over a silently dropped job.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	e := classifyCause(err)
	metrics.ClassifiedErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	return e
}

func classifyCause(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindTimeout, true, err, "deadline exceeded")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindTimeout, false, err, "operation canceled")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(KindTimeout, true, err, "network timeout")
	}

	return Wrap(KindUnknown, true, err, err.Error())
}

// ClassifyStatus maps a non-2xx HTTP response into the taxonomy.
func ClassifyStatus(statusCode int, body string) *Error {
	e := &Error{StatusCode: statusCode, Message: body}

	switch {
	case statusCode >= 500:
		e.Kind = KindServerError
		e.Retryable = true
	case statusCode == 429:
		e.Kind = KindQueueFull
		e.Retryable = true
	case statusCode >= 400:
		// The request itself is malformed; retrying wastes quota.
		e.Kind = KindInvalidWorkflow
		e.Retryable = false
	default:
		e.Kind = KindUnknown
		e.Retryable = true
	}

	metrics.ClassifiedErrorsTotal.WithLabelValues(string(e.Kind)).Inc()
	return e
}
