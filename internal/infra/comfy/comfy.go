// Package comfy provides a resilient orchestration client for a
// ComfyUI-compatible generation backend.
//
// This package offers robust job orchestration with:
//   - Prompt submission with retry, backoff, and circuit breaking
//   - Pooled, reconnecting websocket channels for real-time progress
//   - Normalized progress events with a strict terminal-event contract
//   - History lookup as a polling fallback for missed terminal events
//
// # Quick Start
//
//	import "github.com/pixelforge/conductor/internal/infra/comfy"
//
//	client := comfy.New(comfy.Config{BaseURL: "http://127.0.0.1:8188"})
//	defer client.Shutdown()
//
//	handle, _, err := client.SubmitPrompt(ctx, workflow, clientID)
//	if err != nil {
//	    return err
//	}
//
//	err = client.ConnectForUpdates(ctx, handle.PromptID, clientID, func(ev comfy.ProgressEvent) {
//	    log.Printf("%s: %s", ev.PromptID, ev.Status)
//	})
//
// # Package Structure
//
// The package is organized into sub-packages for maintainability:
//
//   - resilience/ - error classification, retry handler, circuit breaker
//   - api/        - HTTP operations against the backend REST surface
//   - stream/     - websocket pool, message decoding, progress dispatch
//
// Most types are re-exported at the root level for convenience.
package comfy

import (
	"github.com/pixelforge/conductor/internal/core/domain"
	"github.com/pixelforge/conductor/internal/infra/comfy/resilience"
	"github.com/pixelforge/conductor/internal/infra/comfy/stream"
)

// =============================================================================
// Re-exported types from the resilience package
// =============================================================================

// Error is a classified failure with a stable kind and retryable flag.
type Error = resilience.Error

// Kind is the closed taxonomy of classified failures.
type Kind = resilience.Kind

// Failure kinds.
const (
	KindServerError     = resilience.KindServerError
	KindQueueFull       = resilience.KindQueueFull
	KindInvalidWorkflow = resilience.KindInvalidWorkflow
	KindWebSocket       = resilience.KindWebSocket
	KindTimeout         = resilience.KindTimeout
	KindCircuitOpen     = resilience.KindCircuitOpen
	KindUnknown         = resilience.KindUnknown
)

// RetryConfig defines retry behavior.
type RetryConfig = resilience.RetryConfig

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig = resilience.BreakerConfig

// BreakerState is the circuit breaker state for one operation class.
type BreakerState = resilience.BreakerState

// Breaker states.
const (
	StateClosed   = resilience.StateClosed
	StateOpen     = resilience.StateOpen
	StateHalfOpen = resilience.StateHalfOpen
)

// DefaultRetryConfig provides sensible retry defaults.
var DefaultRetryConfig = resilience.DefaultRetryConfig

// DefaultBreakerConfig provides sensible breaker defaults.
var DefaultBreakerConfig = resilience.DefaultBreakerConfig

// =============================================================================
// Re-exported types from the stream package
// =============================================================================

// PoolConfig defines connection pool behavior.
type PoolConfig = stream.PoolConfig

// PoolStats is a point-in-time view of the connection pool.
type PoolStats = stream.PoolStats

// DefaultPoolConfig provides sensible pool defaults.
var DefaultPoolConfig = stream.DefaultPoolConfig

// =============================================================================
// Re-exported types from the domain package
// =============================================================================

// ProgressEvent is the normalized view of a single job update.
type ProgressEvent = domain.ProgressEvent

// JobHandle identifies one generation request.
type JobHandle = domain.JobHandle

// JobStatus is the logical state of a generation job.
type JobStatus = domain.JobStatus

// Job statuses.
const (
	StatusQueued    = domain.StatusQueued
	StatusExecuting = domain.StatusExecuting
	StatusCompleted = domain.StatusCompleted
	StatusError     = domain.StatusError
)

// Artifact is the composite key of a produced output file.
type Artifact = domain.Artifact

// QueueStatus is a point-in-time view of the backend execution queue.
type QueueStatus = domain.QueueStatus

// HistoryResult is the backend's history entry for a finished prompt.
type HistoryResult = domain.HistoryResult
