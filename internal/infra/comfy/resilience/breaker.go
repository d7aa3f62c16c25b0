package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pixelforge/conductor/internal/infra/comfy/metrics"
)

// BreakerState is the circuit breaker state for one operation class.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig defines circuit breaker behavior.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// DefaultBreakerConfig provides sensible defaults.
var DefaultBreakerConfig = BreakerConfig{
	FailureThreshold: 5,
	Cooldown:         30 * time.Second,
}

// ClassState is an observable snapshot of one operation class.
type ClassState struct {
	State            BreakerState
	ConsecutiveFails int
	TrippedAt        time.Time
}

type breakerClass struct {
	state            BreakerState
	consecutiveFails int
	trippedAt        time.Time
	probing          bool
}

// CircuitBreaker maintains one fail-fast state machine per operation class.
// While a class is open every call fails immediately with a KindCircuitOpen
// error and no I/O is attempted; after the cooldown a single probe call is
// admitted to test recovery.
type CircuitBreaker struct {
	mu      sync.Mutex
	cfg     BreakerConfig
	classes map[string]*breakerClass
	now     func() time.Time
}

// NewCircuitBreaker creates a breaker with the given config. Zero-valued
// fields fall back to defaults.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig.Cooldown
	}
	return &CircuitBreaker{
		cfg:     cfg,
		classes: make(map[string]*breakerClass),
		now:     time.Now,
	}
}

// Execute runs fn under the breaker state for the given operation class.
// fn is expected to carry its own retry budget; one Execute failure counts
// as one failure against the class regardless of how many attempts fn made.
func Execute[T any](ctx context.Context, b *CircuitBreaker, class string, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if err := b.allow(class); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	b.record(class, err == nil)
	if err != nil {
		return zero, err
	}
	return result, nil
}

// GetState returns the current state for an operation class.
func (b *CircuitBreaker) GetState(class string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.classes[class]
	if !ok {
		return StateClosed
	}
	b.refreshLocked(class, c)
	return c.state
}

// Snapshot returns the state of every known operation class.
func (b *CircuitBreaker) Snapshot() map[string]ClassState {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string]ClassState, len(b.classes))
	for name, c := range b.classes {
		b.refreshLocked(name, c)
		out[name] = ClassState{
			State:            c.state,
			ConsecutiveFails: c.consecutiveFails,
			TrippedAt:        c.trippedAt,
		}
	}
	return out
}

func (b *CircuitBreaker) allow(class string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.class(class)
	b.refreshLocked(class, c)

	switch c.state {
	case StateClosed:
		return nil
	case StateHalfOpen:
		if c.probing {
			return Newf(KindCircuitOpen, false, "circuit half-open for %s, probe in flight", class)
		}
		c.probing = true
		return nil
	default: // StateOpen
		return Newf(KindCircuitOpen, false, "circuit open for %s", class)
	}
}

func (b *CircuitBreaker) record(class string, success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.class(class)

	if success {
		if c.state != StateClosed {
			b.transitionLocked(class, c, StateClosed)
		}
		c.consecutiveFails = 0
		c.probing = false
		return
	}

	c.consecutiveFails++

	switch c.state {
	case StateHalfOpen:
		// Probe failed, back to open with a fresh cooldown clock.
		c.probing = false
		c.trippedAt = b.now()
		b.transitionLocked(class, c, StateOpen)
	case StateClosed:
		if c.consecutiveFails >= b.cfg.FailureThreshold {
			c.trippedAt = b.now()
			b.transitionLocked(class, c, StateOpen)
		}
	}
}

// refreshLocked moves an open class to half-open once the cooldown elapses.
func (b *CircuitBreaker) refreshLocked(class string, c *breakerClass) {
	if c.state == StateOpen && b.now().Sub(c.trippedAt) >= b.cfg.Cooldown {
		c.probing = false
		b.transitionLocked(class, c, StateHalfOpen)
	}
}

func (b *CircuitBreaker) transitionLocked(class string, c *breakerClass, next BreakerState) {
	c.state = next
	metrics.BreakerTransitionsTotal.WithLabelValues(class, next.String()).Inc()
	slog.Info("Circuit breaker state change",
		"class", class,
		"state", next.String(),
		"consecutive_fails", c.consecutiveFails)
}

func (b *CircuitBreaker) class(name string) *breakerClass {
	c, ok := b.classes[name]
	if !ok {
		c = &breakerClass{state: StateClosed}
		b.classes[name] = c
	}
	return c
}
