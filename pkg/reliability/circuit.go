// Package reliability provides the execution-protection layer wrapped around
// every agent and tool call: a circuit breaker, exponential-backoff retry,
// and a manager composing the two with per-attempt timeouts and fallbacks.
package reliability

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CircuitState represents the current state of a circuit breaker.
type CircuitState int

// Circuit breaker states for managing resource failure patterns.
const (
	Closed   CircuitState = iota // Normal operation
	Open                         // Failing, reject requests
	HalfOpen                     // Testing if the resource recovered
)

func (s CircuitState) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitConfig defines configuration for circuit breaker behavior.
type CircuitConfig struct {
	FailureThreshold int           `yaml:"failure_threshold" json:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `yaml:"success_threshold" json:"success_threshold"` // Successes to close from half-open
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`   // Time to wait before trying half-open
	HalfOpenMaxCalls int           `yaml:"half_open_max_calls" json:"half_open_max_calls"`
}

// DefaultCircuitConfig provides reasonable defaults for circuit breaker behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultCircuitConfig = CircuitConfig{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	RecoveryTimeout:  30 * time.Second,
	HalfOpenMaxCalls: 3,
}

// OpenError signals a fast fail: the circuit rejected the call without
// attempting the wrapped operation. Callers must distinguish this from the
// operation's own errors; an open circuit is never worth retrying.
type OpenError struct {
	Name  string
	State CircuitState
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker %q is %s", e.Name, e.State)
}

// CircuitBreaker guards a named resource against cascading failures.
// State is owned exclusively by one instance and mutated only through its
// own methods.
type CircuitBreaker struct {
	name   string
	config CircuitConfig

	mu              sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int // consecutive successes while half-open
	halfOpenCalls   int // trial calls permitted in the current half-open window
	lastFailureTime time.Time

	// Injectable clock for deterministic tests.
	now func() time.Time
}

// NewCircuitBreaker creates a circuit breaker for the named resource.
func NewCircuitBreaker(name string, config CircuitConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = DefaultCircuitConfig.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = DefaultCircuitConfig.SuccessThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = DefaultCircuitConfig.RecoveryTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = DefaultCircuitConfig.HalfOpenMaxCalls
	}
	return &CircuitBreaker{
		name:   name,
		config: config,
		state:  Closed,
		now:    time.Now,
	}
}

// Name returns the guarded resource name.
func (b *CircuitBreaker) Name() string {
	return b.name
}

// Allow checks if a request should be permitted based on current state.
// An OPEN breaker whose recovery timeout has elapsed transitions to
// HALF_OPEN and permits the call; HALF_OPEN permits only
// HalfOpenMaxCalls trial calls per window.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true

	case Open:
		if b.now().Sub(b.lastFailureTime) >= b.config.RecoveryTimeout {
			b.state = HalfOpen
			b.successCount = 0
			b.halfOpenCalls = 1 // this call consumes the first trial slot
			return true
		}
		return false

	case HalfOpen:
		if b.halfOpenCalls < b.config.HalfOpenMaxCalls {
			b.halfOpenCalls++
			return true
		}
		return false

	default:
		return false
	}
}

// WouldReject reports whether a call made now would be rejected, without
// consuming a half-open trial slot or triggering a state transition. Used
// for fast-fail pre-checks before committing to an attempt loop.
func (b *CircuitBreaker) WouldReject() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return false
	case Open:
		return b.now().Sub(b.lastFailureTime) < b.config.RecoveryTimeout
	case HalfOpen:
		return b.halfOpenCalls >= b.config.HalfOpenMaxCalls
	default:
		return true
	}
}

// Record records the success or failure of a permitted request.
func (b *CircuitBreaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// State returns the current circuit breaker state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// FailureCount returns the current consecutive failure count.
func (b *CircuitBreaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Reset returns the breaker to its initial CLOSED, zero-count state
// regardless of prior history.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = Closed
	b.failureCount = 0
	b.successCount = 0
	b.halfOpenCalls = 0
	b.lastFailureTime = time.Time{}
}

// Execute runs op under circuit protection. If the circuit rejects the call
// an *OpenError is returned and op is never invoked; otherwise the result is
// recorded and op's error passed through unchanged.
func (b *CircuitBreaker) Execute(ctx context.Context, op func(context.Context) error) error {
	if !b.Allow() {
		return &OpenError{Name: b.name, State: b.State()}
	}

	err := op(ctx)
	b.Record(err == nil)
	return err
}

func (b *CircuitBreaker) onSuccess() {
	switch b.state {
	case Closed:
		b.failureCount = 0

	case HalfOpen:
		b.successCount++
		if b.successCount >= b.config.SuccessThreshold {
			b.state = Closed
			b.failureCount = 0
			b.successCount = 0
			b.halfOpenCalls = 0
		}

	case Open:
		// A success recorded while open can only come from a stale caller;
		// it does not affect the state machine.
	}
}

func (b *CircuitBreaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = b.now()

	switch b.state {
	case Closed:
		if b.failureCount >= b.config.FailureThreshold {
			b.state = Open
		}

	case HalfOpen:
		// Any failure during the trial window aborts recovery.
		b.state = Open
		b.successCount = 0
		b.halfOpenCalls = 0

	case Open:
	}
}
