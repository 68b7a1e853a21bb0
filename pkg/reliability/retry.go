package reliability

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"optiq/pkg/llmerrors"
)

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"`     // Total attempts, including the first
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`   // Delay before the first retry
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`           // Cap on the backoff delay
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `yaml:"jitter" json:"jitter"`                 // Random jitter to avoid thundering herd
}

// DefaultRetryConfig provides reasonable defaults for retry behavior.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   4,
	InitialDelay:  100 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// Classifier determines if an error should be retried.
type Classifier func(error) bool

// ShouldRetry is the default error classifier. Retrying a deterministic
// failure wastes the retry budget, so programmer and validation errors fail
// immediately; transient provider and network failures are retried.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}

	// Never retry caller cancellation.
	if errors.Is(err, context.Canceled) {
		return false
	}

	// Per-attempt timeouts wrap DeadlineExceeded; the parent context is
	// still valid, so the next attempt may succeed.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	// Never retry circuit rejections; the breaker owns recovery timing.
	var openErr *OpenError
	if errors.As(err, &openErr) {
		return false
	}

	// Classified LLM/tool errors carry their own retry semantics.
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}

	// Fall back to message-based classification for raw provider errors.
	return llmerrors.Classify(err).IsRetryable()
}

// RetryPolicy encapsulates retry configuration and error classification.
type RetryPolicy struct {
	Config     RetryConfig
	Classifier Classifier
}

// NewRetryPolicy creates a retry policy with the given configuration and
// classifier. A nil classifier defaults to ShouldRetry.
func NewRetryPolicy(config RetryConfig, classifier Classifier) *RetryPolicy {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultRetryConfig.MaxAttempts
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = DefaultRetryConfig.InitialDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = DefaultRetryConfig.MaxDelay
	}
	if config.BackoffFactor < 1.0 {
		config.BackoffFactor = DefaultRetryConfig.BackoffFactor
	}
	if classifier == nil {
		classifier = ShouldRetry
	}
	return &RetryPolicy{Config: config, Classifier: classifier}
}

// CalculateDelay computes the backoff delay before the given attempt number.
// Attempt 1 is the initial call and has no delay; attempt n waits
// InitialDelay * BackoffFactor^(n-2), capped at MaxDelay.
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}

	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}

	if p.Config.Jitter && delay > 0 {
		// +/- 10% jitter.
		jitter := time.Duration((rand.Float64()*0.2 - 0.1) * float64(delay)) //nolint:gosec // not security sensitive
		delay += jitter
		if delay < 0 {
			delay = p.Config.InitialDelay
		}
	}

	return delay
}

// Do runs op with retry. It makes up to MaxAttempts total attempts with
// ctx-aware backoff sleeps between them, returning the number of retries
// performed (attempts beyond the first) alongside the final error.
// Non-retryable errors abort after a single attempt.
func (p *RetryPolicy) Do(ctx context.Context, op func(context.Context) error) (retries int, err error) {
	var lastErr error

	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := p.CalculateDelay(attempt)
			if delay > 0 {
				select {
				case <-ctx.Done():
					return attempt - 1, fmt.Errorf("retry canceled: %w", ctx.Err())
				case <-time.After(delay):
				}
			}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return attempt - 1, nil
		}

		if !p.Classifier(lastErr) {
			return attempt - 1, lastErr
		}
	}

	return p.Config.MaxAttempts - 1, lastErr
}
