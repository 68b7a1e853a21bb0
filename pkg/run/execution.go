package run

import (
	"time"
)

// ErrorKind classifies why a reliability-wrapped execution failed.
// Threading an explicit kind through the result avoids exception-style
// control flow across the retry/circuit layers.
type ErrorKind string

const (
	ErrorKindNone           ErrorKind = ""
	ErrorKindCircuitOpen    ErrorKind = "circuit_open"
	ErrorKindRetryExhausted ErrorKind = "retry_exhausted"
	ErrorKindNonRetryable   ErrorKind = "non_retryable"
	ErrorKindTimeout        ErrorKind = "timeout"
	ErrorKindCanceled       ErrorKind = "canceled"
)

// ExecutionContext is the per-call value object created fresh for each agent
// or tool invocation. The reliability wrappers update RetryCount as attempts
// are made.
type ExecutionContext struct {
	RunID         string
	AgentName     string
	StartTime     time.Time
	RetryCount    int
	StreamUpdates bool
	Metadata      map[string]string
}

// NewExecutionContext creates an execution context for one invocation.
func NewExecutionContext(runID, agentName string, streamUpdates bool) *ExecutionContext {
	return &ExecutionContext{
		RunID:         runID,
		AgentName:     agentName,
		StartTime:     time.Now().UTC(),
		StreamUpdates: streamUpdates,
		Metadata:      make(map[string]string),
	}
}

// ExecutionResult is the outcome of one reliability-wrapped execution.
// Immutable once constructed; returned up the call chain.
type ExecutionResult struct {
	Success      bool
	Payload      any
	ErrorKind    ErrorKind
	Err          error
	DurationMs   int64
	RetryCount   int
	FallbackUsed bool
	CircuitState string
	Metrics      map[string]float64
}

// StepResult is the supervisor-level outcome of one pipeline step.
type StepResult struct {
	AgentName string
	Success   bool
	Delta     StageDelta
	Err       error
	Duration  time.Duration
}
