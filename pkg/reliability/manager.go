package reliability

import (
	"context"
	"errors"
	"sync"
	"time"

	"optiq/pkg/logx"
	"optiq/pkg/run"
)

// Operation is a fallible call producing a payload. Agent executions, LLM
// calls, and tool dispatches all fit this shape.
type Operation func(ctx context.Context) (any, error)

// EventRecorder receives reliability events for metrics export. The
// Prometheus implementation lives in pkg/metrics; tests use the no-op.
type EventRecorder interface {
	ExecutionFinished(resource string, success, fallbackUsed bool, duration time.Duration)
	RetryAttempted(resource string)
	CircuitRejected(resource string)
	CircuitStateChanged(resource, state string)
}

// NoopRecorder discards all reliability events.
type NoopRecorder struct{}

func (NoopRecorder) ExecutionFinished(string, bool, bool, time.Duration) {}
func (NoopRecorder) RetryAttempted(string)                               {}
func (NoopRecorder) CircuitRejected(string)                              {}
func (NoopRecorder) CircuitStateChanged(string, string)                  {}

// ManagerConfig configures a reliability manager.
type ManagerConfig struct {
	Circuit        CircuitConfig `yaml:"circuit" json:"circuit"`
	Retry          RetryConfig   `yaml:"retry" json:"retry"`
	TimeoutSeconds int           `yaml:"timeout_seconds" json:"timeout_seconds"` // per-attempt timeout; 0 disables
	CircuitEnabled bool          `yaml:"circuit_enabled" json:"circuit_enabled"`
}

// DefaultManagerConfig provides defaults for agent and tool execution.
//
//nolint:gochecknoglobals // Sensible default config pattern
var DefaultManagerConfig = ManagerConfig{
	Circuit:        DefaultCircuitConfig,
	Retry:          DefaultRetryConfig,
	TimeoutSeconds: 120,
	CircuitEnabled: true,
}

// healthStats are the manager-owned counters. Reset explicitly, never expire.
type healthStats struct {
	totalExecutions      int64
	successfulExecutions int64
	failedExecutions     int64
	retryAttempts        int64
	circuitRejections    int64
	circuitTrips         int64
	fallbackExecutions   int64
}

// HealthStatus is the reportable aggregate of a manager's counters.
type HealthStatus struct {
	Resource             string  `json:"resource"`
	Status               string  `json:"status"` // healthy | degraded
	SuccessRate          float64 `json:"success_rate"`
	TotalExecutions      int64   `json:"total_executions"`
	SuccessfulExecutions int64   `json:"successful_executions"`
	FailedExecutions     int64   `json:"failed_executions"`
	RetryAttempts        int64   `json:"retry_attempts"`
	CircuitRejections    int64   `json:"circuit_rejections"`
	CircuitTrips         int64   `json:"circuit_trips"`
	FallbackExecutions   int64   `json:"fallback_executions"`
	CircuitState         string  `json:"circuit_state"`
	MaxAttempts          int     `json:"max_attempts"`
}

// healthySuccessRate is the success-rate floor for a "healthy" verdict.
const healthySuccessRate = 0.95

// Manager is the single entry point combining circuit breaker, retry, and
// fallback around one named resource. Construct one per guarded resource
// and inject it; there is no global instance.
type Manager struct {
	name     string
	breaker  *CircuitBreaker // nil when circuit protection is disabled
	retry    *RetryPolicy
	timeout  time.Duration
	fallback Operation // optional
	logger   *logx.Logger
	recorder EventRecorder

	mu    sync.Mutex
	stats healthStats
}

// NewManager creates a reliability manager for the named resource.
func NewManager(name string, cfg ManagerConfig) *Manager {
	m := &Manager{
		name:     name,
		retry:    NewRetryPolicy(cfg.Retry, nil),
		timeout:  time.Duration(cfg.TimeoutSeconds) * time.Second,
		logger:   logx.NewLogger("reliability"),
		recorder: NoopRecorder{},
	}
	if cfg.CircuitEnabled {
		m.breaker = NewCircuitBreaker(name, cfg.Circuit)
	}
	return m
}

// WithFallback sets the substitute operation used when the primary path is
// unavailable. Returns the manager for construction-time chaining.
func (m *Manager) WithFallback(fallback Operation) *Manager {
	m.fallback = fallback
	return m
}

// WithRecorder sets the metrics recorder.
func (m *Manager) WithRecorder(recorder EventRecorder) *Manager {
	if recorder != nil {
		m.recorder = recorder
	}
	return m
}

// Breaker exposes the underlying circuit breaker, or nil when disabled.
func (m *Manager) Breaker() *CircuitBreaker {
	return m.breaker
}

// Execute runs op under full reliability protection. Composition order:
// retry wraps circuit, so the breaker is consulted on every attempt and a
// trip mid-flight ends the retry loop immediately (OpenError is classified
// non-retryable). Failures come back as a structured ExecutionResult, not
// an error — the error is carried inside the result.
func (m *Manager) Execute(ctx context.Context, ec *run.ExecutionContext, op Operation) run.ExecutionResult {
	start := time.Now()

	// Fast fail: circuit open and still cooling down. The operation is not
	// attempted at all.
	if m.breaker != nil && m.breaker.WouldReject() {
		m.recorder.CircuitRejected(m.name)
		m.count(func(s *healthStats) { s.circuitRejections++; s.totalExecutions++ })

		if m.fallback != nil {
			return m.runFallback(ctx, ec, start, &OpenError{Name: m.name, State: m.breaker.State()})
		}
		return m.failure(ec, start, run.ErrorKindCircuitOpen,
			&OpenError{Name: m.name, State: m.breaker.State()})
	}

	var payload any
	stateBefore := m.circuitState()

	attempt := func(ctx context.Context) error {
		attemptCtx := ctx
		if m.timeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, m.timeout)
			defer cancel()
		}

		call := func(c context.Context) error {
			p, err := op(c)
			if err == nil {
				payload = p
			}
			return err
		}

		if m.breaker != nil {
			return m.breaker.Execute(attemptCtx, call)
		}
		return call(attemptCtx)
	}

	retries, err := m.retry.Do(ctx, attempt)
	ec.RetryCount = retries

	m.count(func(s *healthStats) {
		s.retryAttempts += int64(retries)
		s.totalExecutions++
	})
	for i := 0; i < retries; i++ {
		m.recorder.RetryAttempted(m.name)
	}
	if state := m.circuitState(); state != stateBefore {
		m.recorder.CircuitStateChanged(m.name, state)
		if state == Open.String() {
			m.count(func(s *healthStats) { s.circuitTrips++ })
		}
	}

	if err != nil {
		if m.fallback != nil {
			return m.runFallback(ctx, ec, start, err)
		}
		return m.failure(ec, start, classifyKind(err, m.retry.Classifier), err)
	}

	duration := time.Since(start)
	m.count(func(s *healthStats) { s.successfulExecutions++ })
	m.recorder.ExecutionFinished(m.name, true, false, duration)

	return run.ExecutionResult{
		Success:      true,
		Payload:      payload,
		DurationMs:   duration.Milliseconds(),
		RetryCount:   retries,
		CircuitState: m.circuitState(),
	}
}

// runFallback executes the configured fallback and marks the result. A
// fallback that itself fails produces a failure result carrying the
// original error.
func (m *Manager) runFallback(ctx context.Context, ec *run.ExecutionContext, start time.Time, cause error) run.ExecutionResult {
	payload, err := m.fallback(ctx)
	if err != nil {
		m.logger.Warn("fallback for %s failed: %v (original: %v)", m.name, err, cause)
		return m.failure(ec, start, classifyKind(cause, m.retry.Classifier), cause)
	}

	duration := time.Since(start)
	m.count(func(s *healthStats) { s.fallbackExecutions++ })
	m.recorder.ExecutionFinished(m.name, true, true, duration)

	return run.ExecutionResult{
		Success:      true,
		Payload:      payload,
		DurationMs:   duration.Milliseconds(),
		RetryCount:   ec.RetryCount,
		FallbackUsed: true,
		CircuitState: m.circuitState(),
	}
}

// failure builds the terminal failure result. Every failed execution is
// counted exactly here, so a fallback success never lands in both the failed
// and fallback counters.
func (m *Manager) failure(ec *run.ExecutionContext, start time.Time, kind run.ErrorKind, err error) run.ExecutionResult {
	duration := time.Since(start)
	m.count(func(s *healthStats) { s.failedExecutions++ })
	m.recorder.ExecutionFinished(m.name, false, false, duration)
	m.logger.Debug("execution of %s failed (%s): %v", m.name, kind, err)

	return run.ExecutionResult{
		Success:      false,
		ErrorKind:    kind,
		Err:          err,
		DurationMs:   duration.Milliseconds(),
		RetryCount:   ec.RetryCount,
		CircuitState: m.circuitState(),
	}
}

func (m *Manager) circuitState() string {
	if m.breaker == nil {
		return ""
	}
	return m.breaker.State().String()
}

func (m *Manager) count(f func(*healthStats)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f(&m.stats)
}

// classifyKind maps a terminal error to its result kind.
func classifyKind(err error, classifier Classifier) run.ErrorKind {
	var openErr *OpenError
	switch {
	case errors.As(err, &openErr):
		return run.ErrorKindCircuitOpen
	case errors.Is(err, context.Canceled):
		return run.ErrorKindCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return run.ErrorKindTimeout
	case classifier != nil && !classifier(err):
		return run.ErrorKindNonRetryable
	default:
		return run.ErrorKindRetryExhausted
	}
}

// HealthStatus aggregates success rate, circuit state, and retry
// configuration into one reportable structure. Success rate at or above 95%
// classifies as healthy, anything below as degraded.
func (m *Manager) HealthStatus() HealthStatus {
	m.mu.Lock()
	stats := m.stats
	m.mu.Unlock()

	rate := 1.0
	if stats.totalExecutions > 0 {
		rate = float64(stats.successfulExecutions+stats.fallbackExecutions) / float64(stats.totalExecutions)
	}
	status := "healthy"
	if rate < healthySuccessRate {
		status = "degraded"
	}

	return HealthStatus{
		Resource:             m.name,
		Status:               status,
		SuccessRate:          rate,
		TotalExecutions:      stats.totalExecutions,
		SuccessfulExecutions: stats.successfulExecutions,
		FailedExecutions:     stats.failedExecutions,
		RetryAttempts:        stats.retryAttempts,
		CircuitRejections:    stats.circuitRejections,
		CircuitTrips:         stats.circuitTrips,
		FallbackExecutions:   stats.fallbackExecutions,
		CircuitState:         m.circuitState(),
		MaxAttempts:          m.retry.Config.MaxAttempts,
	}
}

// ResetMetrics clears all health counters. The circuit breaker is left
// untouched; use ResetCircuit for that.
func (m *Manager) ResetMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats = healthStats{}
}

// ResetCircuit returns the breaker to its initial closed state.
func (m *Manager) ResetCircuit() {
	if m.breaker != nil {
		m.breaker.Reset()
	}
}
