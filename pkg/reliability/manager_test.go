package reliability

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiq/pkg/llmerrors"
	"optiq/pkg/run"
)

func fastManagerConfig() ManagerConfig {
	return ManagerConfig{
		Circuit: CircuitConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 2,
		},
		Retry: RetryConfig{
			MaxAttempts:   4,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		TimeoutSeconds: 5,
		CircuitEnabled: true,
	}
}

func execCtx() *run.ExecutionContext {
	return run.NewExecutionContext("run-1", "triage", false)
}

func TestExecuteSuccess(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return "payload", nil
	})

	require.True(t, res.Success)
	assert.Equal(t, "payload", res.Payload)
	assert.Equal(t, 0, res.RetryCount)
	assert.False(t, res.FallbackUsed)
	assert.Equal(t, "CLOSED", res.CircuitState)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())
	calls := 0

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		if calls <= 2 {
			return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "blip")
		}
		return 42, nil
	})

	require.True(t, res.Success, "operation failing twice then succeeding must succeed")
	assert.Equal(t, 2, res.RetryCount)
	assert.Equal(t, 42, res.Payload)
	assert.Equal(t, 3, calls)
}

func TestExecuteNonRetryable(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())
	calls := 0

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		return nil, llmerrors.New(llmerrors.ErrorTypeValidation, "bad input")
	})

	require.False(t, res.Success)
	assert.Equal(t, run.ErrorKindNonRetryable, res.ErrorKind)
	assert.Equal(t, 1, calls)
}

func TestExecuteRetryExhausted(t *testing.T) {
	cfg := fastManagerConfig()
	cfg.Circuit.FailureThreshold = 100 // keep the circuit out of the picture
	m := NewManager("llm", cfg)

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "down")
	})

	require.False(t, res.Success)
	assert.Equal(t, run.ErrorKindRetryExhausted, res.ErrorKind)
	assert.Equal(t, 3, res.RetryCount)
}

func TestExecuteCircuitOpenFastFail(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())

	// Trip the circuit: each execute makes 4 attempts, all failing.
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "down")
	})
	require.Equal(t, Open, m.Breaker().State())

	calls := 0
	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		return "never", nil
	})

	require.False(t, res.Success)
	assert.Equal(t, run.ErrorKindCircuitOpen, res.ErrorKind)
	assert.Equal(t, 0, calls, "operation must not be attempted while circuit is open")

	var openErr *OpenError
	assert.True(t, errors.As(res.Err, &openErr))
}

func TestExecuteCircuitTripEndsRetryBudget(t *testing.T) {
	cfg := fastManagerConfig()
	cfg.Circuit.FailureThreshold = 2
	cfg.Retry.MaxAttempts = 10
	m := NewManager("llm", cfg)

	calls := 0
	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "down")
	})

	// Attempts 1 and 2 trip the breaker; attempt 3 is rejected by the inner
	// circuit wrapper and OpenError stops the retry loop.
	require.False(t, res.Success)
	assert.Equal(t, run.ErrorKindCircuitOpen, res.ErrorKind)
	assert.Equal(t, 2, calls)
}

func TestExecuteFallbackOnFailure(t *testing.T) {
	m := NewManager("llm", fastManagerConfig()).WithFallback(
		func(context.Context) (any, error) { return "cached answer", nil },
	)

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "down")
	})

	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, "cached answer", res.Payload)
}

func TestExecuteFallbackOnCircuitOpen(t *testing.T) {
	m := NewManager("llm", fastManagerConfig()).WithFallback(
		func(context.Context) (any, error) { return "cached answer", nil },
	)

	m.Breaker().Record(false)
	m.Breaker().Record(false)
	m.Breaker().Record(false)
	require.Equal(t, Open, m.Breaker().State())

	calls := 0
	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		return nil, nil
	})

	require.True(t, res.Success)
	assert.True(t, res.FallbackUsed)
	assert.Equal(t, 0, calls)
}

func TestExecuteFallbackFailureKeepsOriginalError(t *testing.T) {
	fallbackErr := errors.New("cache miss")
	m := NewManager("llm", fastManagerConfig()).WithFallback(
		func(context.Context) (any, error) { return nil, fallbackErr },
	)

	res := m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeValidation, "bad input")
	})

	require.False(t, res.Success)
	assert.Equal(t, run.ErrorKindNonRetryable, res.ErrorKind)
	assert.True(t, llmerrors.Is(res.Err, llmerrors.ErrorTypeValidation))
}

func TestHealthStatus(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())

	for i := 0; i < 3; i++ {
		m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
			return nil, nil
		})
	}

	hs := m.HealthStatus()
	assert.Equal(t, "healthy", hs.Status)
	assert.Equal(t, int64(3), hs.TotalExecutions)
	assert.InDelta(t, 1.0, hs.SuccessRate, 0.001)
	assert.Equal(t, "CLOSED", hs.CircuitState)

	// One failure in four drops the rate below 95%.
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeValidation, "bad")
	})
	hs = m.HealthStatus()
	assert.Equal(t, "degraded", hs.Status)
	assert.Equal(t, int64(1), hs.FailedExecutions)
}

func TestHealthStatusFallbackSuccessNotCountedAsFailed(t *testing.T) {
	m := NewManager("llm", fastManagerConfig()).WithFallback(
		func(context.Context) (any, error) { return "cached answer", nil },
	)

	// Primary path exhausts retries, fallback rescues the execution.
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "down")
	})
	require.Equal(t, Open, m.Breaker().State())

	// Circuit open: fast-fail straight into the fallback.
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return "never", nil
	})

	hs := m.HealthStatus()
	assert.Equal(t, int64(2), hs.TotalExecutions)
	assert.Equal(t, int64(2), hs.FallbackExecutions)
	assert.Equal(t, int64(0), hs.FailedExecutions, "a fallback success is not a failed execution")
	assert.Equal(t, int64(1), hs.CircuitRejections)
	assert.Equal(t, "healthy", hs.Status)
}

func TestResetMetricsIdempotent(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		return nil, llmerrors.New(llmerrors.ErrorTypeValidation, "bad")
	})

	for i := 0; i < 2; i++ {
		m.ResetMetrics()
		hs := m.HealthStatus()
		assert.Equal(t, int64(0), hs.TotalExecutions)
		assert.Equal(t, "healthy", hs.Status)
	}
}

func TestResetCircuit(t *testing.T) {
	m := NewManager("llm", fastManagerConfig())
	m.Breaker().Record(false)
	m.Breaker().Record(false)
	m.Breaker().Record(false)
	require.Equal(t, Open, m.Breaker().State())

	m.ResetCircuit()
	assert.Equal(t, Closed, m.Breaker().State())
}

func TestExecuteRecordsEvents(t *testing.T) {
	rec := &captureRecorder{}
	m := NewManager("llm", fastManagerConfig()).WithRecorder(rec)

	calls := 0
	m.Execute(context.Background(), execCtx(), func(context.Context) (any, error) {
		calls++
		if calls == 1 {
			return nil, llmerrors.New(llmerrors.ErrorTypeTransient, "blip")
		}
		return nil, nil
	})

	assert.Equal(t, 1, rec.retries)
	assert.Equal(t, 1, rec.finished)
}

type captureRecorder struct {
	finished int
	retries  int
	rejected int
}

func (c *captureRecorder) ExecutionFinished(string, bool, bool, time.Duration) { c.finished++ }
func (c *captureRecorder) RetryAttempted(string)                               { c.retries++ }
func (c *captureRecorder) CircuitRejected(string)                              { c.rejected++ }
func (c *captureRecorder) CircuitStateChanged(string, string)                  {}
