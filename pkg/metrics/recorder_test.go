package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/run"
	"optiq/pkg/tokens"
)

func TestRecorderObserveLLMRequest(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ObserveLLMRequest("claude-sonnet-4-5", "run-1", "triage", 100, 50, true, "", 200*time.Millisecond)
	rec.ObserveLLMRequest("claude-sonnet-4-5", "run-1", "triage", 80, 0, false, "transient", 50*time.Millisecond)

	success := rec.llmRequestsTotal.WithLabelValues("claude-sonnet-4-5", "run-1", "triage", "success", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(success))

	failed := rec.llmRequestsTotal.WithLabelValues("claude-sonnet-4-5", "run-1", "triage", "error", "transient")
	assert.Equal(t, 1.0, testutil.ToFloat64(failed))

	// Tokens are only counted for successful requests.
	prompt := rec.llmTokensTotal.WithLabelValues("claude-sonnet-4-5", "run-1", "triage", "prompt")
	assert.Equal(t, 100.0, testutil.ToFloat64(prompt))
}

func TestRecorderExecutionEvents(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())

	rec.ExecutionFinished("triage", true, false, time.Second)
	rec.ExecutionFinished("triage", true, true, time.Second)
	rec.ExecutionFinished("triage", false, false, time.Second)
	rec.RetryAttempted("triage")
	rec.CircuitRejected("triage")
	rec.CircuitStateChanged("triage", "OPEN")

	assert.Equal(t, 1.0, testutil.ToFloat64(rec.executionsTotal.WithLabelValues("triage", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.executionsTotal.WithLabelValues("triage", "fallback")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.executionsTotal.WithLabelValues("triage", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.retriesTotal.WithLabelValues("triage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.circuitRejected.WithLabelValues("triage")))
	assert.Equal(t, 1.0, testutil.ToFloat64(rec.circuitState.WithLabelValues("triage")))
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	counter, err := tokens.NewCounter("gpt-4")
	require.NoError(t, err)

	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{Content: "four score and seven"}, nil
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return nil, nil
		},
		func() string { return "test-model" },
	)

	client := llm.Chain(base, Middleware(rec, counter, "triage"))
	ctx := run.WithRunID(context.Background(), "run-1")
	resp, err := client.Complete(ctx, llm.NewCompletionRequest(
		[]llm.CompletionMessage{llm.NewUserMessage("hello world")},
	))
	require.NoError(t, err)
	assert.Equal(t, "four score and seven", resp.Content)

	total := rec.llmRequestsTotal.WithLabelValues("test-model", "run-1", "triage", "success", "")
	assert.Equal(t, 1.0, testutil.ToFloat64(total))
}

func TestMiddlewareClassifiesErrors(t *testing.T) {
	rec := NewRecorder(prometheus.NewRegistry())
	counter, err := tokens.NewCounter("gpt-4")
	require.NoError(t, err)

	base := llm.WrapClient(
		func(context.Context, llm.CompletionRequest) (llm.CompletionResponse, error) {
			return llm.CompletionResponse{}, llmerrors.New(llmerrors.ErrorTypeRateLimit, "slow down")
		},
		func(context.Context, llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
			return nil, nil
		},
		func() string { return "test-model" },
	)

	client := llm.Chain(base, Middleware(rec, counter, "triage"))
	_, err = client.Complete(run.WithRunID(context.Background(), "run-1"), llm.NewCompletionRequest(nil))
	require.Error(t, err)

	failed := rec.llmRequestsTotal.WithLabelValues("test-model", "run-1", "triage", "error", "rate_limit")
	assert.Equal(t, 1.0, testutil.ToFloat64(failed))
}
