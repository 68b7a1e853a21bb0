// Package metrics provides Prometheus-based metrics for LLM calls and
// pipeline execution, plus a query service for aggregating them per run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder implements reliability.EventRecorder and records LLM request
// metrics. Register one per process against a prometheus.Registerer; tests
// pass a fresh prometheus.NewRegistry to avoid duplicate registration.
type Recorder struct {
	llmRequestsTotal *prometheus.CounterVec
	llmTokensTotal   *prometheus.CounterVec
	llmDuration      *prometheus.HistogramVec

	executionsTotal *prometheus.CounterVec
	executionTime   *prometheus.HistogramVec
	retriesTotal    *prometheus.CounterVec
	circuitRejected *prometheus.CounterVec
	circuitState    *prometheus.GaugeVec
}

// NewRecorder creates a Recorder with all collectors registered on reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_requests_total",
				Help: "Total number of LLM requests by model, run, agent, and status",
			},
			[]string{"model", "run_id", "agent", "status", "error_type"},
		),
		llmTokensTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "llm_tokens_total",
				Help: "Total number of tokens used in LLM requests",
			},
			[]string{"model", "run_id", "agent", "type"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "llm_request_duration_seconds",
				Help:    "Duration of LLM requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"model", "run_id", "agent"},
		),
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_executions_total",
				Help: "Total number of reliability-wrapped agent executions",
			},
			[]string{"agent", "status"},
		),
		executionTime: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_execution_duration_seconds",
				Help:    "Duration of reliability-wrapped agent executions",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"agent"},
		),
		retriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_retries_total",
				Help: "Total number of retry attempts per agent",
			},
			[]string{"agent"},
		),
		circuitRejected: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "circuit_rejected_total",
				Help: "Calls rejected while a circuit breaker was open",
			},
			[]string{"agent"},
		),
		circuitState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_state",
				Help: "Circuit breaker state (0=CLOSED, 1=OPEN, 2=HALF_OPEN)",
			},
			[]string{"agent"},
		),
	}
}

// ObserveLLMRequest records metrics for a completed LLM request.
func (r *Recorder) ObserveLLMRequest(
	model, runID, agent string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	status := "success"
	if !success {
		status = "error"
	}

	r.llmRequestsTotal.WithLabelValues(model, runID, agent, status, errorType).Inc()

	if success {
		r.llmTokensTotal.WithLabelValues(model, runID, agent, "prompt").Add(float64(promptTokens))
		r.llmTokensTotal.WithLabelValues(model, runID, agent, "completion").Add(float64(completionTokens))
	}

	r.llmDuration.WithLabelValues(model, runID, agent).Observe(duration.Seconds())
}

// ExecutionFinished implements reliability.EventRecorder.
func (r *Recorder) ExecutionFinished(name string, success, fallback bool, duration time.Duration) {
	status := "error"
	switch {
	case success && fallback:
		status = "fallback"
	case success:
		status = "success"
	}
	r.executionsTotal.WithLabelValues(name, status).Inc()
	r.executionTime.WithLabelValues(name).Observe(duration.Seconds())
}

// RetryAttempted implements reliability.EventRecorder.
func (r *Recorder) RetryAttempted(name string) {
	r.retriesTotal.WithLabelValues(name).Inc()
}

// CircuitRejected implements reliability.EventRecorder.
func (r *Recorder) CircuitRejected(name string) {
	r.circuitRejected.WithLabelValues(name).Inc()
}

// CircuitStateChanged implements reliability.EventRecorder.
func (r *Recorder) CircuitStateChanged(name, state string) {
	var v float64
	switch state {
	case "OPEN":
		v = 1
	case "HALF_OPEN":
		v = 2
	}
	r.circuitState.WithLabelValues(name).Set(v)
}
