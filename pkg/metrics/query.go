package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// RunMetrics represents aggregated LLM usage for a completed analysis run.
type RunMetrics struct {
	RunID            string `json:"run_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
}

// QueryService queries a Prometheus server for per-run usage aggregates.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a metrics query service against prometheusURL.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// sumQuery executes an instant sum() query and returns the scalar result,
// or 0 when the series does not exist yet.
func (q *QueryService) sumQuery(ctx context.Context, query string) (float64, error) {
	result, _, err := q.queryAPI.Query(ctx, query, time.Now())
	if err != nil {
		return 0, err
	}
	if vector, ok := result.(model.Vector); ok && len(vector) > 0 {
		return float64(vector[0].Value), nil
	}
	return 0, nil
}

// GetRunMetrics retrieves aggregated token and request counts for a run,
// summed across all pipeline agents.
func (q *QueryService) GetRunMetrics(ctx context.Context, runID string) (*RunMetrics, error) {
	metrics := &RunMetrics{RunID: runID}

	prompt, err := q.sumQuery(ctx,
		fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="prompt"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}
	metrics.PromptTokens = int64(prompt)

	completion, err := q.sumQuery(ctx,
		fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, type="completion"})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}
	metrics.CompletionTokens = int64(completion)
	metrics.TotalTokens = metrics.PromptTokens + metrics.CompletionTokens

	requests, err := q.sumQuery(ctx,
		fmt.Sprintf(`sum(llm_requests_total{run_id=%q})`, runID))
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}
	metrics.Requests = int64(requests)

	return metrics, nil
}

// GetRunMetricsByAgent breaks a run's token usage down per pipeline agent.
func (q *QueryService) GetRunMetricsByAgent(ctx context.Context, runID string) (map[string]*RunMetrics, error) {
	result := make(map[string]*RunMetrics)

	agentsQuery := fmt.Sprintf(`group by (agent) (llm_tokens_total{run_id=%q})`, runID)
	agentsResult, _, err := q.queryAPI.Query(ctx, agentsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}

	var agents []string
	if vector, ok := agentsResult.(model.Vector); ok {
		for _, sample := range vector {
			if name, ok := sample.Metric["agent"]; ok {
				agents = append(agents, string(name))
			}
		}
	}

	for _, agent := range agents {
		m := &RunMetrics{RunID: runID}

		prompt, err := q.sumQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, agent=%q, type="prompt"})`, runID, agent))
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for agent %s: %w", agent, err)
		}
		m.PromptTokens = int64(prompt)

		completion, err := q.sumQuery(ctx,
			fmt.Sprintf(`sum(llm_tokens_total{run_id=%q, agent=%q, type="completion"})`, runID, agent))
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for agent %s: %w", agent, err)
		}
		m.CompletionTokens = int64(completion)
		m.TotalTokens = m.PromptTokens + m.CompletionTokens

		result[agent] = m
	}

	return result, nil
}
