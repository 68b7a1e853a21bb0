package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/logx"
	"optiq/pkg/run"
)

const optimizationSystemPrompt = `You are the optimization stage of an AI-workload optimization assistant.
Given the triage classification and the data-analysis findings, produce
ranked optimization recommendations with estimated daily savings in USD.

Respond with ONLY a JSON object of this shape:
{
  "recommendations": [
    {
      "title": "short imperative title",
      "description": "what to change and why it helps",
      "estimated_savings_usd": 0.0,
      "risk": "low" | "medium" | "high",
      "rank": 1
    }
  ]
}
Rank 1 is the highest-impact recommendation. Keep the list to at most five.`

// OptimizationAgent turns findings into ranked recommendations.
type OptimizationAgent struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewOptimizationAgent creates the optimization agent.
func NewOptimizationAgent(client llm.LLMClient) *OptimizationAgent {
	return &OptimizationAgent{client: client, logger: logx.NewLogger(NameOptimization)}
}

// Name implements Agent.
func (a *OptimizationAgent) Name() string { return NameOptimization }

// Execute implements Agent.
func (a *OptimizationAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	findings, err := json.Marshal(map[string]any{
		"triage": snapshot.Triage,
		"data":   snapshot.Data,
	})
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("failed to encode findings: %w", err)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(optimizationSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf("User request: %s\n\nFindings:\n%s",
			snapshot.UserRequest, findings)),
	})

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return run.StageDelta{}, err
	}

	var result run.OptimizationsResult
	if err := llm.ExtractJSON(resp.Content, &result); err != nil {
		return run.StageDelta{}, llmerrors.NewWithCause(llmerrors.ErrorTypeEmptyResponse, err,
			"optimization response was not parseable JSON")
	}
	if len(result.Recommendations) == 0 {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"optimization response contained no recommendations")
	}

	// Model ranking is advisory; enforce a stable order.
	sort.SliceStable(result.Recommendations, func(i, j int) bool {
		return result.Recommendations[i].Rank < result.Recommendations[j].Rank
	})

	a.logger.Info("run %s: %d recommendations", snapshot.RunID, len(result.Recommendations))
	return run.StageDelta{Optimizations: &result}, nil
}
