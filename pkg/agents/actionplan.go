package agents

import (
	"context"
	"encoding/json"
	"fmt"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/logx"
	"optiq/pkg/run"
	"optiq/pkg/tools"
)

const actionPlanSystemPrompt = `You are the action-planning stage of an AI-workload optimization assistant.
Convert the accepted recommendations into an ordered plan of concrete
actions. Destructive or production-impacting actions must be gated behind
approval. If an action maps to one of the available tools, name it.

Available tools: %s

Respond with ONLY a JSON object of this shape:
{
  "actions": [
    {
      "order": 1,
      "description": "concrete step",
      "tool": "tool name or empty string",
      "requires_approval": true | false
    }
  ]
}`

// ActionPlanAgent converts recommendations into ordered, gated actions.
type ActionPlanAgent struct {
	client     llm.LLMClient
	dispatcher *tools.Dispatcher
	logger     *logx.Logger
}

// NewActionPlanAgent creates the action-planning agent. The dispatcher is
// only consulted for its operation names.
func NewActionPlanAgent(client llm.LLMClient, dispatcher *tools.Dispatcher) *ActionPlanAgent {
	return &ActionPlanAgent{
		client:     client,
		dispatcher: dispatcher,
		logger:     logx.NewLogger(NameActionPlan),
	}
}

// Name implements Agent.
func (a *ActionPlanAgent) Name() string { return NameActionPlan }

// Execute implements Agent.
func (a *ActionPlanAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	if snapshot.Optimizations == nil || len(snapshot.Optimizations.Recommendations) == 0 {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeValidation,
			"action planning requires optimization recommendations")
	}

	recommendations, err := json.Marshal(snapshot.Optimizations.Recommendations)
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("failed to encode recommendations: %w", err)
	}

	toolNames, _ := json.Marshal(a.dispatcher.Names())
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(fmt.Sprintf(actionPlanSystemPrompt, toolNames)),
		llm.NewUserMessage(fmt.Sprintf("Recommendations:\n%s", recommendations)),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return run.StageDelta{}, err
	}

	var result run.ActionPlanResult
	if err := llm.ExtractJSON(resp.Content, &result); err != nil {
		return run.StageDelta{}, llmerrors.NewWithCause(llmerrors.ErrorTypeEmptyResponse, err,
			"action plan response was not parseable JSON")
	}
	if len(result.Actions) == 0 {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"action plan response contained no actions")
	}

	a.logger.Info("run %s: %d planned actions", snapshot.RunID, len(result.Actions))
	return run.StageDelta{ActionPlan: &result}, nil
}
