package agents

import (
	"context"

	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/logx"
	"optiq/pkg/run"
)

const triageSystemPrompt = `You are the triage stage of an AI-workload optimization assistant.
Classify the user's request and decide whether historical workload data is
needed before recommendations can be made.

Respond with ONLY a JSON object of this shape:
{
  "category": "cost" | "latency" | "reliability" | "capacity",
  "severity": "low" | "medium" | "high" | "critical",
  "signals": ["short phrases naming the symptoms you noticed"],
  "needs_data": true | false,
  "justification": "one sentence"
}`

// TriageAgent classifies the incoming request and gates the data stage.
type TriageAgent struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewTriageAgent creates the triage agent over the given (already
// middleware-wrapped) client.
func NewTriageAgent(client llm.LLMClient) *TriageAgent {
	return &TriageAgent{client: client, logger: logx.NewLogger(NameTriage)}
}

// Name implements Agent.
func (a *TriageAgent) Name() string { return NameTriage }

// Execute implements Agent.
func (a *TriageAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(triageSystemPrompt),
		llm.NewUserMessage(snapshot.UserRequest),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return run.StageDelta{}, err
	}

	var result run.TriageResult
	if err := llm.ExtractJSON(resp.Content, &result); err != nil {
		return run.StageDelta{}, llmerrors.NewWithCause(llmerrors.ErrorTypeEmptyResponse, err,
			"triage response was not parseable JSON")
	}
	if result.Category == "" {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeEmptyResponse,
			"triage response missing category")
	}

	a.logger.Info("run %s triaged: category=%s severity=%s needs_data=%v",
		snapshot.RunID, result.Category, result.Severity, result.NeedsData)
	return run.StageDelta{Triage: &result}, nil
}
