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

const dataSystemPrompt = `You are the data-analysis stage of an AI-workload optimization assistant.
You are given the current metric snapshot, cost breakdown, and baseline for a
workload. Identify anomalies: metrics that deviate meaningfully from the
baseline or that indicate waste, saturation, or degradation.

Respond with ONLY a JSON object of this shape:
{
  "anomalies": ["one short sentence per anomaly, naming the metric and the deviation"]
}`

// DataAnalysisAgent pulls workload telemetry through the tool dispatcher
// and asks the LLM for anomaly findings. When triage decided no data is
// needed the stage records a skipped result instead of calling out.
type DataAnalysisAgent struct {
	client     llm.LLMClient
	dispatcher *tools.Dispatcher
	logger     *logx.Logger
}

// NewDataAnalysisAgent creates the data-analysis agent.
func NewDataAnalysisAgent(client llm.LLMClient, dispatcher *tools.Dispatcher) *DataAnalysisAgent {
	return &DataAnalysisAgent{
		client:     client,
		dispatcher: dispatcher,
		logger:     logx.NewLogger(NameDataAnalysis),
	}
}

// Name implements Agent.
func (a *DataAnalysisAgent) Name() string { return NameDataAnalysis }

// Execute implements Agent.
func (a *DataAnalysisAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	if snapshot.Triage != nil && !snapshot.Triage.NeedsData {
		a.logger.Info("run %s: triage waived data collection", snapshot.RunID)
		return run.StageDelta{Data: &run.DataResult{Skipped: true}}, nil
	}

	params := map[string]any{"workload_id": snapshot.ThreadID}

	metricsRes, err := a.dispatcher.Dispatch(ctx, tools.ToolWorkloadMetrics, params)
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("metrics fetch failed: %w", err)
	}
	snap, ok := metricsRes.Payload.(*tools.Snapshot)
	if !ok {
		return run.StageDelta{}, fmt.Errorf("unexpected metrics payload %T", metricsRes.Payload)
	}

	costRes, err := a.dispatcher.Dispatch(ctx, tools.ToolWorkloadCostBreakdown, params)
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("cost breakdown fetch failed: %w", err)
	}

	baselineRes, err := a.dispatcher.Dispatch(ctx, tools.ToolWorkloadBaseline, params)
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("baseline fetch failed: %w", err)
	}
	baseline, _ := baselineRes.Payload.(map[string]float64)

	workloadData, err := json.Marshal(map[string]any{
		"metrics":        snap.Metrics,
		"cost_breakdown": costRes.Payload,
		"baseline":       baseline,
	})
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("failed to encode analysis context: %w", err)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(dataSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf("User request: %s\n\nWorkload data:\n%s",
			snapshot.UserRequest, workloadData)),
	})
	req.Temperature = llm.TemperatureDeterministic

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return run.StageDelta{}, err
	}

	var parsed struct {
		Anomalies []string `json:"anomalies"`
	}
	if err := llm.ExtractJSON(resp.Content, &parsed); err != nil {
		return run.StageDelta{}, llmerrors.NewWithCause(llmerrors.ErrorTypeEmptyResponse, err,
			"data analysis response was not parseable JSON")
	}

	a.logger.Info("run %s: %d metrics, %d anomalies",
		snapshot.RunID, len(snap.Metrics), len(parsed.Anomalies))
	return run.StageDelta{Data: &run.DataResult{
		Metrics:   snap.Metrics,
		Anomalies: parsed.Anomalies,
		Baseline:  baseline,
	}}, nil
}
