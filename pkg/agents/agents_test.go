package agents

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiq/internal/mocks"
	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/run"
	"optiq/pkg/tools"
)

func snapshot() run.State {
	s := run.NewState("run-1", "wl-123", "user-1", "our inference costs doubled last week")
	return s.Clone()
}

func newDispatcher() *tools.Dispatcher {
	d := tools.NewDispatcher()
	tools.NewWorkloadTools(tools.SyntheticSource{}, nil, nil).RegisterAll(d)
	return d
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get(NameTriage)
	assert.Error(t, err)

	client := mocks.NewLLMClient(nil, nil)
	r.Register(NewTriageAgent(client))

	a, err := r.Get(NameTriage)
	require.NoError(t, err)
	assert.Equal(t, NameTriage, a.Name())
	assert.Len(t, r.Names(), 1)
}

func TestTriageParsesStructuredResponse(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: "```json\n{\"category\":\"cost\",\"severity\":\"high\",\"signals\":[\"cost doubled\"],\"needs_data\":true,\"justification\":\"spend anomaly\"}\n```"},
	}, nil)

	delta, err := NewTriageAgent(client).Execute(context.Background(), snapshot())
	require.NoError(t, err)
	require.NotNil(t, delta.Triage)
	assert.Equal(t, "cost", delta.Triage.Category)
	assert.Equal(t, "high", delta.Triage.Severity)
	assert.True(t, delta.Triage.NeedsData)
}

func TestTriageRejectsUnparseableResponse(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: "sorry, I cannot help with that"},
	}, nil)

	_, err := NewTriageAgent(client).Execute(context.Background(), snapshot())
	require.Error(t, err)
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
}

func TestDataAnalysisSkipsWhenTriageWaivesData(t *testing.T) {
	client := mocks.NewLLMClient(nil, nil)
	agent := NewDataAnalysisAgent(client, newDispatcher())

	s := snapshot()
	s.Triage = &run.TriageResult{Category: "cost", NeedsData: false}

	delta, err := agent.Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, delta.Data)
	assert.True(t, delta.Data.Skipped)
	assert.Equal(t, 0, client.Calls(), "skipped stage must not call the LLM")
}

func TestDataAnalysisCollectsMetrics(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"anomalies":["gpu_utilization well below baseline"]}`},
	}, nil)
	agent := NewDataAnalysisAgent(client, newDispatcher())

	s := snapshot()
	s.Triage = &run.TriageResult{Category: "cost", NeedsData: true}

	delta, err := agent.Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, delta.Data)
	assert.NotEmpty(t, delta.Data.Metrics)
	assert.Equal(t, []string{"gpu_utilization well below baseline"}, delta.Data.Anomalies)
	assert.NotEmpty(t, delta.Data.Baseline)
}

func TestOptimizationRanksRecommendations(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"recommendations":[
			{"title":"B","description":"second","risk":"low","rank":2},
			{"title":"A","description":"first","estimated_savings_usd":120.5,"risk":"medium","rank":1}
		]}`},
	}, nil)

	delta, err := NewOptimizationAgent(client).Execute(context.Background(), snapshot())
	require.NoError(t, err)
	require.NotNil(t, delta.Optimizations)
	require.Len(t, delta.Optimizations.Recommendations, 2)
	assert.Equal(t, "A", delta.Optimizations.Recommendations[0].Title)
	assert.Equal(t, 120.5, delta.Optimizations.Recommendations[0].EstimatedSavings)
}

func TestOptimizationRejectsEmptyList(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"recommendations":[]}`},
	}, nil)

	_, err := NewOptimizationAgent(client).Execute(context.Background(), snapshot())
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse))
}

func TestActionPlanRequiresRecommendations(t *testing.T) {
	client := mocks.NewLLMClient(nil, nil)
	agent := NewActionPlanAgent(client, newDispatcher())

	_, err := agent.Execute(context.Background(), snapshot())
	assert.True(t, llmerrors.Is(err, llmerrors.ErrorTypeValidation))
	assert.Equal(t, 0, client.Calls())
}

func TestActionPlanProducesGatedActions(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"actions":[
			{"order":1,"description":"snapshot current metrics","tool":"workload.metrics","requires_approval":false},
			{"order":2,"description":"resize the GPU pool","requires_approval":true}
		]}`},
	}, nil)
	agent := NewActionPlanAgent(client, newDispatcher())

	s := snapshot()
	s.Optimizations = &run.OptimizationsResult{Recommendations: []run.Recommendation{
		{Title: "Right-size GPU pool", Rank: 1, Risk: "medium"},
	}}

	delta, err := agent.Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, delta.ActionPlan)
	require.Len(t, delta.ActionPlan.Actions, 2)
	assert.Equal(t, "workload.metrics", delta.ActionPlan.Actions[0].Tool)
	assert.True(t, delta.ActionPlan.Actions[1].RequiresApproval)
}

func TestReportingParsesResponse(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"summary":"costs doubled due to idle GPUs","markdown":"# Optimization Report\n..."}`},
	}, nil)

	delta, err := NewReportingAgent(client).Execute(context.Background(), snapshot())
	require.NoError(t, err)
	require.NotNil(t, delta.Report)
	assert.Contains(t, delta.Report.Markdown, "# Optimization Report")
}

func TestReportingFallsBackToMechanicalRender(t *testing.T) {
	client := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: "no json here"},
	}, nil)

	s := snapshot()
	s.Triage = &run.TriageResult{Category: "cost", Severity: "high"}
	s.Optimizations = &run.OptimizationsResult{Recommendations: []run.Recommendation{
		{Title: "Right-size GPU pool", Rank: 1, Risk: "medium", Description: "reduce idle capacity"},
	}}

	delta, err := NewReportingAgent(client).Execute(context.Background(), s)
	require.NoError(t, err)
	require.NotNil(t, delta.Report)
	assert.Contains(t, delta.Report.Markdown, "Right-size GPU pool")
	assert.Contains(t, delta.Report.Summary, "1 recommendations")
}
