package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"optiq/pkg/llm"
	"optiq/pkg/logx"
	"optiq/pkg/run"
)

const reportingSystemPrompt = `You are the reporting stage of an AI-workload optimization assistant.
Write the final report for the user: a two-to-three sentence executive
summary and a full markdown report covering the triage verdict, the data
findings, the ranked recommendations, and the action plan.

Respond with ONLY a JSON object of this shape:
{
  "summary": "executive summary",
  "markdown": "# Optimization Report\n..."
}`

// ReportingAgent renders the final report. It always produces output:
// when the LLM fails to return parseable JSON the stage falls back to a
// mechanical rendering of the accumulated state, so a run that got this
// far still ends with a report.
type ReportingAgent struct {
	client llm.LLMClient
	logger *logx.Logger
}

// NewReportingAgent creates the reporting agent.
func NewReportingAgent(client llm.LLMClient) *ReportingAgent {
	return &ReportingAgent{client: client, logger: logx.NewLogger(NameReporting)}
}

// Name implements Agent.
func (a *ReportingAgent) Name() string { return NameReporting }

// Execute implements Agent.
func (a *ReportingAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	stateJSON, err := json.Marshal(snapshot)
	if err != nil {
		return run.StageDelta{}, fmt.Errorf("failed to encode run state: %w", err)
	}

	req := llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewSystemMessage(reportingSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf("Run state:\n%s", stateJSON)),
	})

	resp, err := a.client.Complete(ctx, req)
	if err != nil {
		return run.StageDelta{}, err
	}

	var result run.ReportResult
	if err := llm.ExtractJSON(resp.Content, &result); err != nil || result.Markdown == "" {
		a.logger.Warn("run %s: falling back to mechanical report rendering", snapshot.RunID)
		result = renderFallbackReport(&snapshot)
	}

	a.logger.Info("run %s: report ready (%d chars)", snapshot.RunID, len(result.Markdown))
	return run.StageDelta{Report: &result}, nil
}

// renderFallbackReport builds a plain report straight from the state.
func renderFallbackReport(s *run.State) run.ReportResult {
	var b strings.Builder
	b.WriteString("# Optimization Report\n\n")
	fmt.Fprintf(&b, "Request: %s\n\n", s.UserRequest)

	if s.Triage != nil {
		fmt.Fprintf(&b, "## Triage\n\n- Category: %s\n- Severity: %s\n\n",
			s.Triage.Category, s.Triage.Severity)
	}
	if s.Data != nil && !s.Data.Skipped {
		b.WriteString("## Findings\n\n")
		for _, anomaly := range s.Data.Anomalies {
			fmt.Fprintf(&b, "- %s\n", anomaly)
		}
		b.WriteString("\n")
	}
	if s.Optimizations != nil {
		b.WriteString("## Recommendations\n\n")
		for _, rec := range s.Optimizations.Recommendations {
			fmt.Fprintf(&b, "%d. **%s** (risk: %s): %s\n",
				rec.Rank, rec.Title, rec.Risk, rec.Description)
		}
		b.WriteString("\n")
	}
	if s.ActionPlan != nil {
		b.WriteString("## Action plan\n\n")
		for _, action := range s.ActionPlan.Actions {
			gate := ""
			if action.RequiresApproval {
				gate = " (requires approval)"
			}
			fmt.Fprintf(&b, "%d. %s%s\n", action.Order, action.Description, gate)
		}
	}

	summary := fmt.Sprintf("Analysis of %q finished with %d recommendations.",
		s.UserRequest, recommendationCount(s))
	return run.ReportResult{Summary: summary, Markdown: b.String()}
}

func recommendationCount(s *run.State) int {
	if s.Optimizations == nil {
		return 0
	}
	return len(s.Optimizations.Recommendations)
}
