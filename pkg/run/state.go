// Package run defines the workflow context threaded through one pipeline
// run: the run state, stage results, and the delta type stages return for
// the supervisor to merge.
package run

import (
	"fmt"
	"time"
)

// Status is the lifecycle status of a run. A run never returns to
// StatusPending after leaving it.
type Status string

const (
	StatusPending               Status = "pending"
	StatusRunning               Status = "running"
	StatusCompleted             Status = "completed"
	StatusCompletedWithFallback Status = "completed_with_fallback"
	StatusFailed                Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCompletedWithFallback, StatusFailed:
		return true
	default:
		return false
	}
}

// TriageResult is the output of the triage stage.
type TriageResult struct {
	Category      string   `json:"category"` // cost | latency | reliability | capacity
	Severity      string   `json:"severity"` // low | medium | high | critical
	Signals       []string `json:"signals"`
	NeedsData     bool     `json:"needs_data"`
	Justification string   `json:"justification,omitempty"`
}

// MetricPoint is one observed workload metric.
type MetricPoint struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// DataResult is the output of the data-analysis stage.
type DataResult struct {
	Metrics   []MetricPoint      `json:"metrics"`
	Anomalies []string           `json:"anomalies"`
	Baseline  map[string]float64 `json:"baseline,omitempty"`
	Skipped   bool               `json:"skipped,omitempty"`
}

// Recommendation is one ranked optimization suggestion.
type Recommendation struct {
	Title            string  `json:"title"`
	Description      string  `json:"description"`
	EstimatedSavings float64 `json:"estimated_savings_usd,omitempty"`
	Risk             string  `json:"risk"` // low | medium | high
	Rank             int     `json:"rank"`
}

// OptimizationsResult is the output of the optimization stage.
type OptimizationsResult struct {
	Recommendations []Recommendation `json:"recommendations"`
}

// Action is one gated step in the action plan.
type Action struct {
	Order            int    `json:"order"`
	Description      string `json:"description"`
	Tool             string `json:"tool,omitempty"` // dispatcher operation, if automatable
	RequiresApproval bool   `json:"requires_approval"`
}

// ActionPlanResult is the output of the action-planning stage.
type ActionPlanResult struct {
	Actions []Action `json:"actions"`
}

// ReportResult is the output of the reporting stage.
type ReportResult struct {
	Summary  string `json:"summary"`
	Markdown string `json:"markdown"`
}

// State is the workflow context for one run. The supervisor owns the
// canonical instance; stages receive a snapshot and return a StageDelta,
// so no stage ever mutates shared state directly.
type State struct {
	RunID       string     `json:"run_id"`
	ThreadID    string     `json:"thread_id"`
	UserID      string     `json:"user_id"`
	UserRequest string     `json:"user_request"`
	Status      Status     `json:"status"`
	Version     int        `json:"version"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`

	Triage        *TriageResult        `json:"triage_result,omitempty"`
	Data          *DataResult          `json:"data_result,omitempty"`
	Optimizations *OptimizationsResult `json:"optimizations_result,omitempty"`
	ActionPlan    *ActionPlanResult    `json:"action_plan_result,omitempty"`
	Report        *ReportResult        `json:"report_result,omitempty"`
}

// NewState creates the initial state for a run.
func NewState(runID, threadID, userID, userRequest string) *State {
	return &State{
		RunID:       runID,
		ThreadID:    threadID,
		UserID:      userID,
		UserRequest: userRequest,
		Status:      StatusPending,
		StartedAt:   time.Now().UTC(),
	}
}

// StageDelta is the partial result a stage hands back to the supervisor.
// Exactly one result field is expected to be set per stage.
type StageDelta struct {
	Triage        *TriageResult
	Data          *DataResult
	Optimizations *OptimizationsResult
	ActionPlan    *ActionPlanResult
	Report        *ReportResult
}

// Empty reports whether the delta carries no result.
func (d StageDelta) Empty() bool {
	return d.Triage == nil && d.Data == nil && d.Optimizations == nil &&
		d.ActionPlan == nil && d.Report == nil
}

// Apply merges a stage delta into the state and bumps the version.
// Only non-nil delta fields overwrite existing slots.
func (s *State) Apply(d StageDelta) {
	if d.Triage != nil {
		s.Triage = d.Triage
	}
	if d.Data != nil {
		s.Data = d.Data
	}
	if d.Optimizations != nil {
		s.Optimizations = d.Optimizations
	}
	if d.ActionPlan != nil {
		s.ActionPlan = d.ActionPlan
	}
	if d.Report != nil {
		s.Report = d.Report
	}
	s.Version++
}

// Transition moves the run to the given status. Returning to pending or
// leaving a terminal state is rejected.
func (s *State) Transition(to Status) error {
	if to == StatusPending && s.Status != StatusPending {
		return fmt.Errorf("run %s: cannot re-enter pending from %s", s.RunID, s.Status)
	}
	if s.Status.Terminal() {
		return fmt.Errorf("run %s: already terminal (%s)", s.RunID, s.Status)
	}
	s.Status = to
	if to.Terminal() {
		now := time.Now().UTC()
		s.FinishedAt = &now
	}
	return nil
}

// Clone returns a deep-enough copy for stage snapshots: result pointers are
// shared but stages treat them as read-only and only ever produce deltas.
func (s *State) Clone() State {
	return *s
}
