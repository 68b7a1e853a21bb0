// Package supervisor orchestrates the analysis pipeline: it owns the run
// state, executes the agents in order through the reliability layer, merges
// their deltas, and reports progress.
package supervisor

import (
	"context"
	"fmt"
	"time"

	"optiq/pkg/agents"
	"optiq/pkg/config"
	"optiq/pkg/logx"
	"optiq/pkg/reliability"
	"optiq/pkg/run"
)

// pipelineOrder is the fixed stage order. The data stage may be dropped
// when triage decides no historical data is needed.
var pipelineOrder = []string{
	agents.NameTriage,
	agents.NameDataAnalysis,
	agents.NameOptimization,
	agents.NameActionPlan,
	agents.NameReporting,
}

// Notifier pushes run progress to subscribed clients. Failures are logged
// and swallowed; a notifier never affects the run outcome. *ws.Hub
// satisfies this.
type Notifier interface {
	SendAgentUpdate(runID, agent string, result *run.StepResult)
	SendRunStatus(runID string, status run.Status, state *run.State)
}

// Persister stores run state snapshots and step outcomes. *store.Store
// satisfies this. Persistence is best-effort: a run completes even when
// saving fails.
type Persister interface {
	SaveRun(ctx context.Context, state *run.State) error
	SaveStepResult(ctx context.Context, runID string, result *run.StepResult) error
}

// Hooks are optional lifecycle callbacks. Panics and errors in hooks are
// logged and swallowed, except RunError: its returned error is propagated
// to the Run caller.
type Hooks struct {
	RunStarted   func(ctx context.Context, state *run.State)
	StepStarted  func(ctx context.Context, runID, agent string)
	StepFinished func(ctx context.Context, runID string, result *run.StepResult)
	RunFinished  func(ctx context.Context, state *run.State)
	RunError     func(ctx context.Context, state *run.State, err error) error
}

// Supervisor executes analysis runs.
type Supervisor struct {
	registry *agents.Registry
	cfg      config.SupervisorConfig
	relCfg   reliability.ManagerConfig
	recorder reliability.EventRecorder

	managers *managerSet
	locks    *lockSet

	notifier  Notifier
	persister Persister
	hooks     Hooks
	logger    *logx.Logger
}

// New creates a supervisor. notifier and persister may be nil.
func New(registry *agents.Registry, cfg config.SupervisorConfig, relCfg reliability.ManagerConfig) *Supervisor {
	return &Supervisor{
		registry: registry,
		cfg:      cfg,
		relCfg:   relCfg,
		recorder: reliability.NoopRecorder{},
		managers: newManagerSet(relCfg),
		locks:    newLockSet(cfg.LockGranularity),
		logger:   logx.NewLogger("supervisor"),
	}
}

// WithNotifier attaches a progress notifier.
func (s *Supervisor) WithNotifier(n Notifier) *Supervisor {
	s.notifier = n
	return s
}

// WithPersister attaches best-effort persistence.
func (s *Supervisor) WithPersister(p Persister) *Supervisor {
	s.persister = p
	return s
}

// WithHooks attaches lifecycle hooks.
func (s *Supervisor) WithHooks(h Hooks) *Supervisor {
	s.hooks = h
	return s
}

// WithRecorder attaches a reliability event recorder applied to each
// per-agent manager.
func (s *Supervisor) WithRecorder(r reliability.EventRecorder) *Supervisor {
	s.recorder = r
	s.managers.recorder = r
	return s
}

// Managers exposes the per-agent reliability managers for health reporting.
func (s *Supervisor) Managers() map[string]*reliability.Manager {
	return s.managers.all()
}

// Run executes the full pipeline for one request and returns the final
// state. The returned error is non-nil only for context cancellation before
// the run started or a propagated RunError hook failure; per-step failures
// are absorbed into the state per the step semantics.
func (s *Supervisor) Run(ctx context.Context, userRequest, threadID, userID, runID string) (*run.State, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("run %s not started: %w", runID, err)
	}

	unlock := s.locks.acquire(runID)
	defer unlock()

	ctx = run.WithRunID(ctx, runID)
	state := run.NewState(runID, threadID, userID, userRequest)
	_ = state.Transition(run.StatusRunning)
	s.logger.Info("run %s started (thread=%s user=%s)", runID, threadID, userID)

	s.fireHook("RunStarted", func() error {
		if s.hooks.RunStarted != nil {
			s.hooks.RunStarted(ctx, state)
		}
		return nil
	})
	s.notifyStatus(runID, run.StatusRunning, state)

	var results []*run.StepResult
	aborted := false
	for _, name := range pipelineOrder {
		if name == agents.NameDataAnalysis && state.Triage != nil && !state.Triage.NeedsData {
			s.logger.Info("run %s: dropping data stage (triage waived data collection)", runID)
			skip := &run.StepResult{
				AgentName: name,
				Success:   true,
				Delta:     run.StageDelta{Data: &run.DataResult{Skipped: true}},
			}
			state.Apply(skip.Delta)
			results = append(results, skip)
			s.finishStep(ctx, runID, skip)
			continue
		}

		result := s.executeStep(ctx, state, name)
		results = append(results, result)
		if result.Success && !result.Delta.Empty() {
			state.Apply(result.Delta)
		}
		s.finishStep(ctx, runID, result)

		if !result.Success && s.cfg.AbortOnStepFailure {
			s.logger.Warn("run %s: aborting after %s failure", runID, name)
			aborted = true
			break
		}
	}

	final := finalStatus(results, aborted)
	_ = state.Transition(final)
	s.logger.Info("run %s finished: %s (version=%d)", runID, final, state.Version)

	if s.persister != nil {
		if err := s.persister.SaveRun(ctx, state); err != nil {
			s.logger.Warn("run %s: failed to persist final state: %v", runID, err)
		}
	}
	s.notifyStatus(runID, final, state)

	var hookErr error
	if final == run.StatusFailed && s.hooks.RunError != nil {
		runErr := firstError(results)
		s.fireHook("RunError", func() error {
			hookErr = s.hooks.RunError(ctx, state, runErr)
			return hookErr
		})
	}
	s.fireHook("RunFinished", func() error {
		if s.hooks.RunFinished != nil {
			s.hooks.RunFinished(ctx, state)
		}
		return nil
	})

	return state, hookErr
}

// executeStep runs one agent through its reliability manager and converts
// the outcome into a StepResult. A missing agent is a failed step, not a
// panic.
func (s *Supervisor) executeStep(ctx context.Context, state *run.State, name string) *run.StepResult {
	start := time.Now()

	s.fireHook("StepStarted", func() error {
		if s.hooks.StepStarted != nil {
			s.hooks.StepStarted(ctx, state.RunID, name)
		}
		return nil
	})

	agent, err := s.registry.Get(name)
	if err != nil {
		s.logger.Error("run %s: %v", state.RunID, err)
		return &run.StepResult{AgentName: name, Err: err, Duration: time.Since(start)}
	}

	snapshot := state.Clone()
	ec := run.NewExecutionContext(state.RunID, name, s.cfg.StreamUpdates)
	manager := s.managers.get(name)

	execResult := manager.Execute(ctx, ec, func(opCtx context.Context) (any, error) {
		delta, err := agent.Execute(opCtx, snapshot)
		if err != nil {
			return nil, err
		}
		return delta, nil
	})

	result := &run.StepResult{
		AgentName: name,
		Success:   execResult.Success,
		Err:       execResult.Err,
		Duration:  time.Duration(execResult.DurationMs) * time.Millisecond,
	}
	if execResult.Success {
		if delta, ok := execResult.Payload.(run.StageDelta); ok {
			result.Delta = delta
		}
	}
	if !execResult.Success {
		s.logger.Warn("run %s: step %s failed (%s, retries=%d): %v",
			state.RunID, name, execResult.ErrorKind, execResult.RetryCount, execResult.Err)
	}
	return result
}

// finishStep persists, notifies, and fires the StepFinished hook.
func (s *Supervisor) finishStep(ctx context.Context, runID string, result *run.StepResult) {
	if s.persister != nil {
		if err := s.persister.SaveStepResult(ctx, runID, result); err != nil {
			s.logger.Warn("run %s: failed to persist step %s: %v", runID, result.AgentName, err)
		}
	}
	if s.notifier != nil {
		s.notifier.SendAgentUpdate(runID, result.AgentName, result)
	}
	s.fireHook("StepFinished", func() error {
		if s.hooks.StepFinished != nil {
			s.hooks.StepFinished(ctx, runID, result)
		}
		return nil
	})
}

// fireHook invokes a hook, recovering panics. Only RunError errors matter
// to the caller and those are captured at the call site.
func (s *Supervisor) fireHook(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("hook %s panicked: %v", name, r)
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("hook %s returned error: %v", name, err)
	}
}

func (s *Supervisor) notifyStatus(runID string, status run.Status, state *run.State) {
	if s.notifier == nil {
		return
	}
	s.notifier.SendRunStatus(runID, status, state)
}

// finalStatus derives the terminal status: Failed only when every executed
// stage failed (or the run aborted on a failure), CompletedWithFallback
// when any stage succeeded only through its fallback.
func finalStatus(results []*run.StepResult, aborted bool) run.Status {
	if len(results) == 0 || aborted {
		return run.StatusFailed
	}

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	switch {
	case succeeded == 0:
		return run.StatusFailed
	case succeeded < len(results):
		return run.StatusCompletedWithFallback
	default:
		return run.StatusCompleted
	}
}

func firstError(results []*run.StepResult) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return fmt.Errorf("run failed with no recorded step error")
}
