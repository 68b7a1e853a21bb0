package supervisor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiq/internal/mocks"
	"optiq/pkg/agents"
	"optiq/pkg/config"
	"optiq/pkg/llm"
	"optiq/pkg/llmerrors"
	"optiq/pkg/reliability"
	"optiq/pkg/run"
	"optiq/pkg/tools"
)

func toolsDispatcher() *tools.Dispatcher {
	d := tools.NewDispatcher()
	tools.NewWorkloadTools(tools.SyntheticSource{}, nil, nil).RegisterAll(d)
	return d
}

func fastRelConfig() reliability.ManagerConfig {
	return reliability.ManagerConfig{
		Circuit: reliability.CircuitConfig{
			FailureThreshold: 3,
			SuccessThreshold: 2,
			RecoveryTimeout:  time.Minute,
			HalfOpenMaxCalls: 2,
		},
		Retry: reliability.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  time.Millisecond,
			MaxDelay:      5 * time.Millisecond,
			BackoffFactor: 2.0,
		},
		TimeoutSeconds: 5,
		CircuitEnabled: true,
	}
}

func globalConfig() config.SupervisorConfig {
	return config.SupervisorConfig{LockGranularity: config.LockGlobal}
}

// stubAgent lets tests script stage behavior without LLM plumbing.
type stubAgent struct {
	name string
	fn   func(ctx context.Context, snapshot run.State) (run.StageDelta, error)
}

func (a *stubAgent) Name() string { return a.name }
func (a *stubAgent) Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error) {
	return a.fn(ctx, snapshot)
}

func succeedingRegistry() *agents.Registry {
	r := agents.NewRegistry()
	r.Register(&stubAgent{agents.NameTriage, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{Triage: &run.TriageResult{Category: "cost", Severity: "high", NeedsData: true}}, nil
	}})
	r.Register(&stubAgent{agents.NameDataAnalysis, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{Data: &run.DataResult{Anomalies: []string{"gpu idle"}}}, nil
	}})
	r.Register(&stubAgent{agents.NameOptimization, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{Optimizations: &run.OptimizationsResult{
			Recommendations: []run.Recommendation{{Title: "Right-size", Rank: 1, Risk: "low"}},
		}}, nil
	}})
	r.Register(&stubAgent{agents.NameActionPlan, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{ActionPlan: &run.ActionPlanResult{
			Actions: []run.Action{{Order: 1, Description: "resize pool", RequiresApproval: true}},
		}}, nil
	}})
	r.Register(&stubAgent{agents.NameReporting, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{Report: &run.ReportResult{Summary: "done", Markdown: "# Report"}}, nil
	}})
	return r
}

func TestRunHappyPath(t *testing.T) {
	s := New(succeedingRegistry(), globalConfig(), fastRelConfig())

	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, state.Status)
	assert.NotNil(t, state.Triage)
	assert.NotNil(t, state.Data)
	assert.NotNil(t, state.Optimizations)
	assert.NotNil(t, state.ActionPlan)
	assert.NotNil(t, state.Report)
	assert.Equal(t, 5, state.Version)
	require.NotNil(t, state.FinishedAt)
}

func TestRunDropsDataStageWhenTriageWaivesIt(t *testing.T) {
	r := succeedingRegistry()
	dataCalled := false
	r.Register(&stubAgent{agents.NameTriage, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{Triage: &run.TriageResult{Category: "cost", NeedsData: false}}, nil
	}})
	r.Register(&stubAgent{agents.NameDataAnalysis, func(context.Context, run.State) (run.StageDelta, error) {
		dataCalled = true
		return run.StageDelta{Data: &run.DataResult{}}, nil
	}})

	s := New(r, globalConfig(), fastRelConfig())
	state, err := s.Run(context.Background(), "quick check", "wl-1", "user-1", "run-1")
	require.NoError(t, err)

	assert.False(t, dataCalled, "data agent must not run when triage waives data")
	require.NotNil(t, state.Data)
	assert.True(t, state.Data.Skipped)
	assert.Equal(t, run.StatusCompleted, state.Status)
}

func TestRunAbsorbsSingleStepFailure(t *testing.T) {
	r := succeedingRegistry()
	r.Register(&stubAgent{agents.NameOptimization, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeValidation, "bad findings")
	}})

	s := New(r, globalConfig(), fastRelConfig())
	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompletedWithFallback, state.Status)
	assert.Nil(t, state.Optimizations)
	assert.NotNil(t, state.Report, "later stages still run after a failure")
}

func TestRunMissingAgentIsFailedStepNotPanic(t *testing.T) {
	r := succeedingRegistry()
	empty := agents.NewRegistry()
	for _, name := range []string{agents.NameTriage, agents.NameDataAnalysis, agents.NameOptimization, agents.NameActionPlan} {
		a, err := r.Get(name)
		require.NoError(t, err)
		empty.Register(a)
	}
	// reporting never registered

	s := New(empty, globalConfig(), fastRelConfig())
	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompletedWithFallback, state.Status)
	assert.Nil(t, state.Report)
}

func TestRunFailsOnlyWhenAllStagesFail(t *testing.T) {
	r := agents.NewRegistry()
	for _, name := range pipelineOrder {
		r.Register(&stubAgent{name, func(context.Context, run.State) (run.StageDelta, error) {
			return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeValidation, "broken")
		}})
	}

	hookErr := errors.New("paging oncall")
	var hookRunErr error
	s := New(r, globalConfig(), fastRelConfig()).WithHooks(Hooks{
		RunError: func(_ context.Context, _ *run.State, err error) error {
			hookRunErr = err
			return hookErr
		},
	})

	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	assert.Equal(t, run.StatusFailed, state.Status)
	assert.ErrorIs(t, err, hookErr, "RunError hook error propagates")
	assert.Error(t, hookRunErr)
}

func TestRunAbortOnStepFailure(t *testing.T) {
	r := succeedingRegistry()
	reportingCalled := false
	r.Register(&stubAgent{agents.NameTriage, func(context.Context, run.State) (run.StageDelta, error) {
		return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeValidation, "broken")
	}})
	r.Register(&stubAgent{agents.NameReporting, func(context.Context, run.State) (run.StageDelta, error) {
		reportingCalled = true
		return run.StageDelta{Report: &run.ReportResult{}}, nil
	}})

	cfg := globalConfig()
	cfg.AbortOnStepFailure = true
	s := New(r, cfg, fastRelConfig())

	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusFailed, state.Status)
	assert.False(t, reportingCalled)
}

func TestRunRetriesTransientStepFailure(t *testing.T) {
	r := succeedingRegistry()
	calls := 0
	r.Register(&stubAgent{agents.NameTriage, func(context.Context, run.State) (run.StageDelta, error) {
		calls++
		if calls < 3 {
			return run.StageDelta{}, llmerrors.New(llmerrors.ErrorTypeTransient, "blip")
		}
		return run.StageDelta{Triage: &run.TriageResult{Category: "cost", NeedsData: true}}, nil
	}})

	s := New(r, globalConfig(), fastRelConfig())
	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, state.Status)
	assert.Equal(t, 3, calls)
}

func TestHookPanicsAreSwallowed(t *testing.T) {
	s := New(succeedingRegistry(), globalConfig(), fastRelConfig()).WithHooks(Hooks{
		RunStarted:  func(context.Context, *run.State) { panic("boom") },
		StepStarted: func(context.Context, string, string) { panic("boom") },
	})

	state, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)
	assert.Equal(t, run.StatusCompleted, state.Status)
}

func TestRunCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := New(succeedingRegistry(), globalConfig(), fastRelConfig())
	_, err := s.Run(ctx, "costs doubled", "wl-1", "user-1", "run-1")
	assert.Error(t, err)
}

// captureNotifier records pushes for assertions.
type captureNotifier struct {
	mu       sync.Mutex
	agents   []string
	statuses []run.Status
}

func (n *captureNotifier) SendAgentUpdate(_, agent string, _ *run.StepResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.agents = append(n.agents, agent)
}

func (n *captureNotifier) SendRunStatus(_ string, status run.Status, _ *run.State) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, status)
}

func TestRunNotifiesProgress(t *testing.T) {
	notifier := &captureNotifier{}
	s := New(succeedingRegistry(), globalConfig(), fastRelConfig()).WithNotifier(notifier)

	_, err := s.Run(context.Background(), "costs doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)

	assert.Equal(t, pipelineOrder, notifier.agents)
	assert.Equal(t, []run.Status{run.StatusRunning, run.StatusCompleted}, notifier.statuses)
}

func TestGlobalLockSerializesRuns(t *testing.T) {
	var mu sync.Mutex
	active, maxActive := 0, 0

	r := agents.NewRegistry()
	for _, name := range pipelineOrder {
		r.Register(&stubAgent{name, func(context.Context, run.State) (run.StageDelta, error) {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()

			time.Sleep(2 * time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			return run.StageDelta{Report: &run.ReportResult{}}, nil
		}})
	}

	s := New(r, globalConfig(), fastRelConfig())
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.Run(context.Background(), "req", "wl-1", "user-1", string(rune('a'+i)))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, maxActive, "global lock must serialize concurrent runs")
}

func TestPerRunLockAllowsParallelRuns(t *testing.T) {
	started := make(chan string, 2)
	release := make(chan struct{})

	r := agents.NewRegistry()
	for _, name := range pipelineOrder {
		name := name
		r.Register(&stubAgent{name, func(_ context.Context, snapshot run.State) (run.StageDelta, error) {
			if name == agents.NameTriage {
				started <- snapshot.RunID
				<-release
			}
			return run.StageDelta{Triage: &run.TriageResult{Category: "cost", NeedsData: true}}, nil
		}})
	}

	cfg := globalConfig()
	cfg.LockGranularity = config.LockPerRun
	s := New(r, cfg, fastRelConfig())

	var wg sync.WaitGroup
	for _, id := range []string{"run-1", "run-2"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, _ = s.Run(context.Background(), "req", "wl-1", "user-1", id)
		}(id)
	}

	// Both runs reach the triage stage concurrently before either is
	// released, proving distinct run IDs do not serialize.
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-started:
			seen[id] = true
		case <-time.After(2 * time.Second):
			t.Fatal("runs did not start in parallel under per-run locking")
		}
	}
	close(release)
	wg.Wait()

	assert.Len(t, seen, 2)
}

// End-to-end: the real agents against scripted LLM responses.
func TestPipelineWithRealAgents(t *testing.T) {
	triageClient := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"category":"cost","severity":"high","signals":["spend spike"],"needs_data":false,"justification":"billing anomaly"}`},
	}, nil)
	optimizationClient := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"recommendations":[{"title":"Right-size GPU pool","description":"reduce idle","estimated_savings_usd":200,"risk":"low","rank":1}]}`},
	}, nil)
	planClient := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"actions":[{"order":1,"description":"resize pool","requires_approval":true}]}`},
	}, nil)
	reportClient := mocks.NewLLMClient([]llm.CompletionResponse{
		{Content: `{"summary":"idle GPUs are the culprit","markdown":"# Optimization Report\nDetails"}`},
	}, nil)

	r := agents.NewRegistry()
	r.Register(agents.NewTriageAgent(triageClient))
	r.Register(agents.NewOptimizationAgent(optimizationClient))
	r.Register(agents.NewActionPlanAgent(planClient, toolsDispatcher()))
	r.Register(agents.NewReportingAgent(reportClient))
	r.Register(agents.NewDataAnalysisAgent(mocks.NewLLMClient(nil, nil), toolsDispatcher()))

	s := New(r, globalConfig(), fastRelConfig())
	state, err := s.Run(context.Background(), "our GPU bill doubled", "wl-1", "user-1", "run-1")
	require.NoError(t, err)

	assert.Equal(t, run.StatusCompleted, state.Status)
	require.NotNil(t, state.Data)
	assert.True(t, state.Data.Skipped, "triage said needs_data=false")
	require.NotNil(t, state.Report)
	assert.Contains(t, state.Report.Markdown, "Optimization Report")
}
