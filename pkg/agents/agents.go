// Package agents contains the pipeline sub-agents. Each agent reads a
// snapshot of the run state and returns a delta; it never mutates shared
// state directly.
package agents

import (
	"context"
	"fmt"
	"sync"

	"optiq/pkg/run"
)

// Agent names as used in pipeline ordering, registry lookups, metric
// labels, and notifications.
const (
	NameTriage       = "triage"
	NameDataAnalysis = "data_analysis"
	NameOptimization = "optimization"
	NameActionPlan   = "action_plan"
	NameReporting    = "reporting"
)

// Agent is one pipeline stage.
type Agent interface {
	// Name returns the stable agent identifier.
	Name() string
	// Execute produces this stage's contribution given a snapshot of the
	// run so far. The supervisor merges the returned delta.
	Execute(ctx context.Context, snapshot run.State) (run.StageDelta, error)
}

// Registry maps agent names to implementations. Construct one at wiring
// time and register explicitly; there is no package-level registry.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register adds an agent, replacing any previous registration of the same
// name.
func (r *Registry) Register(a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[a.Name()] = a
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("no agent registered under %q", name)
	}
	return a, nil
}

// Names returns the registered agent names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}
