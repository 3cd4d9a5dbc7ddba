// Package workflow defines the named stage sequences a task can run
// through, and the registry the orchestrator resolves them from.
package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// Stage is one unit of agent execution. The orchestrator checkpoints at
// every stage boundary.
type Stage struct {
	Name        string
	AgentKind   string
	Description string
}

// Workflow is an ordered list of stages under a unique name.
type Workflow struct {
	Name   string
	Stages []Stage
}

// StageNames returns the stage names in execution order.
func (w Workflow) StageNames() []string {
	names := make([]string, len(w.Stages))
	for i, s := range w.Stages {
		names[i] = s.Name
	}
	return names
}

// Registry resolves workflow names. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewRegistry seeds the built-in workflows: feature, fix and quick.
func NewRegistry() *Registry {
	r := &Registry{workflows: make(map[string]Workflow)}
	for _, w := range builtins() {
		r.workflows[w.Name] = w
	}
	return r
}

func builtins() []Workflow {
	return []Workflow{
		{
			Name: "feature",
			Stages: []Stage{
				{Name: "plan", AgentKind: "planner", Description: "break the request into concrete steps"},
				{Name: "implement", AgentKind: "coder", Description: "write the change"},
				{Name: "test", AgentKind: "coder", Description: "add and run tests"},
				{Name: "review", AgentKind: "reviewer", Description: "self-review the diff"},
			},
		},
		{
			Name: "fix",
			Stages: []Stage{
				{Name: "diagnose", AgentKind: "planner", Description: "reproduce and locate the defect"},
				{Name: "implement", AgentKind: "coder", Description: "apply the fix"},
				{Name: "test", AgentKind: "coder", Description: "cover the regression"},
			},
		},
		{
			Name: "quick",
			Stages: []Stage{
				{Name: "implement", AgentKind: "coder", Description: "small self-contained change"},
			},
		},
	}
}

// Register adds or replaces a workflow. The name and every stage must be
// non-empty, and stage names must be unique within the workflow.
func (r *Registry) Register(w Workflow) error {
	if w.Name == "" {
		return fmt.Errorf("workflow name is required")
	}
	if len(w.Stages) == 0 {
		return fmt.Errorf("workflow %q has no stages", w.Name)
	}
	seen := make(map[string]bool, len(w.Stages))
	for _, stage := range w.Stages {
		if stage.Name == "" {
			return fmt.Errorf("workflow %q has a stage with no name", w.Name)
		}
		if seen[stage.Name] {
			return fmt.Errorf("workflow %q repeats stage %q", w.Name, stage.Name)
		}
		seen[stage.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[w.Name] = w
	return nil
}

// Get resolves a workflow by name.
func (r *Registry) Get(name string) (Workflow, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[name]
	return w, ok
}

// Names lists registered workflow names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
