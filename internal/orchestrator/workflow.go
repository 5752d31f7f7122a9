package orchestrator

import "time"

// StepKind discriminates workflow steps.
type StepKind string

const (
	// StepAgent dispatches to a named remote agent.
	StepAgent StepKind = "agent"
	// StepEvaluate resolves a boolean branch condition in-process via
	// the planning function.
	StepEvaluate StepKind = "evaluate"
)

// Step is a single unit of a workflow definition.
type Step struct {
	ID          string   `json:"id"`
	Kind        StepKind `json:"kind"`
	AgentName   string   `json:"agentName,omitempty"`
	Description string   `json:"description"`
	Order       int      `json:"order"`
}

// Connection routes from one step to the next. When is "" for
// unconditional edges, "true"/"false" for evaluate branches.
type Connection struct {
	From string `json:"from"`
	To   string `json:"to"`
	When string `json:"when,omitempty"`
}

// WorkflowDefinition describes a workflow. A definition with steps is
// static and walked in order/connection sequence; one with only a goal
// is plan-driven, with each next step chosen by the planner.
type WorkflowDefinition struct {
	ID          string       `json:"id"`
	Name        string       `json:"name,omitempty"`
	Goal        string       `json:"goal"`
	Steps       []Step       `json:"steps,omitempty"`
	Connections []Connection `json:"connections,omitempty"`
}

// PlanDriven reports whether the workflow has no predetermined steps.
func (w *WorkflowDefinition) PlanDriven() bool { return len(w.Steps) == 0 }

// step returns the step with the given id.
func (w *WorkflowDefinition) step(id string) (Step, bool) {
	for _, s := range w.Steps {
		if s.ID == id {
			return s, true
		}
	}
	return Step{}, false
}

// first returns the step with the lowest order.
func (w *WorkflowDefinition) first() (Step, bool) {
	if len(w.Steps) == 0 {
		return Step{}, false
	}
	best := w.Steps[0]
	for _, s := range w.Steps[1:] {
		if s.Order < best.Order {
			best = s
		}
	}
	return best, true
}

// failover returns the step behind an explicit "false" edge, if any.
// Unlike next it never falls back to an unconditional connection: a
// failed step without a designated branch ends the run.
func (w *WorkflowDefinition) failover(from string) (Step, bool) {
	for _, c := range w.Connections {
		if c.From == from && c.When == "false" {
			return w.step(c.To)
		}
	}
	return Step{}, false
}

// next resolves the step following from, honoring branch outcomes.
// outcome is "" for agent steps, "true"/"false" after an evaluate.
func (w *WorkflowDefinition) next(from string, outcome string) (Step, bool) {
	// Prefer an explicitly matching connection.
	for _, c := range w.Connections {
		if c.From == from && c.When == outcome {
			return w.step(c.To)
		}
	}
	// Unconditional edge as fallback for branch outcomes.
	if outcome != "" {
		for _, c := range w.Connections {
			if c.From == from && c.When == "" {
				return w.step(c.To)
			}
		}
		return Step{}, false
	}
	// No connections at all: fall back to order sequence.
	if len(w.Connections) == 0 {
		cur, ok := w.step(from)
		if !ok {
			return Step{}, false
		}
		var nxt Step
		found := false
		for _, s := range w.Steps {
			if s.Order > cur.Order && (!found || s.Order < nxt.Order) {
				nxt, found = s, true
			}
		}
		return nxt, found
	}
	return Step{}, false
}

// RunStatus is the outcome of one workflow run.
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunSuspended RunStatus = "suspended"
)

// StepResult records one executed step.
type StepResult struct {
	StepID    string `json:"stepId"`
	AgentName string `json:"agentName,omitempty"`
	Output    string `json:"output"`
	Error     string `json:"error,omitempty"`
}

// RunResult is the aggregated outcome of a workflow run.
type RunResult struct {
	ContextID string            `json:"contextId"`
	Status    RunStatus         `json:"status"`
	Outputs   map[string]string `json:"outputs"`
	Steps     []StepResult      `json:"steps"`
	Question  string            `json:"question,omitempty"` // set when suspended
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
}

// PendingRun is the persisted state of a run suspended on human input.
type PendingRun struct {
	ContextID   string            `json:"contextId"`
	WorkflowID  string            `json:"workflowId"`
	StepID      string            `json:"stepId"`
	Question    string            `json:"question"`
	Outputs     map[string]string `json:"outputs"`
	SuspendedAt time.Time         `json:"suspendedAt"`
}
