package orchestrator

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/adapter"
	"github.com/kvoss/fleetline/internal/protocol"
	"github.com/kvoss/fleetline/internal/relay"
)

// AgentResolver is the slice of the registry the runner needs.
type AgentResolver interface {
	Resolve(name string) (*protocol.AgentCard, error)
	ListEnabledFor(sessionID string) []protocol.AgentCard
}

// DocumentSearcher retrieves previously extracted document content so
// agents receive the content itself rather than a reference to it.
type DocumentSearcher interface {
	Search(ctx context.Context, contextID, query string) (string, error)
}

// PendingRunStore persists runs suspended on human input.
type PendingRunStore interface {
	SavePendingRun(ctx context.Context, pr PendingRun) error
	GetPendingRun(ctx context.Context, contextID string) (*PendingRun, error)
	DeletePendingRun(ctx context.Context, contextID string) error
}

// EvalFailurePolicy decides what happens when an evaluate step itself
// errors (as opposed to returning false).
type EvalFailurePolicy string

const (
	// EvalAbort fails the run on an evaluation error. This is the
	// default.
	EvalAbort EvalFailurePolicy = "abort"
	// EvalDefaultBranch treats an evaluation error as a false verdict
	// and follows the "false" connection.
	EvalDefaultBranch EvalFailurePolicy = "default_branch"
)

// Options tunes a runner.
type Options struct {
	EvalFailurePolicy EvalFailurePolicy
	// MaxPlannedSteps bounds plan-driven runs (default 20).
	MaxPlannedSteps int
}

// Runner executes workflow runs. Steps within one run are strictly
// sequential; distinct runs share nothing but the registry, the
// per-agent executors and the relay.
type Runner struct {
	resolver AgentResolver
	pool     *adapter.Pool
	planner  Planner
	hub      *relay.Hub
	pendings PendingRunStore
	search   DocumentSearcher
	opts     Options
	logger   *zap.Logger
}

// NewRunner creates a workflow runner. pendings and search may be nil;
// HITL suspension state is then held only in memory and document
// fallback is disabled.
func NewRunner(resolver AgentResolver, pool *adapter.Pool, planner Planner, hub *relay.Hub,
	pendings PendingRunStore, search DocumentSearcher, opts Options, logger *zap.Logger) *Runner {
	if opts.EvalFailurePolicy == "" {
		opts.EvalFailurePolicy = EvalAbort
	}
	if opts.MaxPlannedSteps <= 0 {
		opts.MaxPlannedSteps = 20
	}
	return &Runner{
		resolver: resolver,
		pool:     pool,
		planner:  planner,
		hub:      hub,
		pendings: pendings,
		search:   search,
		opts:     opts,
		logger:   logger,
	}
}

// Run executes one workflow run under ctx. A suspended result carries
// the operator question; ResumeRun continues it.
func (r *Runner) Run(ctx context.Context, wf *WorkflowDefinition, contextID string) (*RunResult, error) {
	if contextID == "" {
		contextID = uuid.New().String()
	}
	r.logger.Info("workflow run starting",
		zap.String("workflow", wf.ID),
		zap.String("context", contextID))

	if wf.PlanDriven() {
		return r.runPlanned(ctx, wf, contextID, make(map[string]string), nil)
	}
	first, ok := wf.first()
	if !ok {
		return nil, fmt.Errorf("workflow %s has no steps", wf.ID)
	}
	return r.runStatic(ctx, wf, contextID, first, make(map[string]string), nil)
}

// ResumeRun continues a run suspended on human input. The reply is
// appended to the suspended step's history before re-dispatch.
func (r *Runner) ResumeRun(ctx context.Context, wf *WorkflowDefinition, contextID string, reply protocol.Message) (*RunResult, error) {
	if r.pendings == nil {
		return nil, fmt.Errorf("no pending-run store configured")
	}
	pr, err := r.pendings.GetPendingRun(ctx, contextID)
	if err != nil {
		return nil, fmt.Errorf("load pending run: %w", err)
	}
	if pr == nil {
		return nil, fmt.Errorf("no pending run for context %s", contextID)
	}
	if err := r.pendings.DeletePendingRun(ctx, contextID); err != nil {
		return nil, fmt.Errorf("clear pending run: %w", err)
	}

	// Unblock any in-memory waiter holding this question.
	r.pool.Resume(contextID, reply)

	step, ok := wf.step(pr.StepID)
	if !ok {
		return nil, fmt.Errorf("pending step %s not in workflow %s", pr.StepID, wf.ID)
	}
	r.logger.Info("resuming suspended run",
		zap.String("context", contextID),
		zap.String("step", step.ID))

	resume := resumeState{question: pr.Question, reply: &reply}
	return r.runStatic(ctx, wf, contextID, step, pr.Outputs, &resume)
}

// Cancel aborts any pending human input for a context. Cancelling a
// context with nothing pending is a no-op.
func (r *Runner) Cancel(ctx context.Context, contextID string) bool {
	if r.pendings != nil {
		_ = r.pendings.DeletePendingRun(ctx, contextID)
	}
	return r.pool.Cancel(contextID)
}

type resumeState struct {
	question string
	reply    *protocol.Message
}

func (r *Runner) runStatic(ctx context.Context, wf *WorkflowDefinition, contextID string,
	step Step, outputs map[string]string, resume *resumeState) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{ContextID: contextID, Outputs: outputs}

	for {
		select {
		case <-ctx.Done():
			return r.finish(result, RunFailed, ctx.Err().Error(), start), nil
		default:
		}

		switch step.Kind {
		case StepEvaluate:
			verdict, rationale, err := r.planner.Evaluate(ctx, step.Description, outputs)
			if err != nil {
				if r.opts.EvalFailurePolicy == EvalDefaultBranch {
					r.logger.Warn("evaluation failed, following default branch",
						zap.String("step", step.ID), zap.Error(err))
					verdict, rationale = false, fmt.Sprintf("evaluation error: %v", err)
				} else {
					r.stepFailed(contextID, step, err.Error(), result)
					return r.finish(result, RunFailed, fmt.Sprintf("evaluate step %s: %v", step.ID, err), start), nil
				}
			}
			out := fmt.Sprintf("%t: %s", verdict, rationale)
			outputs[step.ID] = out
			result.Steps = append(result.Steps, StepResult{StepID: step.ID, Output: out})
			r.hub.PublishPayload(relay.Envelope{
				EventType:  relay.EventReasoning,
				ContextID:  contextID,
				StepNumber: step.Order,
			}, map[string]any{"condition": step.Description, "result": verdict, "rationale": rationale})

			next, ok := wf.next(step.ID, strconv.FormatBool(verdict))
			if !ok {
				return r.finish(result, RunCompleted, "", start), nil
			}
			step = next

		case StepAgent:
			terminal, err := r.runAgentStep(ctx, wf, contextID, step, outputs, resume, result)
			resume = nil
			if err != nil {
				// A failure branch, when present, keeps the run alive.
				if next, ok := wf.failover(step.ID); ok {
					r.logger.Info("step failed, following failure branch",
						zap.String("step", step.ID), zap.String("next", next.ID))
					step = next
					continue
				}
				return r.finish(result, RunFailed, err.Error(), start), nil
			}
			if terminal != nil {
				// Suspended on human input.
				result.Question = terminal.Question
				return r.finish(result, RunSuspended, "", start), nil
			}

			next, ok := wf.next(step.ID, "")
			if !ok {
				return r.finish(result, RunCompleted, "", start), nil
			}
			step = next

		default:
			return r.finish(result, RunFailed, fmt.Sprintf("step %s: unknown kind %q", step.ID, step.Kind), start), nil
		}
	}
}

// runAgentStep dispatches one agent step. It returns a non-nil event
// when the run must suspend on human input, or an error when the step
// failed.
func (r *Runner) runAgentStep(ctx context.Context, wf *WorkflowDefinition, contextID string,
	step Step, outputs map[string]string, resume *resumeState, result *RunResult) (*protocol.Event, error) {

	card, err := r.resolver.Resolve(step.AgentName)
	if err != nil {
		r.stepFailed(contextID, step, err.Error(), result)
		return nil, fmt.Errorf("step %s: %w", step.ID, err)
	}

	instructions := r.withDocuments(ctx, contextID, step.Description, outputs)

	task := protocol.NewTask(uuid.New().String(), contextID)
	task.Append(protocol.UserText(contextID, instructions))
	if resume != nil && resume.reply != nil {
		task.Append(protocol.AgentText(contextID, resume.question))
		task.Append(*resume.reply)
	}

	r.hub.PublishPayload(relay.Envelope{
		EventType:  relay.EventAgentStart,
		ContextID:  contextID,
		TaskID:     task.ID,
		AgentName:  step.AgentName,
		StepNumber: step.Order,
		State:      string(task.State),
	}, map[string]string{"instructions": step.Description})

	ex := r.pool.For(*card)
	events := ex.Dispatch(ctx, task, adapter.DispatchOpts{})

	for ev := range events {
		switch ev.Kind {
		case protocol.EventDone:
			outputs[step.ID] = ev.FinalText
			result.Steps = append(result.Steps, StepResult{
				StepID: step.ID, AgentName: step.AgentName, Output: ev.FinalText,
			})
			r.publishEvent(contextID, task.ID, step, relay.EventAgentComplete, ev)
			return nil, nil

		case protocol.EventFailed:
			r.stepFailed(contextID, step, ev.Reason, result)
			return nil, fmt.Errorf("step %s (%s): %s", step.ID, step.AgentName, ev.Reason)

		case protocol.EventInputRequested:
			if r.pendings != nil {
				pr := PendingRun{
					ContextID:   contextID,
					WorkflowID:  wf.ID,
					StepID:      step.ID,
					Question:    ev.Question,
					Outputs:     outputs,
					SuspendedAt: time.Now(),
				}
				if err := r.pendings.SavePendingRun(ctx, pr); err != nil {
					r.logger.Error("persist pending run failed",
						zap.String("context", contextID), zap.Error(err))
				}
			}
			r.publishEvent(contextID, task.ID, step, relay.EventInputRequired, ev)
			evCopy := ev
			return &evCopy, nil

		default:
			r.publishEvent(contextID, task.ID, step, relay.EventAgentOutput, ev)
		}
	}
	// Executor contract guarantees a terminal event; reaching here
	// means the stream was torn down mid-flight.
	return nil, fmt.Errorf("step %s: event stream closed without terminal event", step.ID)
}

func (r *Runner) runPlanned(ctx context.Context, wf *WorkflowDefinition, contextID string,
	outputs map[string]string, resume *resumeState) (*RunResult, error) {
	start := time.Now()
	result := &RunResult{ContextID: contextID, Outputs: outputs}
	agents := r.resolver.ListEnabledFor(contextID)

	for i := 1; i <= r.opts.MaxPlannedSteps; i++ {
		select {
		case <-ctx.Done():
			return r.finish(result, RunFailed, ctx.Err().Error(), start), nil
		default:
		}

		decision, err := r.planner.Plan(ctx, wf.Goal, outputs, agents)
		if err != nil {
			return r.finish(result, RunFailed, fmt.Sprintf("plan: %v", err), start), nil
		}

		r.hub.PublishPayload(relay.Envelope{
			EventType:  relay.EventPhase,
			ContextID:  contextID,
			StepNumber: i,
		}, decision)

		switch decision.Kind {
		case DecideStop:
			return r.finish(result, RunCompleted, "", start), nil

		case DecideEvaluate:
			verdict, rationale, err := r.planner.Evaluate(ctx, decision.Condition, outputs)
			if err != nil {
				if r.opts.EvalFailurePolicy != EvalDefaultBranch {
					return r.finish(result, RunFailed, fmt.Sprintf("evaluate: %v", err), start), nil
				}
				verdict, rationale = false, fmt.Sprintf("evaluation error: %v", err)
			}
			stepID := fmt.Sprintf("step-%d", i)
			outputs[stepID] = fmt.Sprintf("%t: %s", verdict, rationale)
			result.Steps = append(result.Steps, StepResult{StepID: stepID, Output: outputs[stepID]})

		case DecideDispatch:
			step := Step{
				ID:          fmt.Sprintf("step-%d", i),
				Kind:        StepAgent,
				AgentName:   decision.AgentName,
				Description: decision.Instructions,
				Order:       i,
			}
			terminal, err := r.runAgentStep(ctx, wf, contextID, step, outputs, resume, result)
			resume = nil
			if err != nil {
				// The planner sees the failure in the next iteration's
				// outputs and may substitute or stop.
				outputs[step.ID] = fmt.Sprintf("FAILED: %v", err)
				continue
			}
			if terminal != nil {
				result.Question = terminal.Question
				return r.finish(result, RunSuspended, "", start), nil
			}

		default:
			return r.finish(result, RunFailed, fmt.Sprintf("planner returned unknown decision %q", decision.Kind), start), nil
		}
	}
	return r.finish(result, RunFailed, "planned step budget exhausted", start), nil
}

// withDocuments inlines extracted document content for doc:<name>
// references whose content is absent from prior outputs.
var docRefRe = regexp.MustCompile(`\bdoc:([\w.-]+)`)

func (r *Runner) withDocuments(ctx context.Context, contextID, instructions string, outputs map[string]string) string {
	if r.search == nil {
		return instructions
	}
	refs := docRefRe.FindAllStringSubmatch(instructions, -1)
	if len(refs) == 0 {
		return instructions
	}

	for _, m := range refs {
		name := m[1]
		if priorHas(outputs, name) {
			continue
		}
		content, err := r.search.Search(ctx, contextID, name)
		if err != nil || content == "" {
			r.logger.Warn("document lookup failed",
				zap.String("doc", name), zap.Error(err))
			continue
		}
		instructions += fmt.Sprintf("\n\n[document %s]\n%s", name, content)
	}
	return instructions
}

func priorHas(outputs map[string]string, docName string) bool {
	marker := "[document " + docName + "]"
	for _, v := range outputs {
		if strings.Contains(v, marker) {
			return true
		}
	}
	return false
}

func (r *Runner) publishEvent(contextID, taskID string, step Step, typ relay.EventType, ev protocol.Event) {
	r.hub.PublishPayload(relay.Envelope{
		EventType:  typ,
		ContextID:  contextID,
		TaskID:     taskID,
		AgentName:  step.AgentName,
		StepNumber: step.Order,
	}, ev)
}

func (r *Runner) stepFailed(contextID string, step Step, reason string, result *RunResult) {
	result.Steps = append(result.Steps, StepResult{
		StepID: step.ID, AgentName: step.AgentName, Error: reason,
	})
	r.hub.PublishPayload(relay.Envelope{
		EventType:  relay.EventAgentError,
		ContextID:  contextID,
		AgentName:  step.AgentName,
		StepNumber: step.Order,
	}, map[string]string{"reason": reason})
}

func (r *Runner) finish(result *RunResult, status RunStatus, errMsg string, start time.Time) *RunResult {
	result.Status = status
	result.Error = errMsg
	result.Duration = time.Since(start)
	switch status {
	case RunFailed:
		r.logger.Warn("workflow run failed",
			zap.String("context", result.ContextID),
			zap.String("error", errMsg),
			zap.Duration("duration", result.Duration))
	case RunSuspended:
		r.logger.Info("workflow run suspended on human input",
			zap.String("context", result.ContextID),
			zap.String("question", result.Question))
	default:
		r.logger.Info("workflow run completed",
			zap.String("context", result.ContextID),
			zap.Int("steps", len(result.Steps)),
			zap.Duration("duration", result.Duration))
	}
	return result
}
