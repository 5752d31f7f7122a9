package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/adapter"
	"github.com/kvoss/fleetline/internal/protocol"
	"github.com/kvoss/fleetline/internal/relay"
)

// --- test doubles ---

type fakeResolver struct {
	cards map[string]protocol.AgentCard
}

func (f *fakeResolver) Resolve(name string) (*protocol.AgentCard, error) {
	if c, ok := f.cards[name]; ok {
		return &c, nil
	}
	return nil, fmt.Errorf("agent not found: %q", name)
}

func (f *fakeResolver) ListEnabledFor(string) []protocol.AgentCard {
	out := make([]protocol.AgentCard, 0, len(f.cards))
	for _, c := range f.cards {
		out = append(out, c)
	}
	return out
}

type scriptedBackend struct {
	calls  int32
	script func(call int32, msg protocol.Message) []adapter.Chunk
}

func (s *scriptedBackend) CreateSession(context.Context) (string, error) {
	return "remote-1", nil
}

func (s *scriptedBackend) Send(ctx context.Context, _ string, msg protocol.Message) (<-chan adapter.Chunk, error) {
	call := atomic.AddInt32(&s.calls, 1)
	ch := make(chan adapter.Chunk, 8)
	go func() {
		defer close(ch)
		for _, c := range s.script(call, msg) {
			ch <- c
		}
	}()
	return ch, nil
}

func replyWith(text string) func(int32, protocol.Message) []adapter.Chunk {
	return func(int32, protocol.Message) []adapter.Chunk {
		return []adapter.Chunk{{Text: text}, {Done: true}}
	}
}

type fakePlanner struct {
	planFn func(goal string, prior map[string]string) Decision
	evalFn func(condition string, prior map[string]string) (bool, string, error)
}

func (f *fakePlanner) Plan(_ context.Context, goal string, prior map[string]string, _ []protocol.AgentCard) (Decision, error) {
	if f.planFn == nil {
		return Decision{Kind: DecideStop, Reason: "no plan"}, nil
	}
	return f.planFn(goal, prior), nil
}

func (f *fakePlanner) Evaluate(_ context.Context, condition string, prior map[string]string) (bool, string, error) {
	if f.evalFn == nil {
		return false, "no evaluator", nil
	}
	return f.evalFn(condition, prior)
}

type memPendingStore struct {
	mu   sync.Mutex
	runs map[string]PendingRun
}

func newMemPendingStore() *memPendingStore {
	return &memPendingStore{runs: make(map[string]PendingRun)}
}

func (m *memPendingStore) SavePendingRun(_ context.Context, pr PendingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[pr.ContextID] = pr
	return nil
}

func (m *memPendingStore) GetPendingRun(_ context.Context, contextID string) (*PendingRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pr, ok := m.runs[contextID]; ok {
		return &pr, nil
	}
	return nil, nil
}

func (m *memPendingStore) DeletePendingRun(_ context.Context, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, contextID)
	return nil
}

type harness struct {
	runner   *Runner
	hub      *relay.Hub
	events   <-chan relay.Envelope
	pendings *memPendingStore
	backends map[string]*scriptedBackend
}

func newHarness(t *testing.T, planner Planner, backends map[string]*scriptedBackend, search DocumentSearcher) *harness {
	t.Helper()
	logger := zap.NewNop()

	cards := make(map[string]protocol.AgentCard)
	for name := range backends {
		cards[name] = protocol.AgentCard{Name: name, URL: "http://" + name}
	}
	resolver := &fakeResolver{cards: cards}

	pool := adapter.NewPool(adapter.Config{RatePerMinute: 10000}, 0, logger)
	pool.SetBackendFactory(func(card protocol.AgentCard) adapter.Backend {
		return backends[card.Name]
	})

	hub := relay.NewHub(logger)
	events := hub.Subscribe("test")
	pendings := newMemPendingStore()

	return &harness{
		runner:   NewRunner(resolver, pool, planner, hub, pendings, search, Options{}, logger),
		hub:      hub,
		events:   events,
		pendings: pendings,
		backends: backends,
	}
}

func (h *harness) drainEvents() []relay.Envelope {
	var out []relay.Envelope
	for {
		select {
		case env := <-h.events:
			out = append(out, env)
		default:
			return out
		}
	}
}

func twoStepWorkflow() *WorkflowDefinition {
	return &WorkflowDefinition{
		ID:   "wf-two",
		Goal: "investigate and refund",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "billing", Description: "look up invoice 42", Order: 1},
			{ID: "s2", Kind: StepAgent, AgentName: "refunds", Description: "process the refund", Order: 2},
		},
	}
}

// Scenario A: two agent steps, both succeed.
func TestRunTwoAgentStepsSucceed(t *testing.T) {
	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"billing": {script: replyWith("invoice 42 found, $40 overcharge")},
		"refunds": {script: replyWith("refund of $40 issued")},
	}, nil)

	res, err := h.runner.Run(context.Background(), twoStepWorkflow(), "ctx-a")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed", res.Status, res.Error)
	}
	if res.Outputs["s1"] != "invoice 42 found, $40 overcharge" {
		t.Errorf("s1 output = %q", res.Outputs["s1"])
	}
	if res.Outputs["s2"] != "refund of $40 issued" {
		t.Errorf("s2 output = %q", res.Outputs["s2"])
	}
	if len(res.Steps) != 2 || res.Steps[0].StepID != "s1" || res.Steps[1].StepID != "s2" {
		t.Errorf("step results out of order: %+v", res.Steps)
	}

	completes := 0
	for _, env := range h.drainEvents() {
		if env.EventType == relay.EventAgentComplete {
			completes++
		}
	}
	if completes != 2 {
		t.Errorf("agent_complete events = %d, want exactly 2 (one per step)", completes)
	}
}

// Scenario B: step 2 asks for human input; run suspends and resumes.
func TestRunSuspendsOnInputAndResumes(t *testing.T) {
	refunds := &scriptedBackend{script: func(call int32, msg protocol.Message) []adapter.Chunk {
		if call == 1 {
			return []adapter.Chunk{
				{Text: "[[INPUT_NEEDED]]Confirm refund amount?[[/INPUT_NEEDED]]"},
				{Done: true},
			}
		}
		// Resume carries the operator reply as latest user message.
		if !strings.Contains(msg.Text(), "yes, $40") {
			return []adapter.Chunk{{Text: "reply missing from history"}, {Done: true}}
		}
		return []adapter.Chunk{{Text: "refund of $40 issued"}, {Done: true}}
	}}

	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"billing": {script: replyWith("invoice 42 found")},
		"refunds": refunds,
	}, nil)

	wf := twoStepWorkflow()
	res, err := h.runner.Run(context.Background(), wf, "ctx-b")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunSuspended {
		t.Fatalf("status = %s, want suspended", res.Status)
	}
	if res.Question != "Confirm refund amount?" {
		t.Errorf("question = %q", res.Question)
	}
	if pr, _ := h.pendings.GetPendingRun(context.Background(), "ctx-b"); pr == nil || pr.StepID != "s2" {
		t.Fatalf("pending run not persisted: %+v", pr)
	}

	resumed, err := h.runner.ResumeRun(context.Background(), wf,
		"ctx-b", protocol.UserText("ctx-b", "yes, $40"))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.Status != RunCompleted {
		t.Fatalf("resumed status = %s (%s), want completed", resumed.Status, resumed.Error)
	}
	if resumed.Outputs["s2"] != "refund of $40 issued" {
		t.Errorf("s2 output after resume = %q", resumed.Outputs["s2"])
	}
	// Step 1's output from the first attempt carried over.
	if resumed.Outputs["s1"] != "invoice 42 found" {
		t.Errorf("s1 output not carried over: %q", resumed.Outputs["s1"])
	}
	if pr, _ := h.pendings.GetPendingRun(context.Background(), "ctx-b"); pr != nil {
		t.Error("pending run not cleared after resume")
	}
}

// Scenario C: an evaluate step branches away from the overdue path.
func TestRunEvaluateBranchesFalse(t *testing.T) {
	planner := &fakePlanner{evalFn: func(condition string, prior map[string]string) (bool, string, error) {
		if strings.Contains(prior["s1"], "paid in full") {
			return false, "invoice is settled", nil
		}
		return true, "no payment on record", nil
	}}

	overdueAgent := &scriptedBackend{script: replyWith("chasing payment")}
	h := newHarness(t, planner, map[string]*scriptedBackend{
		"billing": {script: replyWith("invoice 42 is paid in full")},
		"dunning": overdueAgent,
		"notify":  {script: replyWith("customer informed")},
	}, nil)

	wf := &WorkflowDefinition{
		ID: "wf-branch",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "billing", Description: "look up invoice 42", Order: 1},
			{ID: "s2", Kind: StepEvaluate, Description: "is the invoice overdue", Order: 2},
			{ID: "s3", Kind: StepAgent, AgentName: "dunning", Description: "chase the payment", Order: 3},
			{ID: "s4", Kind: StepAgent, AgentName: "notify", Description: "tell the customer all is well", Order: 4},
		},
		Connections: []Connection{
			{From: "s1", To: "s2"},
			{From: "s2", To: "s3", When: "true"},
			{From: "s2", To: "s4", When: "false"},
		},
	}

	res, err := h.runner.Run(context.Background(), wf, "ctx-c")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if atomic.LoadInt32(&overdueAgent.calls) != 0 {
		t.Error("overdue branch agent was dispatched despite false verdict")
	}
	if res.Outputs["s4"] != "customer informed" {
		t.Errorf("false branch did not run: %+v", res.Outputs)
	}
	if !strings.HasPrefix(res.Outputs["s2"], "false") {
		t.Errorf("evaluate output = %q", res.Outputs["s2"])
	}
}

func TestRunAgentNotFoundFailsRunWithoutBranch(t *testing.T) {
	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"billing": {script: replyWith("ok")},
	}, nil)

	wf := &WorkflowDefinition{
		ID: "wf-missing",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "ghost", Description: "do something", Order: 1},
		},
	}
	res, err := h.runner.Run(context.Background(), wf, "ctx-d")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if !strings.Contains(res.Error, "ghost") {
		t.Errorf("error = %q", res.Error)
	}
}

func TestRunStepFailureFollowsFailureBranch(t *testing.T) {
	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"flaky": {script: func(int32, protocol.Message) []adapter.Chunk {
			return nil // stream closes without completion
		}},
		"fallback": {script: replyWith("handled by fallback")},
	}, nil)

	wf := &WorkflowDefinition{
		ID: "wf-fallback",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "flaky", Description: "try the flaky agent", Order: 1},
			{ID: "s2", Kind: StepAgent, AgentName: "fallback", Description: "recover", Order: 2},
		},
		Connections: []Connection{
			{From: "s1", To: "s2", When: "false"},
		},
	}
	res, err := h.runner.Run(context.Background(), wf, "ctx-e")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s), want completed via failure branch", res.Status, res.Error)
	}
	if res.Outputs["s2"] != "handled by fallback" {
		t.Errorf("fallback output = %q", res.Outputs["s2"])
	}
}

// An unconditional successor is not a failure branch: a failed step
// without an explicit "false" edge fails the whole run.
func TestRunStepFailureIgnoresUnconditionalEdge(t *testing.T) {
	next := &scriptedBackend{script: replyWith("ran anyway")}
	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"flaky": {script: func(int32, protocol.Message) []adapter.Chunk {
			return nil // stream closes without completion
		}},
		"next": next,
	}, nil)

	wf := &WorkflowDefinition{
		ID: "wf-nofallback",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "flaky", Description: "try the flaky agent", Order: 1},
			{ID: "s2", Kind: StepAgent, AgentName: "next", Description: "continue", Order: 2},
		},
		Connections: []Connection{
			{From: "s1", To: "s2"},
		},
	}
	res, err := h.runner.Run(context.Background(), wf, "ctx-e2")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunFailed {
		t.Fatalf("status = %s, want failed", res.Status)
	}
	if atomic.LoadInt32(&next.calls) != 0 {
		t.Error("successor dispatched after step failure")
	}
	if _, ok := res.Outputs["s2"]; ok {
		t.Errorf("successor output recorded: %+v", res.Outputs)
	}
}

func TestRunEvaluateFailurePolicy(t *testing.T) {
	failingEval := &fakePlanner{evalFn: func(string, map[string]string) (bool, string, error) {
		return false, "", fmt.Errorf("planner unavailable")
	}}

	wf := &WorkflowDefinition{
		ID: "wf-evalfail",
		Steps: []Step{
			{ID: "s1", Kind: StepEvaluate, Description: "is anything on fire", Order: 1},
			{ID: "s2", Kind: StepAgent, AgentName: "calm", Description: "stand down", Order: 2},
		},
		Connections: []Connection{
			{From: "s1", To: "s2", When: "false"},
		},
	}

	// Default policy: abort.
	h := newHarness(t, failingEval, map[string]*scriptedBackend{
		"calm": {script: replyWith("standing down")},
	}, nil)
	res, _ := h.runner.Run(context.Background(), wf, "ctx-f1")
	if res.Status != RunFailed {
		t.Fatalf("abort policy: status = %s, want failed", res.Status)
	}

	// Default-branch policy: treat the error as a false verdict.
	h2 := newHarness(t, failingEval, map[string]*scriptedBackend{
		"calm": {script: replyWith("standing down")},
	}, nil)
	h2.runner.opts.EvalFailurePolicy = EvalDefaultBranch
	res2, _ := h2.runner.Run(context.Background(), wf, "ctx-f2")
	if res2.Status != RunCompleted {
		t.Fatalf("default-branch policy: status = %s (%s), want completed", res2.Status, res2.Error)
	}
	if res2.Outputs["s2"] != "standing down" {
		t.Errorf("default branch did not run: %+v", res2.Outputs)
	}
}

type fakeSearcher struct{ docs map[string]string }

func (f *fakeSearcher) Search(_ context.Context, _, query string) (string, error) {
	return f.docs[query], nil
}

func TestRunDocumentFallback(t *testing.T) {
	var seen string
	h := newHarness(t, &fakePlanner{}, map[string]*scriptedBackend{
		"billing": {script: func(_ int32, msg protocol.Message) []adapter.Chunk {
			seen = msg.Text()
			return []adapter.Chunk{{Text: "checked"}, {Done: true}}
		}},
	}, &fakeSearcher{docs: map[string]string{
		"invoice-42.pdf": "Invoice 42: total $140, due 2026-08-01",
	}})

	wf := &WorkflowDefinition{
		ID: "wf-doc",
		Steps: []Step{
			{ID: "s1", Kind: StepAgent, AgentName: "billing",
				Description: "verify the totals in doc:invoice-42.pdf", Order: 1},
		},
	}
	res, err := h.runner.Run(context.Background(), wf, "ctx-g")
	if err != nil || res.Status != RunCompleted {
		t.Fatalf("run: %v / %+v", err, res)
	}
	if !strings.Contains(seen, "Invoice 42: total $140") {
		t.Errorf("extracted document content not inlined; agent saw: %q", seen)
	}
}

func TestRunPlanDriven(t *testing.T) {
	step := 0
	planner := &fakePlanner{planFn: func(goal string, prior map[string]string) Decision {
		step++
		switch step {
		case 1:
			return Decision{Kind: DecideDispatch, AgentName: "billing", Instructions: "look up the invoice"}
		case 2:
			return Decision{Kind: DecideDispatch, AgentName: "refunds", Instructions: "refund it"}
		default:
			return Decision{Kind: DecideStop, Reason: "done"}
		}
	}}

	h := newHarness(t, planner, map[string]*scriptedBackend{
		"billing": {script: replyWith("invoice found")},
		"refunds": {script: replyWith("refunded")},
	}, nil)

	wf := &WorkflowDefinition{ID: "wf-plan", Goal: "refund the overcharge"}
	res, err := h.runner.Run(context.Background(), wf, "ctx-h")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != RunCompleted {
		t.Fatalf("status = %s (%s)", res.Status, res.Error)
	}
	if len(res.Steps) != 2 {
		t.Errorf("steps = %d, want 2", len(res.Steps))
	}
	if res.Outputs["step-1"] != "invoice found" || res.Outputs["step-2"] != "refunded" {
		t.Errorf("outputs = %+v", res.Outputs)
	}
}
