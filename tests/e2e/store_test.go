package e2e

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/kvoss/fleetline/internal/memory"
	"github.com/kvoss/fleetline/internal/orchestrator"
	"github.com/kvoss/fleetline/internal/protocol"
	"github.com/kvoss/fleetline/internal/scheduler"
	pgstore "github.com/kvoss/fleetline/internal/store"
)

func TestCardPersistence(t *testing.T) {
	ctx := context.Background()
	card := protocol.AgentCard{
		Name:        "billing",
		URL:         "http://billing:8080",
		Description: "Handles invoices and refunds",
		Skills: []protocol.Skill{
			{ID: "invoice", Name: "Invoicing", Tags: []string{"finance"}},
		},
		Capabilities: protocol.Capabilities{Streaming: true},
		Status:       protocol.AgentOnline,
	}
	if err := testStore.SaveCard(ctx, card); err != nil {
		t.Fatalf("save card: %v", err)
	}

	// Upsert with a new URL must replace, not duplicate.
	card.URL = "http://billing:9090"
	if err := testStore.SaveCard(ctx, card); err != nil {
		t.Fatalf("upsert card: %v", err)
	}

	cards, err := testStore.ListCards(ctx)
	if err != nil {
		t.Fatalf("list cards: %v", err)
	}
	var found *protocol.AgentCard
	for i := range cards {
		if cards[i].Name == "billing" {
			if found != nil {
				t.Fatal("duplicate card row after upsert")
			}
			found = &cards[i]
		}
	}
	if found == nil {
		t.Fatal("card not listed")
	}
	if found.URL != "http://billing:9090" || len(found.Skills) != 1 || !found.Capabilities.Streaming {
		t.Errorf("card round trip lost data: %+v", found)
	}

	if err := testStore.DeleteCard(ctx, "billing"); err != nil {
		t.Fatalf("delete card: %v", err)
	}
}

func TestWorkflowPersistence(t *testing.T) {
	ctx := context.Background()
	wf := &orchestrator.WorkflowDefinition{
		ID:   uuid.New().String(),
		Name: "dunning",
		Goal: "Chase overdue invoices",
		Steps: []orchestrator.Step{
			{ID: "s1", Kind: orchestrator.StepAgent, AgentName: "billing", Description: "List overdue invoices", Order: 1},
			{ID: "s2", Kind: orchestrator.StepEvaluate, Description: "Is the invoice still unpaid?", Order: 2},
		},
		Connections: []orchestrator.Connection{
			{From: "s1", To: "s2"},
		},
	}
	if err := testStore.SaveWorkflow(ctx, wf); err != nil {
		t.Fatalf("save workflow: %v", err)
	}

	got, err := testStore.GetWorkflow(ctx, wf.ID)
	if err != nil {
		t.Fatalf("get workflow: %v", err)
	}
	if got.Name != "dunning" || len(got.Steps) != 2 || got.Steps[1].Kind != orchestrator.StepEvaluate {
		t.Errorf("workflow round trip lost data: %+v", got)
	}

	if _, err := testStore.GetWorkflow(ctx, "missing"); !errors.Is(err, pgstore.ErrNotFound) {
		t.Errorf("missing workflow error = %v, want ErrNotFound", err)
	}

	if err := testStore.DeleteWorkflow(ctx, wf.ID); err != nil {
		t.Fatalf("delete workflow: %v", err)
	}
	if _, err := testStore.GetWorkflow(ctx, wf.ID); !errors.Is(err, pgstore.ErrNotFound) {
		t.Errorf("deleted workflow still readable: %v", err)
	}
}

func TestPendingRunPersistence(t *testing.T) {
	ctx := context.Background()
	pr := orchestrator.PendingRun{
		ContextID:   uuid.New().String(),
		WorkflowID:  "wf-1",
		StepID:      "s2",
		Question:    "Confirm refund amount?",
		Outputs:     map[string]string{"s1": "invoice total $140"},
		SuspendedAt: time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := testStore.SavePendingRun(ctx, pr); err != nil {
		t.Fatalf("save pending run: %v", err)
	}

	got, err := testStore.GetPendingRun(ctx, pr.ContextID)
	if err != nil {
		t.Fatalf("get pending run: %v", err)
	}
	if got.StepID != "s2" || got.Question != pr.Question || got.Outputs["s1"] != "invoice total $140" {
		t.Errorf("pending run round trip lost data: %+v", got)
	}

	if err := testStore.DeletePendingRun(ctx, pr.ContextID); err != nil {
		t.Fatalf("delete pending run: %v", err)
	}
	if _, err := testStore.GetPendingRun(ctx, pr.ContextID); !errors.Is(err, pgstore.ErrNotFound) {
		t.Errorf("deleted pending run still readable: %v", err)
	}
}

func TestSchedulePersistenceAndDue(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &scheduler.ScheduledWorkflow{
		ID: uuid.New().String(), WorkflowID: "wf-1",
		Type:    scheduler.ScheduleInterval,
		Params:  scheduler.ScheduleParams{IntervalMinutes: 60},
		Enabled: true, NextRun: &past, TimeoutSeconds: 300,
	}
	notDue := &scheduler.ScheduledWorkflow{
		ID: uuid.New().String(), WorkflowID: "wf-1",
		Type:    scheduler.ScheduleDaily,
		Params:  scheduler.ScheduleParams{TimeOfDay: "09:00"},
		Enabled: true, NextRun: &future, TimeoutSeconds: 300,
	}
	disabled := &scheduler.ScheduledWorkflow{
		ID: uuid.New().String(), WorkflowID: "wf-1",
		Type:    scheduler.ScheduleInterval,
		Params:  scheduler.ScheduleParams{IntervalMinutes: 5},
		Enabled: false, NextRun: &past, TimeoutSeconds: 300,
	}
	for _, sw := range []*scheduler.ScheduledWorkflow{due, notDue, disabled} {
		if err := testStore.SaveSchedule(ctx, sw); err != nil {
			t.Fatalf("save schedule: %v", err)
		}
	}
	t.Cleanup(func() {
		for _, sw := range []*scheduler.ScheduledWorkflow{due, notDue, disabled} {
			testStore.DeleteSchedule(ctx, sw.ID)
		}
	})

	dueList, err := testStore.ListDue(ctx, now)
	if err != nil {
		t.Fatalf("list due: %v", err)
	}
	seen := make(map[string]bool)
	for _, sw := range dueList {
		seen[sw.ID] = true
	}
	if !seen[due.ID] {
		t.Error("due schedule missing from ListDue")
	}
	if seen[notDue.ID] || seen[disabled.ID] {
		t.Error("ListDue returned a future or disabled schedule")
	}

	got, err := testStore.GetSchedule(ctx, due.ID)
	if err != nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.Type != scheduler.ScheduleInterval || got.Params.IntervalMinutes != 60 {
		t.Errorf("schedule round trip lost data: %+v", got)
	}
}

func TestRunHistoryPersistence(t *testing.T) {
	ctx := context.Background()
	scheduleID := uuid.New().String()
	base := time.Now().UTC()

	for i := 0; i < 3; i++ {
		e := scheduler.RunHistoryEntry{
			RunID:           uuid.New().String(),
			ScheduleID:      scheduleID,
			StartedAt:       base.Add(time.Duration(i) * time.Minute),
			CompletedAt:     base.Add(time.Duration(i)*time.Minute + time.Second),
			DurationSeconds: 1,
			Status:          scheduler.RunFailure,
		}
		if i == 2 {
			e.Status = scheduler.RunSuccess
			e.Result = "done"
		} else {
			e.Error = "connection refused"
		}
		if err := testStore.AppendHistory(ctx, e); err != nil {
			t.Fatalf("append history: %v", err)
		}
	}

	hist, err := testStore.ListHistory(ctx, scheduleID, 0)
	if err != nil {
		t.Fatalf("list history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history rows = %d, want 3", len(hist))
	}
	if hist[0].Status != scheduler.RunSuccess || hist[0].Result != "done" {
		t.Errorf("history not newest first: %+v", hist)
	}

	limited, err := testStore.ListHistory(ctx, scheduleID, 2)
	if err != nil {
		t.Fatalf("list history limited: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("limited history rows = %d, want 2", len(limited))
	}
	if limited[0].Status != scheduler.RunSuccess {
		t.Errorf("limit did not keep the newest rows: %+v", limited)
	}
}

func TestDocumentSearch(t *testing.T) {
	ctx := context.Background()
	contextID := uuid.New().String()

	docs := []memory.Document{
		{ContextID: contextID, Name: "invoice-42", Content: "Invoice 42: total $140"},
		{ContextID: contextID, Name: "contract-7", Content: "Contract 7 terms"},
		{Name: "style-guide", Content: "Write tersely."},
	}
	for _, d := range docs {
		if err := testStore.PutDocument(ctx, d); err != nil {
			t.Fatalf("put document: %v", err)
		}
	}

	got, err := testStore.Search(ctx, contextID, "invoice-42")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if got != "Invoice 42: total $140" {
		t.Errorf("search content = %q", got)
	}

	// Shared documents are visible from any context.
	got, err = testStore.Search(ctx, uuid.New().String(), "style-guide")
	if err != nil {
		t.Fatalf("search shared: %v", err)
	}
	if got != "Write tersely." {
		t.Errorf("shared search content = %q", got)
	}

	// Context-scoped documents stay invisible elsewhere.
	got, err = testStore.Search(ctx, uuid.New().String(), "contract-7")
	if err != nil {
		t.Fatalf("search foreign: %v", err)
	}
	if got != "" {
		t.Errorf("foreign context saw scoped document: %q", got)
	}
}
