package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/kvoss/fleetline/internal/orchestrator"
)

// SavePendingRun upserts the suspended state of a run waiting on human
// input, keyed by its workflow context.
func (s *Store) SavePendingRun(ctx context.Context, pr orchestrator.PendingRun) error {
	outputs, err := json.Marshal(pr.Outputs)
	if err != nil {
		return fmt.Errorf("marshal pending outputs: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO pending_runs (context_id, workflow_id, step_id, question, outputs, suspended_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (context_id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			step_id = EXCLUDED.step_id,
			question = EXCLUDED.question,
			outputs = EXCLUDED.outputs,
			suspended_at = EXCLUDED.suspended_at`,
		pr.ContextID, pr.WorkflowID, pr.StepID, pr.Question, outputs, pr.SuspendedAt,
	)
	if err != nil {
		return fmt.Errorf("save pending run %s: %w", pr.ContextID, err)
	}
	return nil
}

// GetPendingRun retrieves a suspended run by context id.
func (s *Store) GetPendingRun(ctx context.Context, contextID string) (*orchestrator.PendingRun, error) {
	var pr orchestrator.PendingRun
	var outputs []byte
	err := s.db.QueryRow(ctx, `
		SELECT context_id, workflow_id, step_id, question, outputs, suspended_at
		FROM pending_runs WHERE context_id = $1`, contextID).
		Scan(&pr.ContextID, &pr.WorkflowID, &pr.StepID, &pr.Question, &outputs, &pr.SuspendedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("pending run %s: %w", contextID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get pending run %s: %w", contextID, err)
	}
	if err := json.Unmarshal(outputs, &pr.Outputs); err != nil {
		return nil, fmt.Errorf("decode pending outputs: %w", err)
	}
	return &pr, nil
}

// DeletePendingRun clears a suspended run after resume or cancel.
func (s *Store) DeletePendingRun(ctx context.Context, contextID string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM pending_runs WHERE context_id = $1`, contextID)
	if err != nil {
		return fmt.Errorf("delete pending run %s: %w", contextID, err)
	}
	return nil
}

// ListPendingRuns returns all suspended runs, oldest first.
func (s *Store) ListPendingRuns(ctx context.Context) ([]orchestrator.PendingRun, error) {
	rows, err := s.db.Query(ctx, `
		SELECT context_id, workflow_id, step_id, question, outputs, suspended_at
		FROM pending_runs ORDER BY suspended_at`)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var out []orchestrator.PendingRun
	for rows.Next() {
		var pr orchestrator.PendingRun
		var outputs []byte
		if err := rows.Scan(&pr.ContextID, &pr.WorkflowID, &pr.StepID, &pr.Question, &outputs, &pr.SuspendedAt); err != nil {
			return nil, fmt.Errorf("scan pending run: %w", err)
		}
		if err := json.Unmarshal(outputs, &pr.Outputs); err != nil {
			return nil, fmt.Errorf("decode pending outputs: %w", err)
		}
		out = append(out, pr)
	}
	return out, nil
}
