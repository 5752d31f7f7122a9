package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvoss/fleetline/internal/orchestrator"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SaveWorkflow upserts a workflow definition.
func (s *Store) SaveWorkflow(ctx context.Context, wf *orchestrator.WorkflowDefinition) error {
	doc, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("marshal workflow %s: %w", wf.ID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflows (id, name, definition, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			definition = EXCLUDED.definition,
			updated_at = EXCLUDED.updated_at`,
		wf.ID, wf.Name, doc, time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save workflow %s: %w", wf.ID, err)
	}
	return nil
}

// GetWorkflow retrieves a workflow definition by id.
func (s *Store) GetWorkflow(ctx context.Context, id string) (*orchestrator.WorkflowDefinition, error) {
	var doc []byte
	err := s.db.QueryRow(ctx, `SELECT definition FROM workflows WHERE id = $1`, id).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %s: %w", id, err)
	}
	var wf orchestrator.WorkflowDefinition
	if err := json.Unmarshal(doc, &wf); err != nil {
		return nil, fmt.Errorf("decode workflow %s: %w", id, err)
	}
	return &wf, nil
}

// ListWorkflows returns all workflow definitions.
func (s *Store) ListWorkflows(ctx context.Context) ([]*orchestrator.WorkflowDefinition, error) {
	rows, err := s.db.Query(ctx, `SELECT definition FROM workflows ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var out []*orchestrator.WorkflowDefinition
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		var wf orchestrator.WorkflowDefinition
		if err := json.Unmarshal(doc, &wf); err != nil {
			return nil, fmt.Errorf("decode workflow: %w", err)
		}
		out = append(out, &wf)
	}
	return out, nil
}

// DeleteWorkflow removes a workflow definition.
func (s *Store) DeleteWorkflow(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM workflows WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete workflow %s: %w", id, err)
	}
	return nil
}
