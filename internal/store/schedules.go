package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kvoss/fleetline/internal/scheduler"
)

// SaveSchedule upserts a scheduled workflow row.
func (s *Store) SaveSchedule(ctx context.Context, sw *scheduler.ScheduledWorkflow) error {
	params, err := json.Marshal(sw.Params)
	if err != nil {
		return fmt.Errorf("marshal schedule params: %w", err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO schedules (id, workflow_id, schedule_type, params, enabled,
			next_run, last_run, retry_on_failure, max_retries, timeout_seconds,
			max_runs, run_count, success_count, failure_count, last_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			workflow_id = EXCLUDED.workflow_id,
			schedule_type = EXCLUDED.schedule_type,
			params = EXCLUDED.params,
			enabled = EXCLUDED.enabled,
			next_run = EXCLUDED.next_run,
			last_run = EXCLUDED.last_run,
			retry_on_failure = EXCLUDED.retry_on_failure,
			max_retries = EXCLUDED.max_retries,
			timeout_seconds = EXCLUDED.timeout_seconds,
			max_runs = EXCLUDED.max_runs,
			run_count = EXCLUDED.run_count,
			success_count = EXCLUDED.success_count,
			failure_count = EXCLUDED.failure_count,
			last_status = EXCLUDED.last_status,
			updated_at = EXCLUDED.updated_at`,
		sw.ID, sw.WorkflowID, string(sw.Type), params, sw.Enabled,
		sw.NextRun, sw.LastRun, sw.RetryOnFailure, sw.MaxRetries, sw.TimeoutSeconds,
		sw.MaxRuns, sw.RunCount, sw.SuccessCount, sw.FailureCount, string(sw.LastStatus), time.Now(),
	)
	if err != nil {
		return fmt.Errorf("save schedule %s: %w", sw.ID, err)
	}
	return nil
}

func scanSchedule(row pgx.Row) (*scheduler.ScheduledWorkflow, error) {
	var sw scheduler.ScheduledWorkflow
	var params []byte
	var typ, lastStatus string
	if err := row.Scan(
		&sw.ID, &sw.WorkflowID, &typ, &params, &sw.Enabled,
		&sw.NextRun, &sw.LastRun, &sw.RetryOnFailure, &sw.MaxRetries, &sw.TimeoutSeconds,
		&sw.MaxRuns, &sw.RunCount, &sw.SuccessCount, &sw.FailureCount, &lastStatus,
	); err != nil {
		return nil, err
	}
	sw.Type = scheduler.ScheduleType(typ)
	sw.LastStatus = scheduler.RunStatus(lastStatus)
	if err := json.Unmarshal(params, &sw.Params); err != nil {
		return nil, fmt.Errorf("decode schedule params: %w", err)
	}
	return &sw, nil
}

const scheduleColumns = `id, workflow_id, schedule_type, params, enabled,
	next_run, last_run, retry_on_failure, max_retries, timeout_seconds,
	max_runs, run_count, success_count, failure_count, last_status`

// GetSchedule retrieves one schedule by id.
func (s *Store) GetSchedule(ctx context.Context, id string) (*scheduler.ScheduledWorkflow, error) {
	row := s.db.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id)
	sw, err := scanSchedule(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("schedule %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule %s: %w", id, err)
	}
	return sw, nil
}

// ListSchedules returns all schedules.
func (s *Store) ListSchedules(ctx context.Context) ([]*scheduler.ScheduledWorkflow, error) {
	rows, err := s.db.Query(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledWorkflow
	for rows.Next() {
		sw, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sw)
	}
	return out, nil
}

// DeleteSchedule removes a schedule and its run history.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM run_history WHERE schedule_id = $1`, id); err != nil {
		return fmt.Errorf("delete run history %s: %w", id, err)
	}
	if _, err := s.db.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete schedule %s: %w", id, err)
	}
	return nil
}

// ListDue returns enabled schedules whose next firing is at or before
// now.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*scheduler.ScheduledWorkflow, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled AND next_run IS NOT NULL AND next_run <= $1
		ORDER BY next_run`, now)
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*scheduler.ScheduledWorkflow
	for rows.Next() {
		sw, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sw)
	}
	return out, nil
}

// AppendHistory records one run attempt.
func (s *Store) AppendHistory(ctx context.Context, e scheduler.RunHistoryEntry) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO run_history (run_id, schedule_id, started_at, completed_at,
			duration_seconds, status, result, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		e.RunID, e.ScheduleID, e.StartedAt, e.CompletedAt,
		e.DurationSeconds, string(e.Status), e.Result, e.Error,
	)
	if err != nil {
		return fmt.Errorf("append run history %s: %w", e.ScheduleID, err)
	}
	return nil
}

// ListHistory returns run attempts for a schedule, newest first. A
// limit of 0 returns everything.
func (s *Store) ListHistory(ctx context.Context, scheduleID string, limit int) ([]scheduler.RunHistoryEntry, error) {
	q := `
		SELECT run_id, schedule_id, started_at, completed_at,
			duration_seconds, status, result, error
		FROM run_history WHERE schedule_id = $1 ORDER BY started_at DESC`
	args := []any{scheduleID}
	if limit > 0 {
		q += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list run history %s: %w", scheduleID, err)
	}
	defer rows.Close()

	var out []scheduler.RunHistoryEntry
	for rows.Next() {
		var e scheduler.RunHistoryEntry
		var status string
		if err := rows.Scan(&e.RunID, &e.ScheduleID, &e.StartedAt, &e.CompletedAt,
			&e.DurationSeconds, &status, &e.Result, &e.Error); err != nil {
			return nil, fmt.Errorf("scan run history: %w", err)
		}
		e.Status = scheduler.RunStatus(status)
		out = append(out, e)
	}
	return out, nil
}
