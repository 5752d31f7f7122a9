package scheduler

import (
	"context"
	"time"
)

// ScheduleType selects the time basis of a scheduled workflow.
type ScheduleType string

const (
	ScheduleOnce     ScheduleType = "once"
	ScheduleInterval ScheduleType = "interval"
	ScheduleDaily    ScheduleType = "daily"
	ScheduleWeekly   ScheduleType = "weekly"
	ScheduleMonthly  ScheduleType = "monthly"
	ScheduleCron     ScheduleType = "cron"
)

// RunStatus is the outcome recorded for one run attempt.
type RunStatus string

const (
	RunSuccess RunStatus = "success"
	RunFailure RunStatus = "failed"
)

// ScheduleParams carries the type-specific schedule configuration.
type ScheduleParams struct {
	RunAt           time.Time      `json:"runAt,omitempty"`           // once
	IntervalMinutes int            `json:"intervalMinutes,omitempty"` // interval
	TimeOfDay       string         `json:"timeOfDay,omitempty"`       // daily/weekly/monthly, "HH:MM"
	DaysOfWeek      []time.Weekday `json:"daysOfWeek,omitempty"`      // weekly
	DayOfMonth      int            `json:"dayOfMonth,omitempty"`      // monthly
	CronExpression  string         `json:"cronExpression,omitempty"`  // cron
	Timezone        string         `json:"timezone,omitempty"`
}

// ScheduledWorkflow is one row of scheduling state. The scheduler
// mutates it after every run; deletion is explicit.
type ScheduledWorkflow struct {
	ID             string         `json:"id"`
	WorkflowID     string         `json:"workflowId"`
	Type           ScheduleType   `json:"scheduleType"`
	Params         ScheduleParams `json:"scheduleParams"`
	Enabled        bool           `json:"enabled"`
	NextRun        *time.Time     `json:"nextRun,omitempty"`
	LastRun        *time.Time     `json:"lastRun,omitempty"`
	RetryOnFailure bool           `json:"retryOnFailure"`
	MaxRetries     int            `json:"maxRetries"`
	TimeoutSeconds int            `json:"timeoutSeconds"`
	MaxRuns        int            `json:"maxRuns,omitempty"`
	RunCount       int            `json:"runCount"`
	SuccessCount   int            `json:"successCount"`
	FailureCount   int            `json:"failureCount"`
	LastStatus     RunStatus      `json:"lastStatus,omitempty"`
}

// RunHistoryEntry is the immutable audit record of one run attempt,
// retries included.
type RunHistoryEntry struct {
	RunID           string    `json:"runId"`
	ScheduleID      string    `json:"scheduleId"`
	StartedAt       time.Time `json:"startedAt"`
	CompletedAt     time.Time `json:"completedAt"`
	DurationSeconds float64   `json:"durationSeconds"`
	Status          RunStatus `json:"status"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// Store persists schedules and run history.
type Store interface {
	SaveSchedule(ctx context.Context, s *ScheduledWorkflow) error
	GetSchedule(ctx context.Context, id string) (*ScheduledWorkflow, error)
	ListSchedules(ctx context.Context) ([]*ScheduledWorkflow, error)
	DeleteSchedule(ctx context.Context, id string) error
	ListDue(ctx context.Context, now time.Time) ([]*ScheduledWorkflow, error)
	AppendHistory(ctx context.Context, e RunHistoryEntry) error
	ListHistory(ctx context.Context, scheduleID string, limit int) ([]RunHistoryEntry, error)
}

// WorkflowRunner starts one orchestrator run for a workflow and
// returns its final aggregated result text.
type WorkflowRunner interface {
	RunWorkflow(ctx context.Context, workflowID string) (string, error)
}
