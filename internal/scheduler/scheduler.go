package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	defaultTimeout = 300 * time.Second
	defaultTick    = time.Minute
	maxErrorLen    = 500
)

// Scheduler fires orchestrator runs on a time basis, enforces per-run
// timeouts, retries failures up to a bound and records a history entry
// for every attempt.
type Scheduler struct {
	store  Store
	runner WorkflowRunner
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	running map[string]bool // schedule id -> in flight

	logger *zap.Logger
}

// New creates a scheduler over the given store and runner.
func New(store Store, runner WorkflowRunner, tick time.Duration, logger *zap.Logger) *Scheduler {
	if tick <= 0 {
		tick = defaultTick
	}
	return &Scheduler{
		store:   store,
		runner:  runner,
		tick:    tick,
		now:     time.Now,
		running: make(map[string]bool),
		logger:  logger,
	}
}

// Create validates a schedule, computes its first firing and persists
// it.
func (s *Scheduler) Create(ctx context.Context, sw *ScheduledWorkflow) error {
	if sw.ID == "" {
		sw.ID = uuid.New().String()
	}
	if sw.WorkflowID == "" {
		return fmt.Errorf("schedule needs a workflowId")
	}
	if sw.TimeoutSeconds <= 0 {
		sw.TimeoutSeconds = int(defaultTimeout.Seconds())
	}
	sw.Enabled = true

	next, ok, err := NextRun(sw.Type, sw.Params, s.now())
	if err != nil {
		return fmt.Errorf("schedule %s: %w", sw.ID, err)
	}
	if !ok {
		return fmt.Errorf("schedule %s never fires", sw.ID)
	}
	sw.NextRun = &next

	if err := s.store.SaveSchedule(ctx, sw); err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.logger.Info("schedule created",
		zap.String("schedule", sw.ID),
		zap.String("workflow", sw.WorkflowID),
		zap.String("type", string(sw.Type)),
		zap.Time("nextRun", next))
	return nil
}

// Loop runs the scheduler until ctx is cancelled.
func (s *Scheduler) Loop(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info("scheduler loop started", zap.Duration("tick", s.tick))
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler loop stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep fires every due schedule once. Exposed for tests and for a
// run-now trigger.
func (s *Scheduler) Sweep(ctx context.Context) {
	due, err := s.store.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("list due schedules failed", zap.Error(err))
		return
	}

	for _, sw := range due {
		s.mu.Lock()
		if s.running[sw.ID] {
			s.mu.Unlock()
			continue
		}
		s.running[sw.ID] = true
		s.mu.Unlock()

		go func(sw *ScheduledWorkflow) {
			defer func() {
				s.mu.Lock()
				delete(s.running, sw.ID)
				s.mu.Unlock()
			}()
			s.execute(ctx, sw)
		}(sw)
	}
}

// execute runs one due schedule: the initial attempt plus bounded
// retries, one history entry per attempt, then schedule bookkeeping.
func (s *Scheduler) execute(ctx context.Context, sw *ScheduledWorkflow) {
	attempts := 1
	if sw.RetryOnFailure && sw.MaxRetries > 0 {
		attempts += sw.MaxRetries
	}

	var status RunStatus
	for attempt := 0; attempt < attempts; attempt++ {
		status = s.attempt(ctx, sw, attempt)
		if status == RunSuccess {
			break
		}
		if ctx.Err() != nil {
			break
		}
	}

	now := s.now()
	sw.LastRun = &now
	sw.RunCount++
	sw.LastStatus = status
	if status == RunSuccess {
		sw.SuccessCount++
	} else {
		sw.FailureCount++
	}

	switch {
	case sw.Type == ScheduleOnce:
		sw.Enabled = false
		sw.NextRun = nil
	case sw.MaxRuns > 0 && sw.RunCount >= sw.MaxRuns:
		s.logger.Info("schedule reached max runs, disabling",
			zap.String("schedule", sw.ID), zap.Int("runs", sw.RunCount))
		sw.Enabled = false
		sw.NextRun = nil
	default:
		next, ok, err := NextRun(sw.Type, sw.Params, now)
		if err != nil || !ok {
			s.logger.Warn("schedule has no further firing, disabling",
				zap.String("schedule", sw.ID), zap.Error(err))
			sw.Enabled = false
			sw.NextRun = nil
		} else {
			sw.NextRun = &next
		}
	}

	if err := s.store.SaveSchedule(ctx, sw); err != nil {
		s.logger.Error("save schedule after run failed",
			zap.String("schedule", sw.ID), zap.Error(err))
	}
}

// attempt performs one run attempt under the schedule's timeout and
// records its history entry.
func (s *Scheduler) attempt(ctx context.Context, sw *ScheduledWorkflow, attempt int) RunStatus {
	timeout := time.Duration(sw.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := s.now()
	s.logger.Info("scheduled run starting",
		zap.String("schedule", sw.ID),
		zap.String("workflow", sw.WorkflowID),
		zap.Int("attempt", attempt+1))

	result, err := s.runner.RunWorkflow(runCtx, sw.WorkflowID)
	completed := s.now()

	entry := RunHistoryEntry{
		RunID:           uuid.New().String(),
		ScheduleID:      sw.ID,
		StartedAt:       started,
		CompletedAt:     completed,
		DurationSeconds: completed.Sub(started).Seconds(),
	}
	if err != nil {
		entry.Status = RunFailure
		entry.Error = truncate(err.Error(), maxErrorLen)
		s.logger.Warn("scheduled run failed",
			zap.String("schedule", sw.ID),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	} else {
		entry.Status = RunSuccess
		entry.Result = truncate(result, maxErrorLen)
	}

	if herr := s.store.AppendHistory(ctx, entry); herr != nil {
		s.logger.Error("append run history failed",
			zap.String("schedule", sw.ID), zap.Error(herr))
	}
	return entry.Status
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
