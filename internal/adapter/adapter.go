package adapter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kvoss/fleetline/internal/protocol"
)

// Config tunes one executor. Zero values fall back to defaults.
type Config struct {
	// Concurrency bounds simultaneous backend calls (default 3). This
	// is the hard limiter protecting the downstream service.
	Concurrency int
	// RatePerMinute sizes the rolling call window (default 30). The
	// window is a slow-down signal, not a limiter: calls over the cap
	// are delayed briefly, never rejected.
	RatePerMinute int
	// RetryBase is the first backoff after a rate-limited call
	// (default 15s, doubling up to RetryCap).
	RetryBase time.Duration
	// RetryCap bounds the backoff (default 60s).
	RetryCap time.Duration
	// MaxRetries bounds rate-limit retries of one call (default 3).
	MaxRetries int
}

func (c Config) withDefaults() Config {
	if c.Concurrency <= 0 {
		c.Concurrency = 3
	}
	if c.RatePerMinute <= 0 {
		c.RatePerMinute = 30
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 15 * time.Second
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 60 * time.Second
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// DispatchOpts modifies a single dispatch.
type DispatchOpts struct {
	// ForceNewSession discards any remote session bound to the task's
	// context and opens a fresh conversation.
	ForceNewSession bool
}

// Executor turns one protocol task dispatch into a driven conversation
// with a single agent's backend, emitting normalized events. One
// executor exists per agent and is shared by every concurrent run that
// targets that agent.
type Executor struct {
	agentName string
	backend   Backend
	cfg       Config

	sessions *SessionStore
	pending  *PendingInputs
	sem      chan struct{}
	window   *rate.Limiter

	logger *zap.Logger
}

// NewExecutor creates an executor for one agent backend.
func NewExecutor(agentName string, backend Backend, cfg Config, logger *zap.Logger) *Executor {
	cfg = cfg.withDefaults()
	return &Executor{
		agentName: agentName,
		backend:   backend,
		cfg:       cfg,
		sessions:  NewSessionStore(),
		pending:   NewPendingInputs(),
		sem:       make(chan struct{}, cfg.Concurrency),
		window:    rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RatePerMinute)), cfg.RatePerMinute),
		logger:    logger,
	}
}

// AgentName returns the agent this executor drives.
func (e *Executor) AgentName() string { return e.agentName }

// Pending exposes the executor's pending-input table.
func (e *Executor) Pending() *PendingInputs { return e.pending }

// ResetSession forces the next dispatch for a context to open a fresh
// remote conversation.
func (e *Executor) ResetSession(contextID string) {
	e.sessions.Reset(contextID)
}

// Resume delivers a human reply for a context whose task is waiting in
// input_required. Returns false when nothing is pending.
func (e *Executor) Resume(contextID string, reply protocol.Message) bool {
	return e.pending.Resolve(contextID, reply)
}

// Cancel unblocks any HITL waiter for the context. Cancelling a
// context with nothing pending is a no-op.
func (e *Executor) Cancel(contextID string) bool {
	return e.pending.Cancel(contextID)
}

// Dispatch drives the task's latest message through the backend and
// returns the normalized event stream. The stream always ends with
// exactly one terminal event: Done, Failed or InputRequested.
func (e *Executor) Dispatch(ctx context.Context, task *protocol.Task, opts DispatchOpts) <-chan protocol.Event {
	out := make(chan protocol.Event, 64)
	go func() {
		defer close(out)
		e.run(ctx, task, opts, out)
	}()
	return out
}

func (e *Executor) run(ctx context.Context, task *protocol.Task, opts DispatchOpts, out chan<- protocol.Event) {
	// Acquire the concurrency slot before touching the backend.
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		out <- protocol.Failed(ctx.Err().Error())
		return
	}

	e.slowDown(ctx)

	if err := task.SetState(protocol.StateWorking); err != nil {
		out <- protocol.Failed(err.Error())
		return
	}

	if opts.ForceNewSession {
		e.sessions.Reset(task.ContextID)
	}
	sessionID, err := e.sessions.GetOrCreate(task.ContextID, func() (string, error) {
		return e.backend.CreateSession(ctx)
	})
	if err != nil {
		e.fail(task, out, fmt.Sprintf("create session: %v", err))
		return
	}

	msg := latestUserMessage(task)
	text, usage, err := e.exchange(ctx, sessionID, msg, out)
	if err != nil {
		e.fail(task, out, err.Error())
		return
	}

	if question, ok := DecodeReply(text); ok {
		if err := task.SetState(protocol.StateInputRequired); err != nil {
			e.fail(task, out, err.Error())
			return
		}
		e.pending.Ask(task.ContextID, question)
		e.logger.Info("agent requested human input",
			zap.String("agent", e.agentName),
			zap.String("context", task.ContextID))
		out <- protocol.InputRequested(question)
		return
	}

	task.Append(protocol.AgentText(task.ContextID, text))
	if usage != nil {
		task.Append(protocol.Message{
			Role:  protocol.RoleAgent,
			Parts: []protocol.Part{protocol.DataPart(usage)},
		})
	}
	if err := task.SetState(protocol.StateCompleted); err != nil {
		out <- protocol.Failed(err.Error())
		return
	}
	out <- protocol.Done(text, usage)
}

// exchange performs one backend call with bounded rate-limit retries,
// forwarding stream events and returning the aggregated text.
func (e *Executor) exchange(ctx context.Context, sessionID string, msg protocol.Message, out chan<- protocol.Event) (string, *protocol.Usage, error) {
	backoff := e.cfg.RetryBase
	for attempt := 0; ; attempt++ {
		text, usage, err := e.consume(ctx, sessionID, msg, out)
		if err == nil {
			return text, usage, nil
		}
		if !errors.Is(err, ErrRateLimited) || attempt >= e.cfg.MaxRetries {
			return "", nil, err
		}

		e.logger.Warn("backend rate limited, backing off",
			zap.String("agent", e.agentName),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
		backoff = min(backoff*2, e.cfg.RetryCap)
	}
}

func (e *Executor) consume(ctx context.Context, sessionID string, msg protocol.Message, out chan<- protocol.Event) (string, *protocol.Usage, error) {
	ch, err := e.backend.Send(ctx, sessionID, msg)
	if err != nil {
		return "", nil, err
	}

	var sb strings.Builder
	var usage *protocol.Usage
	done := false
	for chunk := range ch {
		switch {
		case chunk.Done:
			usage = chunk.Usage
			done = true
		case chunk.Tool != "":
			switch chunk.ToolOp {
			case "started":
				out <- protocol.ToolCallStarted(chunk.Tool)
			case "completed":
				out <- protocol.ToolCallCompleted(chunk.Tool)
			case "failed":
				out <- protocol.ToolCallFailed(chunk.Tool, chunk.Reason)
			}
		case chunk.Text != "":
			sb.WriteString(chunk.Text)
			out <- protocol.TextDelta(chunk.Text)
		}
	}
	if !done {
		if ctx.Err() != nil {
			return "", nil, ctx.Err()
		}
		return "", nil, fmt.Errorf("agent %s: stream ended without completion", e.agentName)
	}
	return sb.String(), usage, nil
}

func (e *Executor) fail(task *protocol.Task, out chan<- protocol.Event, reason string) {
	if !protocol.Terminal(task.State) {
		_ = task.SetState(protocol.StateFailed)
	}
	e.logger.Warn("dispatch failed",
		zap.String("agent", e.agentName),
		zap.String("context", task.ContextID),
		zap.String("reason", reason))
	out <- protocol.Failed(reason)
}

// slowDown consults the rolling one-minute window and briefly delays
// the call when the cap is exceeded. It never rejects.
func (e *Executor) slowDown(ctx context.Context) {
	res := e.window.Reserve()
	delay := res.Delay()
	if delay <= 0 {
		return
	}
	if delay > 5*time.Second {
		delay = 5 * time.Second
	}
	e.logger.Debug("rate window saturated, slowing down",
		zap.String("agent", e.agentName),
		zap.Duration("delay", delay))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
	}
}

func latestUserMessage(task *protocol.Task) protocol.Message {
	for i := len(task.History) - 1; i >= 0; i-- {
		if task.History[i].Role == protocol.RoleUser {
			return task.History[i]
		}
	}
	return protocol.UserText(task.ContextID, "")
}
