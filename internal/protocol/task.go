package protocol

import (
	"errors"
	"fmt"
	"time"
)

// State represents the lifecycle state of a task.
type State string

const (
	StateSubmitted     State = "submitted"
	StateWorking       State = "working"
	StateInputRequired State = "input_required"
	StateCompleted     State = "completed"
	StateFailed        State = "failed"
	StateCanceled      State = "canceled"
)

// ErrInvalidTransition is returned when a requested state change is not
// in the allowed transition table.
var ErrInvalidTransition = errors.New("invalid task transition")

// validTransitions defines allowed state transitions. Cancellation is
// handled separately: any non-terminal state may move to canceled.
var validTransitions = map[State][]State{
	StateSubmitted:     {StateWorking},
	StateWorking:       {StateCompleted, StateFailed, StateInputRequired},
	StateInputRequired: {StateWorking},
}

// Terminal reports whether s accepts no further transitions.
func Terminal(s State) bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Transition validates and returns nil if from→to is a legal transition.
func Transition(from, to State) error {
	if Terminal(from) {
		return fmt.Errorf("%w: %q is terminal", ErrInvalidTransition, from)
	}
	if to == StateCanceled {
		// Cancellation of a live task is never refused.
		return nil
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %q → %q", ErrInvalidTransition, from, to)
}

// Task is one unit of work dispatched to an agent, tracked through the
// protocol state machine. History only ever grows.
type Task struct {
	ID        string    `json:"id"`
	ContextID string    `json:"contextId"`
	State     State     `json:"state"`
	History   []Message `json:"history"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewTask creates a task in the submitted state.
func NewTask(id, contextID string) *Task {
	return &Task{
		ID:        id,
		ContextID: contextID,
		State:     StateSubmitted,
		CreatedAt: time.Now(),
	}
}

// SetState applies a validated state transition.
func (t *Task) SetState(to State) error {
	if err := Transition(t.State, to); err != nil {
		return err
	}
	t.State = to
	return nil
}

// Append adds a message to the task history, stamping the task's
// context and id onto it.
func (t *Task) Append(m Message) {
	m.ContextID = t.ContextID
	m.TaskID = t.ID
	t.History = append(t.History, m)
}

// LastText returns the text of the most recent message, or "".
func (t *Task) LastText() string {
	for i := len(t.History) - 1; i >= 0; i-- {
		if s := t.History[i].Text(); s != "" {
			return s
		}
	}
	return ""
}
