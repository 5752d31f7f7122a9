package protocol

// EventKind discriminates the normalized events an execution adapter
// emits while driving one task.
type EventKind string

const (
	EventTextDelta         EventKind = "text_delta"
	EventToolCallStarted   EventKind = "tool_call_started"
	EventToolCallCompleted EventKind = "tool_call_completed"
	EventToolCallFailed    EventKind = "tool_call_failed"
	EventInputRequested    EventKind = "input_requested"
	EventFailed            EventKind = "failed"
	EventDone              EventKind = "done"
)

// Usage tracks token consumption reported by an agent backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Event is a normalized streaming event. Downstream code switches on
// Kind; only the fields relevant to that kind are set.
type Event struct {
	Kind      EventKind `json:"kind"`
	Text      string    `json:"text,omitempty"`      // text_delta
	Tool      string    `json:"tool,omitempty"`      // tool_call_*
	Reason    string    `json:"reason,omitempty"`    // tool_call_failed, failed
	Question  string    `json:"question,omitempty"`  // input_requested
	FinalText string    `json:"finalText,omitempty"` // done
	Usage     *Usage    `json:"usage,omitempty"`     // done
}

// Terminal reports whether the event ends a dispatch stream.
func (e Event) Terminal() bool {
	switch e.Kind {
	case EventInputRequested, EventFailed, EventDone:
		return true
	}
	return false
}

func TextDelta(text string) Event { return Event{Kind: EventTextDelta, Text: text} }
func ToolCallStarted(name string) Event { return Event{Kind: EventToolCallStarted, Tool: name} }
func ToolCallCompleted(name string) Event {
	return Event{Kind: EventToolCallCompleted, Tool: name}
}
func ToolCallFailed(name, reason string) Event {
	return Event{Kind: EventToolCallFailed, Tool: name, Reason: reason}
}
func InputRequested(question string) Event {
	return Event{Kind: EventInputRequested, Question: question}
}
func Failed(reason string) Event { return Event{Kind: EventFailed, Reason: reason} }
func Done(finalText string, usage *Usage) Event {
	return Event{Kind: EventDone, FinalText: finalText, Usage: usage}
}
