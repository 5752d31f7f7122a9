package relay

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType categorizes relay envelopes.
type EventType string

const (
	EventAgentStart        EventType = "agent_start"
	EventAgentOutput       EventType = "agent_output"
	EventAgentComplete     EventType = "agent_complete"
	EventAgentError        EventType = "agent_error"
	EventPhase             EventType = "phase"
	EventReasoning         EventType = "reasoning"
	EventInputRequired     EventType = "input_required"
	EventAgentRegistered   EventType = "agent_registered"
	EventAgentRegistrySync EventType = "agent_registry_sync"
)

// Envelope is the outward-facing event shape published to subscribers.
type Envelope struct {
	EventType      EventType       `json:"eventType"`
	ConversationID string          `json:"conversationId,omitempty"`
	ContextID      string          `json:"contextId,omitempty"`
	TaskID         string          `json:"taskId,omitempty"`
	AgentName      string          `json:"agentName,omitempty"`
	StepNumber     int             `json:"stepNumber,omitempty"`
	State          string          `json:"state,omitempty"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

// Sink receives every published envelope, e.g. for outward transport.
type Sink interface {
	Publish(env Envelope) error
}

const subscriberBuffer = 64

// Hub fans out envelopes to in-process subscribers without ever
// blocking the publisher: a subscriber that falls behind loses its
// oldest event, not the orchestrator's progress.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]chan Envelope
	sinks  []Sink
	logger *zap.Logger
}

// NewHub creates an event relay hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[string]chan Envelope),
		logger: logger,
	}
}

// AddSink attaches an outward sink (e.g. Redis Streams).
func (h *Hub) AddSink(s Sink) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sinks = append(h.sinks, s)
}

// Subscribe registers a subscriber and returns its event channel.
func (h *Hub) Subscribe(id string) <-chan Envelope {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch := make(chan Envelope, subscriberBuffer)
	h.subs[id] = ch
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(ch)
	}
}

// Publish delivers an envelope to all subscribers and sinks. Publish
// holds the hub lock for the duration, so envelopes from a single
// producer are observed in production order.
func (h *Hub) Publish(env Envelope) {
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- env:
		default:
			// Drop the oldest event to make room.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- env:
			default:
			}
			h.logger.Debug("relay subscriber lagging, dropped event",
				zap.String("subscriber", id),
				zap.String("type", string(env.EventType)))
		}
	}

	for _, s := range h.sinks {
		if err := s.Publish(env); err != nil {
			h.logger.Warn("relay sink publish failed",
				zap.String("type", string(env.EventType)),
				zap.Error(err))
		}
	}
}

// PublishPayload marshals payload and publishes the envelope.
func (h *Hub) PublishPayload(env Envelope, payload any) {
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			h.logger.Warn("relay payload marshal failed", zap.Error(err))
		} else {
			env.Payload = raw
		}
	}
	h.Publish(env)
}
