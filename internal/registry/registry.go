package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/protocol"
	"github.com/kvoss/fleetline/internal/relay"
)

// ErrAgentNotFound is returned when resolving an unregistered agent.
var ErrAgentNotFound = errors.New("agent not found")

const healthTimeout = 3 * time.Second

// Registry maps agent names to cards and tracks which agents each
// session has enabled. Card mutations take a per-name lock so probes
// of one agent never stall dispatches to another.
type Registry struct {
	mu    sync.RWMutex
	cards map[string]*protocol.AgentCard

	locks sync.Map // name -> *sync.Mutex

	sessMu   sync.RWMutex
	sessions map[string]map[string]bool // sessionID -> agent name -> enabled

	hub       *relay.Hub
	client    *http.Client
	logger    *zap.Logger
	persister CardPersister
}

// CardPersister stores card changes durably so the registry survives a
// restart.
type CardPersister interface {
	SaveCard(ctx context.Context, card protocol.AgentCard) error
	DeleteCard(ctx context.Context, name string) error
}

// New creates an agent registry publishing changes to hub.
func New(hub *relay.Hub, logger *zap.Logger) *Registry {
	return &Registry{
		cards:    make(map[string]*protocol.AgentCard),
		sessions: make(map[string]map[string]bool),
		hub:      hub,
		client:   &http.Client{Timeout: healthTimeout},
		logger:   logger,
	}
}

// SetPersister enables durable card storage. Pass the database store
// after it connects; registration keeps working in memory without one.
func (r *Registry) SetPersister(p CardPersister) {
	r.persister = p
}

func (r *Registry) lockFor(name string) *sync.Mutex {
	l, _ := r.locks.LoadOrStore(name, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Register adds or replaces an agent card. Registration is idempotent
// by name so an agent can re-register after a restart.
func (r *Registry) Register(card protocol.AgentCard) {
	if card.Status == "" {
		card.Status = protocol.AgentOnline
	}

	l := r.lockFor(card.Name)
	l.Lock()
	r.mu.Lock()
	r.cards[card.Name] = &card
	r.mu.Unlock()
	l.Unlock()

	r.logger.Info("registered agent",
		zap.String("name", card.Name),
		zap.String("url", card.URL),
		zap.Int("skills", len(card.Skills)))

	if r.persister != nil {
		if err := r.persister.SaveCard(context.Background(), card); err != nil {
			r.logger.Warn("card persistence failed", zap.String("name", card.Name), zap.Error(err))
		}
	}

	r.hub.PublishPayload(relay.Envelope{
		EventType: relay.EventAgentRegistered,
		AgentName: card.Name,
	}, card)
}

// Deregister removes an agent by name. Removing an unknown name is a
// no-op.
func (r *Registry) Deregister(name string) {
	l := r.lockFor(name)
	l.Lock()
	r.mu.Lock()
	_, existed := r.cards[name]
	delete(r.cards, name)
	r.mu.Unlock()
	l.Unlock()

	if !existed {
		return
	}
	if r.persister != nil {
		if err := r.persister.DeleteCard(context.Background(), name); err != nil {
			r.logger.Warn("card deletion failed", zap.String("name", name), zap.Error(err))
		}
	}
	r.logger.Info("deregistered agent", zap.String("name", name))
	r.hub.PublishPayload(relay.Envelope{
		EventType: relay.EventAgentRegistrySync,
		AgentName: name,
	}, map[string]string{"removed": name})
}

// Resolve returns the card for name or ErrAgentNotFound.
func (r *Registry) Resolve(name string) (*protocol.AgentCard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	card, ok := r.cards[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrAgentNotFound, name)
	}
	c := *card
	return &c, nil
}

// List returns all registered cards.
func (r *Registry) List() []protocol.AgentCard {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]protocol.AgentCard, 0, len(r.cards))
	for _, c := range r.cards {
		out = append(out, *c)
	}
	return out
}

// EnableForSession makes an agent visible to a session, registering
// the card if it is not yet known.
func (r *Registry) EnableForSession(sessionID string, card protocol.AgentCard) {
	if _, err := r.Resolve(card.Name); err != nil {
		r.Register(card)
	}

	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	prefs, ok := r.sessions[sessionID]
	if !ok {
		prefs = make(map[string]bool)
		r.sessions[sessionID] = prefs
	}
	prefs[card.Name] = true
}

// DisableForSession hides the agent with the given URL from a session.
func (r *Registry) DisableForSession(sessionID, url string) {
	var name string
	r.mu.RLock()
	for n, c := range r.cards {
		if c.URL == url {
			name = n
			break
		}
	}
	r.mu.RUnlock()
	if name == "" {
		return
	}

	r.sessMu.Lock()
	defer r.sessMu.Unlock()
	if prefs, ok := r.sessions[sessionID]; ok {
		prefs[name] = false
	} else {
		r.sessions[sessionID] = map[string]bool{name: false}
	}
}

// ListEnabledFor returns the cards a session can dispatch to. A
// session with no recorded preference for an agent sees it enabled.
func (r *Registry) ListEnabledFor(sessionID string) []protocol.AgentCard {
	r.sessMu.RLock()
	prefs := r.sessions[sessionID]
	r.sessMu.RUnlock()

	var out []protocol.AgentCard
	for _, c := range r.List() {
		if enabled, recorded := prefs[c.Name]; recorded && !enabled {
			continue
		}
		out = append(out, c)
	}
	return out
}

// HealthCheck probes an agent's health endpoint. Failure marks the
// matching card offline but never removes it.
func (r *Registry) HealthCheck(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := r.client.Do(req)
	healthy := err == nil && resp.StatusCode == http.StatusOK
	if resp != nil {
		resp.Body.Close()
	}

	r.setStatusByURL(url, healthy)
	return healthy
}

func (r *Registry) setStatusByURL(url string, healthy bool) {
	r.mu.RLock()
	var name string
	for n, c := range r.cards {
		if c.URL == url {
			name = n
			break
		}
	}
	r.mu.RUnlock()
	if name == "" {
		return
	}

	l := r.lockFor(name)
	l.Lock()
	defer l.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.cards[name]; ok {
		if healthy {
			c.Status = protocol.AgentOnline
		} else {
			c.Status = protocol.AgentOffline
			r.logger.Warn("agent health probe failed", zap.String("name", name))
		}
	}
}

// SyncLoop periodically re-probes every registered agent, with backoff
// after a sweep where all probes fail (the fleet is likely cold or the
// network is down). It runs until ctx is cancelled and is meant to be
// supervised by main rather than fired and forgotten.
func (r *Registry) SyncLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	backoff := interval

	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		cards := r.List()
		healthy := 0
		for _, c := range cards {
			if r.HealthCheck(ctx, c.URL) {
				healthy++
			}
		}
		if len(cards) > 0 && healthy == 0 {
			backoff = min(backoff*2, 10*interval)
		} else {
			backoff = interval
		}

		r.hub.PublishPayload(relay.Envelope{
			EventType: relay.EventAgentRegistrySync,
		}, map[string]int{"agents": len(cards), "healthy": healthy})
	}
}
