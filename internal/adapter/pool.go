package adapter

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/protocol"
)

// Pool hands out one executor per agent, created lazily from the
// agent's card. Executors are shared across all concurrent runs that
// target the same agent so the concurrency semaphore protects the
// downstream service globally.
type Pool struct {
	mu        sync.Mutex
	executors map[string]*Executor
	cfg       Config
	timeout   time.Duration
	logger    *zap.Logger

	// newBackend is swappable for tests.
	newBackend func(card protocol.AgentCard) Backend
}

// NewPool creates an executor pool using HTTP backends.
func NewPool(cfg Config, backendTimeout time.Duration, logger *zap.Logger) *Pool {
	p := &Pool{
		executors: make(map[string]*Executor),
		cfg:       cfg,
		timeout:   backendTimeout,
		logger:    logger,
	}
	p.newBackend = func(card protocol.AgentCard) Backend {
		return NewHTTPBackend(card.URL, p.timeout, logger.Named(card.Name))
	}
	return p
}

// SetBackendFactory overrides backend construction (used by tests to
// inject fakes).
func (p *Pool) SetBackendFactory(f func(card protocol.AgentCard) Backend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.newBackend = f
}

// For returns the executor for an agent, creating it on first use.
func (p *Pool) For(card protocol.AgentCard) *Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ex, ok := p.executors[card.Name]; ok {
		return ex
	}
	ex := NewExecutor(card.Name, p.newBackend(card), p.cfg, p.logger.Named(card.Name))
	p.executors[card.Name] = ex
	return ex
}

// Executors returns all live executors.
func (p *Pool) Executors() []*Executor {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Executor, 0, len(p.executors))
	for _, ex := range p.executors {
		out = append(out, ex)
	}
	return out
}

// Resume delivers a human reply to whichever executor holds a pending
// input for the context. Returns false when nothing is pending.
func (p *Pool) Resume(contextID string, reply protocol.Message) bool {
	for _, ex := range p.Executors() {
		if ex.Resume(contextID, reply) {
			return true
		}
	}
	return false
}

// Cancel unblocks any pending input for the context across all agents.
func (p *Pool) Cancel(contextID string) bool {
	cancelled := false
	for _, ex := range p.Executors() {
		if ex.Cancel(contextID) {
			cancelled = true
		}
	}
	return cancelled
}

// PendingQuestions lists outstanding human-input requests fleet-wide.
func (p *Pool) PendingQuestions() []*PendingInput {
	var out []*PendingInput
	for _, ex := range p.Executors() {
		out = append(out, ex.Pending().List()...)
	}
	return out
}
