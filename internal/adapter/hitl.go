package adapter

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kvoss/fleetline/internal/protocol"
)

// Markers an agent embeds in its output to ask the operator a question.
const (
	inputOpenMarker  = "[[INPUT_NEEDED]]"
	inputCloseMarker = "[[/INPUT_NEEDED]]"
	inputPrefix      = "INPUT_NEEDED:"
)

// ErrInputCancelled is delivered to a HITL waiter whose pending input
// was cancelled before a human replied.
var ErrInputCancelled = errors.New("pending input cancelled")

// DecodeReply inspects aggregated agent output for a human-input
// request. It returns the extracted question and true when the text is
// an input request; a marker block that is malformed or unterminated
// falls back to the whole text as the question.
func DecodeReply(text string) (question string, ok bool) {
	trimmed := strings.TrimSpace(text)

	if rest, found := strings.CutPrefix(trimmed, inputPrefix); found {
		return strings.TrimSpace(rest), true
	}

	open := strings.Index(trimmed, inputOpenMarker)
	if open < 0 {
		return "", false
	}
	body := trimmed[open+len(inputOpenMarker):]
	if end := strings.Index(body, inputCloseMarker); end >= 0 {
		return strings.TrimSpace(body[:end]), true
	}
	// Unterminated block: treat the whole response as the question.
	return trimmed, true
}

// PendingInput is one outstanding human-input request.
type PendingInput struct {
	ContextID string
	Question  string
	AskedAt   time.Time

	once  sync.Once
	reply chan protocol.Message
	err   error
}

// PendingInputs correlates human replies with suspended tasks. Each
// entry carries a single-resolution channel, so "has anyone already
// answered" and "wait with timeout" are both explicit.
type PendingInputs struct {
	mu      sync.Mutex
	pending map[string]*PendingInput // keyed by contextID
}

// NewPendingInputs creates an empty pending-input table.
func NewPendingInputs() *PendingInputs {
	return &PendingInputs{pending: make(map[string]*PendingInput)}
}

// Ask records a pending question for a context, replacing any stale
// entry, and returns the record.
func (p *PendingInputs) Ask(contextID, question string) *PendingInput {
	pi := &PendingInput{
		ContextID: contextID,
		Question:  question,
		AskedAt:   time.Now(),
		reply:     make(chan protocol.Message, 1),
	}
	p.mu.Lock()
	p.pending[contextID] = pi
	p.mu.Unlock()
	return pi
}

// Get returns the pending input for a context, if any.
func (p *PendingInputs) Get(contextID string) (*PendingInput, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	pi, ok := p.pending[contextID]
	return pi, ok
}

// List returns all outstanding questions.
func (p *PendingInputs) List() []*PendingInput {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*PendingInput, 0, len(p.pending))
	for _, pi := range p.pending {
		out = append(out, pi)
	}
	return out
}

// Resolve delivers the human's reply. Resolving a context with no
// pending question, or one already resolved, is a no-op returning
// false.
func (p *PendingInputs) Resolve(contextID string, reply protocol.Message) bool {
	p.mu.Lock()
	pi, ok := p.pending[contextID]
	if ok {
		delete(p.pending, contextID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	resolved := false
	pi.once.Do(func() {
		pi.reply <- reply
		close(pi.reply)
		resolved = true
	})
	return resolved
}

// Cancel unblocks any waiter with ErrInputCancelled. Cancelling a
// context with nothing pending is a no-op.
func (p *PendingInputs) Cancel(contextID string) bool {
	p.mu.Lock()
	pi, ok := p.pending[contextID]
	if ok {
		delete(p.pending, contextID)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}

	cancelled := false
	pi.once.Do(func() {
		pi.err = ErrInputCancelled
		close(pi.reply)
		cancelled = true
	})
	return cancelled
}

// wait blocks until the pending input resolves, is cancelled, or ctx
// expires. The suspension holds no lock, so it may span arbitrary
// wall-clock time. Runs suspend by persisting a pending-run record and
// returning, so nothing outside this package blocks on a reply.
func (pi *PendingInput) wait(ctx context.Context) (protocol.Message, error) {
	select {
	case msg, ok := <-pi.reply:
		if !ok {
			if pi.err != nil {
				return protocol.Message{}, pi.err
			}
			return protocol.Message{}, ErrInputCancelled
		}
		return msg, nil
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	}
}
