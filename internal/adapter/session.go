package adapter

import "sync"

// SessionStore maps a workflow context to the remote session id held
// with one agent backend. Entries are rebound atomically, never
// partially updated, and each context takes its own lock so unrelated
// workflow runs never serialize on session bookkeeping.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]string // contextID -> remoteSessionID

	locks sync.Map // contextID -> *sync.Mutex
}

// NewSessionStore creates an empty session store.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]string)}
}

func (s *SessionStore) lockFor(contextID string) *sync.Mutex {
	l, _ := s.locks.LoadOrStore(contextID, &sync.Mutex{})
	return l.(*sync.Mutex)
}

// Get returns the remote session bound to a context, if any.
func (s *SessionStore) Get(contextID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.sessions[contextID]
	return id, ok
}

// GetOrCreate returns the bound session or calls create to open one,
// binding the result. Concurrent callers for the same context share
// one create call; callers for different contexts do not contend.
func (s *SessionStore) GetOrCreate(contextID string, create func() (string, error)) (string, error) {
	l := s.lockFor(contextID)
	l.Lock()
	defer l.Unlock()

	if id, ok := s.Get(contextID); ok {
		return id, nil
	}
	id, err := create()
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	s.sessions[contextID] = id
	s.mu.Unlock()
	return id, nil
}

// Reset drops the binding so the next dispatch opens a fresh remote
// conversation.
func (s *SessionStore) Reset(contextID string) {
	l := s.lockFor(contextID)
	l.Lock()
	defer l.Unlock()
	s.mu.Lock()
	delete(s.sessions, contextID)
	s.mu.Unlock()
}
