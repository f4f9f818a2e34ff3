package session

import (
	"sync"

	"github.com/tutu-network/tutumesh/internal/domain"
	"github.com/tutu-network/tutumesh/internal/metrics"
)

// Registry tracks every live session by ID and by client ID.
type Registry struct {
	mu       sync.RWMutex
	byID     map[string]*Session
	byClient map[string]*Session
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:     make(map[string]*Session),
		byClient: make(map[string]*Session),
	}
}

// Add registers a session.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.ID] = s
	r.updateGauge()
}

// Bind associates a session with its authenticated client ID, called once
// Register succeeds.
func (r *Registry) Bind(clientID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byClient[clientID] = s
}

// Remove unregisters a session by ID, called when it closes.
func (r *Registry) Remove(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, s.ID)
	if existing, ok := r.byClient[s.ClientID]; ok && existing == s {
		delete(r.byClient, s.ClientID)
	}
	r.updateGauge()
}

func (r *Registry) updateGauge() {
	active := 0
	for _, s := range r.byID {
		if s.State() == domain.SessionActive {
			active++
		}
	}
	metrics.ActiveSessions.Set(float64(active))
}

// Get returns a session by its own ID.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// GetByClient returns a session by its bound client ID.
func (r *Registry) GetByClient(clientID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byClient[clientID]
	return s, ok
}

// ActiveExcept returns every Active session other than exclude.
func (r *Registry) ActiveExcept(exclude *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byID {
		if s == exclude {
			continue
		}
		if s.State() == domain.SessionActive {
			out = append(out, s)
		}
	}
	return out
}

// SubscribedExcept returns every Active session subscribed to group other
// than exclude.
func (r *Registry) SubscribedExcept(group string, exclude *Session) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Session
	for _, s := range r.byID {
		if s == exclude {
			continue
		}
		if s.State() == domain.SessionActive && s.SubscribedTo(group) {
			out = append(out, s)
		}
	}
	return out
}

// Count returns the number of registered sessions, regardless of state.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}
