// Package supervisor implements the Session Supervisor (spec §4.5): the
// per-session lifecycle state machine that wires the agent engine to the
// Policy Engine, Permission Gate, Event Fan-out, and Turn Scheduler.
// Grounded on internal/session/service.go's Service (the teacher's
// session-CRUD orchestrator) for wiring style, and internal/event/bus.go's
// singleton-registry pattern for resolving the cyclic ownership between
// supervisors and subscribers that spec §9 calls out explicitly.
package supervisor

import (
	"errors"
	"sync"
)

// ErrSessionNotFound is returned by Registry.Get for an unknown or
// already-destroyed session id, per spec §9's "any later subscriber
// lookup fails with session_not_found."
var ErrSessionNotFound = errors.New("session_not_found")

// Registry resolves the cyclic ownership spec §9 describes: subscribers
// (the Stream Multiplexer) hold session ids, never *Supervisor pointers;
// the registry is the only place that maps an id to a live Supervisor.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Supervisor
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Supervisor)}
}

// Register adds a newly constructed Supervisor under its SessionID.
func (r *Registry) Register(s *Supervisor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byID[s.SessionID()] = s
}

// Get looks up a live Supervisor by session id.
func (r *Registry) Get(sessionID string) (*Supervisor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Unregister removes a session; Supervisor.Stop calls it once the session
// reaches a terminal state. The session's fan-out ring is not dropped. Any
// later Get fails with ErrSessionNotFound.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, sessionID)
}

// List returns every currently registered session id, for a status
// listing surface (e.g. a CLI "oppi sessions" subcommand).
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
