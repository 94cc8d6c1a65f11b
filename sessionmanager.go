package emucore

//
// Session manager
//

import (
	"fmt"
	"sort"
	"sync"
)

// SessionManager owns a set of sessions keyed by id, for callers that
// juggle more than one emulation at a time. A standalone caller can
// own a single [Session] directly and never touch the manager; there
// is no process-wide instance. The zero value is invalid; please use
// [NewSessionManager] to construct.
type SessionManager struct {
	// config is the engine configuration for new sessions.
	config *EngineConfig

	// logger is the logger to use.
	logger Logger

	// mu provides mutual exclusion.
	mu sync.Mutex

	// sessions maps a session id to its session.
	sessions map[int64]*Session
}

// NewSessionManager creates a [SessionManager]. A nil config selects
// the defaults for every session it creates.
func NewSessionManager(logger Logger, config *EngineConfig) (*SessionManager, error) {
	validated, err := config.Validated()
	if err != nil {
		return nil, err
	}
	return &SessionManager{
		config:   validated,
		logger:   logger,
		mu:       sync.Mutex{},
		sessions: map[int64]*Session{},
	}, nil
}

// NewSession creates a session under the smallest unused id.
func (sm *SessionManager) NewSession(name string) (*Session, error) {
	defer sm.mu.Unlock()
	sm.mu.Lock()
	id := int64(1)
	for {
		if _, found := sm.sessions[id]; !found {
			break
		}
		id++
	}
	session, err := NewSession(id, name, sm.logger, sm.config)
	if err != nil {
		return nil, err
	}
	sm.sessions[id] = session
	return session, nil
}

// GetSession returns the session with the given id or an error
// wrapping [ErrUnknownSession].
func (sm *SessionManager) GetSession(id int64) (*Session, error) {
	defer sm.mu.Unlock()
	sm.mu.Lock()
	session, found := sm.sessions[id]
	if !found {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	return session, nil
}

// Sessions returns all sessions ordered by id.
func (sm *SessionManager) Sessions() []*Session {
	defer sm.mu.Unlock()
	sm.mu.Lock()
	out := make([]*Session, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		out = append(out, session)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// DeleteSession shuts a session down and removes it from the manager.
// It returns an error wrapping [ErrUnknownSession] for an absent id.
func (sm *SessionManager) DeleteSession(id int64) error {
	sm.mu.Lock()
	session, found := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %d", ErrUnknownSession, id)
	}
	session.Shutdown()
	return nil
}

// Shutdown shuts down every session and empties the manager. Like
// [Session.Shutdown] it never fails and is safe to call twice.
func (sm *SessionManager) Shutdown() {
	sm.mu.Lock()
	sessions := make([]*Session, 0, len(sm.sessions))
	for _, session := range sm.sessions {
		sessions = append(sessions, session)
	}
	sm.sessions = map[int64]*Session{}
	sm.mu.Unlock()
	for _, session := range sessions {
		session.Shutdown()
	}
}
