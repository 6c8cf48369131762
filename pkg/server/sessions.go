package server

import (
	"sort"
	"sync"

	"github.com/dheeraj-coding/zed/pkg/chandb"
)

// SessionManager tracks all attached sessions.
type SessionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Session
	byUser map[chandb.UserID][]*Session // user -> sessions (multi-device)
}

// NewSessionManager creates an empty session manager.
func NewSessionManager() *SessionManager {
	return &SessionManager{
		byID:   make(map[string]*Session),
		byUser: make(map[chandb.UserID][]*Session),
	}
}

// Add registers a session.
func (sm *SessionManager) Add(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.byID[s.ID] = s
	sm.byUser[s.User] = append(sm.byUser[s.User], s)
}

// Remove unregisters a session. Removing an unknown session is a no-op.
func (sm *SessionManager) Remove(s *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if _, ok := sm.byID[s.ID]; !ok {
		return
	}
	delete(sm.byID, s.ID)
	list := sm.byUser[s.User]
	for i, other := range list {
		if other == s {
			sm.byUser[s.User] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(sm.byUser[s.User]) == 0 {
		delete(sm.byUser, s.User)
	}
}

// Get returns a session by id.
func (sm *SessionManager) Get(id string) (*Session, bool) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	s, ok := sm.byID[id]
	return s, ok
}

// ByUser returns the sessions of one user.
func (sm *SessionManager) ByUser(user chandb.UserID) []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]*Session(nil), sm.byUser[user]...)
}

// IsConnected returns true if the user has at least one session.
func (sm *SessionManager) IsConnected(user chandb.UserID) bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byUser[user]) > 0
}

// ConnectedUsers returns the users with at least one session, sorted.
func (sm *SessionManager) ConnectedUsers() []chandb.UserID {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	users := make([]chandb.UserID, 0, len(sm.byUser))
	for u := range sm.byUser {
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i] < users[j] })
	return users
}

// All returns a snapshot of all sessions.
func (sm *SessionManager) All() []*Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	out := make([]*Session, 0, len(sm.byID))
	for _, s := range sm.byID {
		out = append(out, s)
	}
	return out
}

// Count returns the number of sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.byID)
}
