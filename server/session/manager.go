package session

import (
	"fmt"
	"sync"
	"time"
)

// Manager owns the live session table, sized and timed out per the
// configured SessionNumber/SessionTimeout (server/conf.Cfg), adapted
// from the teacher's SessionManagerImpl — with the connection-keyed
// index dropped (no net.Conn crosses this core's boundary, spec §1)
// and an explicit stop channel so its cleanup goroutine can be shut
// down deterministically instead of living for the process lifetime
// (spec §9: replace global singletons with an explicit, owned context).
type Manager struct {
	mu             sync.RWMutex
	sessions       map[string]*Handle
	maxSessions    int
	sessionTimeout time.Duration
	stopCh         chan struct{}
	stopOnce       sync.Once
}

// NewManager constructs a manager and starts its expiry-sweep
// goroutine.
func NewManager(maxSessions int, sessionTimeout time.Duration) *Manager {
	m := &Manager{
		sessions:       make(map[string]*Handle),
		maxSessions:    maxSessions,
		sessionTimeout: sessionTimeout,
		stopCh:         make(chan struct{}),
	}
	go m.cleanupRoutine()
	return m
}

// Create allocates a new session handle, failing if the table is at
// capacity.
func (m *Manager) Create() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSessions > 0 && len(m.sessions) >= m.maxSessions {
		return nil, fmt.Errorf("session: too many active sessions (limit %d)", m.maxSessions)
	}

	h := newHandle()
	m.sessions[h.id] = h
	return h, nil
}

// Get looks up a session by id.
func (m *Manager) Get(id string) (*Handle, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.sessions[id]
	return h, ok
}

// Close closes and forgets the session named id.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	h, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("session: not found: %s", id)
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	return h.Close()
}

// Active returns a snapshot of every live session.
func (m *Manager) Active() []*Handle {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Handle, 0, len(m.sessions))
	for _, h := range m.sessions {
		out = append(out, h)
	}
	return out
}

// CleanupExpired closes and forgets every session idle past the
// configured timeout.
func (m *Manager) CleanupExpired() {
	m.mu.Lock()
	var expired []*Handle
	for id, h := range m.sessions {
		if h.IsExpired(m.sessionTimeout) {
			expired = append(expired, h)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, h := range expired {
		h.Close()
	}
}

func (m *Manager) cleanupRoutine() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.CleanupExpired()
		case <-m.stopCh:
			return
		}
	}
}

// Shutdown stops the cleanup goroutine. Existing sessions are left
// untouched; callers close them explicitly.
func (m *Manager) Shutdown() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}
