package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// Manager tracks the active session loops so the server can report how many
// connections are live and logs can correlate by session ID.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Loop
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{sessions: make(map[string]*Loop)}
}

// NewID returns a fresh random session identifier.
func (m *Manager) NewID() string {
	var b [8]byte
	// rand.Read on the crypto source never fails in practice.
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// Register adds a session loop under its ID.
func (m *Manager) Register(id string, l *Loop) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[id] = l
}

// Unregister removes a session loop. Unknown IDs are ignored.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Len returns the number of active sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CloseAll closes every registered session and waits for them to unregister,
// up to the context deadline. Websocket handlers are hijacked connections, so
// draining the HTTP listener alone would never end them.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	for _, l := range m.sessions {
		if l != nil {
			l.Close()
		}
	}
	m.mu.Unlock()

	for m.Len() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	return nil
}
