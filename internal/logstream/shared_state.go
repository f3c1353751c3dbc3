package logstream

import (
	"sync"
	"time"
)

// Snapshot is the connection view exposed to /health-style consumers.
type Snapshot struct {
	Connected    bool      `json:"connected"`
	DeviceName   string    `json:"deviceName"`
	SessionID    string    `json:"sessionId"`
	LastActivity time.Time `json:"lastActivity"`
}

// SharedState holds the latest connection snapshot. Sessions update it on
// every state transition; observers read it without blocking anyone.
type SharedState struct {
	mu   sync.RWMutex
	snap Snapshot
}

func NewSharedState() *SharedState {
	return &SharedState{}
}

// SetConnected records a live link for the given session.
func (s *SharedState) SetConnected(sessionID, deviceName string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = Snapshot{
		Connected:    true,
		DeviceName:   deviceName,
		SessionID:    sessionID,
		LastActivity: time.Now(),
	}
}

// SetDisconnected clears the link if sessionID still owns the snapshot.
func (s *SharedState) SetDisconnected(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.SessionID != sessionID {
		return
	}
	s.snap.Connected = false
	s.snap.LastActivity = time.Now()
}

// Touch bumps LastActivity for the owning session.
func (s *SharedState) Touch(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap.SessionID != sessionID {
		return
	}
	s.snap.LastActivity = time.Now()
}

// Get returns the current snapshot.
func (s *SharedState) Get() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}
