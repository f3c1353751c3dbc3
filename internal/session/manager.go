package session

import (
	"sort"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/device"
	"github.com/srg/blebridge/internal/logstream"
	"github.com/srg/blebridge/internal/transport"
)

// listenerPressureLimit marks a session as a zombie when its transport has
// accumulated this many notification listeners.
const listenerPressureLimit = 100

// Manager is the keyed session registry. One manager per process owns the
// connection mutex, the scan gate, and the packet log that all sessions
// share.
type Manager struct {
	stack   device.Stack
	gate    *transport.ScanGate
	claims  *ConnMutex
	timings Timings
	packets *logstream.PacketLog
	shared  *logstream.SharedState
	logger  *logrus.Logger

	sessions *hashmap.Map[string, *Session]
}

type ManagerConfig struct {
	Timings          Timings
	StaleClaim       time.Duration
	PacketLogEntries int
}

func NewManager(stack device.Stack, gate *transport.ScanGate, cfg ManagerConfig, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	return &Manager{
		stack:    stack,
		gate:     gate,
		claims:   NewConnMutex(cfg.StaleClaim, logger),
		timings:  cfg.Timings,
		packets:  logstream.NewPacketLog(cfg.PacketLogEntries),
		shared:   logstream.NewSharedState(),
		logger:   logger,
		sessions: hashmap.New[string, *Session](),
	}
}

// PacketLog exposes the shared TX/RX ring for log-stream subscribers.
func (m *Manager) PacketLog() *logstream.PacketLog { return m.packets }

// SharedState exposes the connection snapshot for health reporting.
func (m *Manager) SharedState() *logstream.SharedState { return m.shared }

// Claims exposes the connection mutex; handlers use it for busy reporting
// only, never to claim.
func (m *Manager) Claims() *ConnMutex { return m.claims }

// NewSessionID mints an id for clients that did not supply one.
func (m *Manager) NewSessionID() string { return uuid.NewString() }

// GetOrCreate resolves the session for id. An existing session is reused
// when its peripheral config matches; an incompatible config evicts the old
// session only if it is already evictable. A new id while the peripheral is
// claimed elsewhere is refused busy.
func (m *Manager) GetOrCreate(id string, cfg BleConfig) (*Session, error) {
	if existing, ok := m.sessions.Get(id); ok {
		if !existing.Terminated() {
			if existing.Config().Compatible(cfg) {
				return existing, nil
			}
			if !existing.Evictable() {
				m.logger.WithFields(logrus.Fields{
					"session": id,
					"state":   existing.State().String(),
				}).Info("Rejecting incompatible config for live session")
				return nil, ErrBusy
			}
			existing.ForceCleanup("superseded by new config")
		}
		m.sessions.Del(id)
	}

	if !m.claims.IsFree() {
		return nil, ErrBusy
	}

	s := m.newSession(id, cfg)
	if !m.sessions.Insert(id, s) {
		// Lost the creation race; the winner's session serves this id.
		if winner, ok := m.sessions.Get(id); ok {
			if winner.Config().Compatible(cfg) {
				return winner, nil
			}
			return nil, ErrBusy
		}
		return nil, ErrBusy
	}
	m.logger.WithField("session", id).Info("Session created")
	return s, nil
}

// Get returns the live session for id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	s, ok := m.sessions.Get(id)
	if !ok || s.Terminated() {
		return nil, false
	}
	return s, true
}

func (m *Manager) newSession(id string, cfg BleConfig) *Session {
	tr := transport.New(m.stack, m.gate, m.logger)
	token := uuid.NewString()
	return newSession(id, token, cfg, tr, m.claims, m.timings, m.packets, m.shared,
		m.logger, func(s *Session) {
			m.sessions.Del(s.ID())
			m.logger.WithField("session", s.ID()).Info("Session removed from registry")
		})
}

// Count returns the number of registered sessions.
func (m *Manager) Count() int { return m.sessions.Len() }

// List snapshots the registry.
func (m *Manager) List() []*Session {
	out := make([]*Session, 0, m.sessions.Len())
	m.sessions.Range(func(_ string, s *Session) bool {
		out = append(out, s)
		return true
	})
	return out
}

// Sweep reaps zombie sessions: EVICTING past its deadline, a stale
// connection claim, runaway listener accumulation, or an IDLE session that
// never kept a socket (its first attach failed) and outlived the grace plus
// eviction window. Candidates are reaped oldest deadline first so repeated
// sweeps behave deterministically.
func (m *Manager) Sweep() int {
	var candidates []*Session
	now := time.Now()
	orphanAge := m.timings.GracePeriod + m.timings.EvictionGrace

	m.sessions.Range(func(_ string, s *Session) bool {
		switch {
		case s.State() == StateEvicting && !s.EvictDeadline().IsZero() && now.After(s.EvictDeadline()):
			candidates = append(candidates, s)
		case m.claims.IsStale(s.Token()):
			candidates = append(candidates, s)
		case s.TransportStats().Listeners > listenerPressureLimit:
			candidates = append(candidates, s)
		case s.State() == StateIdle && s.AttachedCount() == 0 && now.Sub(s.LastActivity()) > orphanAge:
			candidates = append(candidates, s)
		}
		return true
	})

	sort.Slice(candidates, func(i, j int) bool {
		di, dj := candidates[i].EvictDeadline(), candidates[j].EvictDeadline()
		if !di.Equal(dj) {
			if di.IsZero() {
				return false
			}
			if dj.IsZero() {
				return true
			}
			return di.Before(dj)
		}
		return candidates[i].LastActivity().Before(candidates[j].LastActivity())
	})

	for _, s := range candidates {
		m.logger.WithFields(logrus.Fields{
			"session": s.ID(),
			"state":   s.State().String(),
		}).Info("Sweeping zombie session")
		s.ForceCleanup("zombie cleanup")
	}
	return len(candidates)
}

// RunSweeper sweeps on the interval until stop is closed.
func (m *Manager) RunSweeper(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := m.Sweep(); n > 0 {
				m.logger.WithField("reaped", n).Info("Sweep reaped sessions")
			}
		case <-stop:
			return
		}
	}
}

// StopAll tears every session down and force-releases the claim. Used at
// process shutdown.
func (m *Manager) StopAll() {
	for _, s := range m.List() {
		s.ForceCleanup("shutdown")
	}
	m.claims.ForceRelease()
}
