package session

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConnMutex is the process-wide peripheral claim: a single-holder lock keyed
// by an opaque token. It is not a thread fence; it is a resource claim that
// survives across goroutines. A holder that never releases is recovered via
// the stale-claim timeout. There is no queueing: contention surfaces to the
// client as a busy error.
type ConnMutex struct {
	staleAfter time.Duration
	logger     *logrus.Logger

	mu        sync.Mutex
	holder    string
	claimedAt time.Time
}

func NewConnMutex(staleAfter time.Duration, logger *logrus.Logger) *ConnMutex {
	if logger == nil {
		logger = logrus.New()
	}
	return &ConnMutex{staleAfter: staleAfter, logger: logger}
}

// TryClaim succeeds if the mutex is unheld, already held by token, or held
// by a claim older than the stale timeout. On success the claim timestamp is
// reset to now.
func (m *ConnMutex) TryClaim(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.holder == "", m.holder == token:
	case time.Since(m.claimedAt) > m.staleAfter:
		m.logger.WithFields(logrus.Fields{
			"stale_holder": m.holder,
			"claimed_at":   m.claimedAt,
		}).Info("Taking over stale connection claim")
	default:
		return false
	}
	m.holder = token
	m.claimedAt = time.Now()
	return true
}

// Refresh resets the claim timestamp while token still holds the mutex.
// Called whenever the owning session is demonstrably alive.
func (m *ConnMutex) Refresh(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder == token {
		m.claimedAt = time.Now()
	}
}

// Release frees the mutex only if token is the current holder.
func (m *ConnMutex) Release(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != token {
		return false
	}
	m.holder = ""
	m.claimedAt = time.Time{}
	return true
}

// ForceRelease frees the mutex unconditionally. Used during zombie cleanup
// and process shutdown.
func (m *ConnMutex) ForceRelease() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.holder != "" {
		m.logger.WithField("holder", m.holder).Info("Force-releasing connection claim")
	}
	m.holder = ""
	m.claimedAt = time.Time{}
}

// IsFree reports whether the mutex is unheld or its claim has gone stale.
func (m *ConnMutex) IsFree() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder == "" || time.Since(m.claimedAt) > m.staleAfter
}

// Holder returns the current holder token, empty when free.
func (m *ConnMutex) Holder() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder
}

// IsStale reports whether token holds a claim past the stale timeout.
func (m *ConnMutex) IsStale(token string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.holder == token && time.Since(m.claimedAt) > m.staleAfter
}
