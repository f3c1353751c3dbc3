// Package session implements the bridge core: the per-peripheral session
// state machine, the process-wide connection claim, and the keyed session
// registry. A session outlives individual WebSocket connections and guards
// exclusive use of one peripheral.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/blebridge/internal/hexutil"
	"github.com/srg/blebridge/internal/logstream"
	"github.com/srg/blebridge/internal/ringchan"
	"github.com/srg/blebridge/internal/transport"
)

// ErrBusy reports that the peripheral is claimed by a different session key.
var ErrBusy = errors.New("another connection is active")

// NotActiveError reports an operation attempted outside ACTIVE.
type NotActiveError struct {
	State State
}

func (e *NotActiveError) Error() string {
	return fmt.Sprintf("session is not active (state %s)", e.State)
}

// BleConfig is the per-session peripheral description derived from the
// attach URL. UUIDs are stored normalized.
type BleConfig struct {
	Service           string
	Write             string
	Notify            string
	DevicePrefix      string
	ConnectTimeout    time.Duration
	OnMultipleDevices transport.MultipleDevicePolicy
}

// Compatible reports whether another config addresses the same peripheral
// surface. Timers and policies do not participate in identity.
func (c BleConfig) Compatible(o BleConfig) bool {
	return c.Service == o.Service && c.Write == o.Write && c.Notify == o.Notify &&
		c.DevicePrefix == o.DevicePrefix
}

// EventKind labels events fanned out to attached sockets.
type EventKind int

const (
	EventData EventKind = iota
	EventDisconnected
	EventClosed
)

// Event is one item on an attachment's receive channel.
type Event struct {
	Kind   EventKind
	Data   []byte
	Reason string
}

// attachmentBuffer bounds how far a slow socket may lag behind the radio.
const attachmentBuffer = 256

// Attachment is one WebSocket's membership in a session's fan-out set.
type Attachment struct {
	events *ringchan.RingChannel[Event]
}

// Events returns the attachment's event channel. Closed on detach or
// session teardown.
func (a *Attachment) Events() <-chan Event {
	return a.events.C()
}

// Timings carries the session timer configuration.
type Timings struct {
	GracePeriod   time.Duration
	IdleTimeout   time.Duration
	EvictionGrace time.Duration
	ScanTimeout   time.Duration
}

func (t Timings) scanTimeout() time.Duration {
	if t.ScanTimeout > 0 {
		return t.ScanTimeout
	}
	return 10 * time.Second
}

// writeFailureLimit force-cleans a session whose transport keeps failing
// writes inside writeFailureWindow.
const (
	writeFailureLimit  = 3
	writeFailureWindow = 10 * time.Second
)

// Session owns one transport, one connection-mutex token, and the set of
// attached sockets. All timers live here; the state machine is the sole
// authority on which of them are armed in which state.
type Session struct {
	id      string
	cfg     BleConfig
	token   string
	tr      *transport.Transport
	claims  *ConnMutex
	fsm     *StateMachine
	timings Timings
	packets *logstream.PacketLog
	shared  *logstream.SharedState
	logger  *logrus.Entry

	// onTerminate is invoked exactly once after cleanup so the manager can
	// drop its registry entry.
	onTerminate func(*Session)

	connectMu sync.Mutex // serializes transport connects
	writeMu   sync.Mutex // serializes TX so writes are totally ordered

	mu            sync.Mutex
	atts          map[*Attachment]struct{}
	graceTimer    *time.Timer
	idleTimer     *time.Timer
	evictTimer    *time.Timer
	evictDeadline time.Time
	lastActivity  time.Time
	createdAt     time.Time
	terminated    bool
	failCount     int
	failWindow    time.Time
}

func newSession(id, token string, cfg BleConfig, tr *transport.Transport, claims *ConnMutex,
	timings Timings, packets *logstream.PacketLog, shared *logstream.SharedState,
	logger *logrus.Logger, onTerminate func(*Session)) *Session {

	entry := logger.WithField("session", id)
	return &Session{
		id:           id,
		cfg:          cfg,
		token:        token,
		tr:           tr,
		claims:       claims,
		fsm:          NewStateMachine(entry),
		timings:      timings,
		packets:      packets,
		shared:       shared,
		logger:       entry,
		onTerminate:  onTerminate,
		atts:         make(map[*Attachment]struct{}),
		lastActivity: time.Now(),
		createdAt:    time.Now(),
	}
}

func (s *Session) ID() string        { return s.id }
func (s *Session) Token() string     { return s.token }
func (s *Session) Config() BleConfig { return s.cfg }
func (s *Session) State() State      { return s.fsm.State() }

func (s *Session) DeviceName() string {
	return s.tr.DeviceName()
}

func (s *Session) AttachedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.atts)
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// EvictDeadline is set while the session is EVICTING.
func (s *Session) EvictDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictDeadline
}

func (s *Session) Terminated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.terminated
}

// TransportStats exposes the transport resource snapshot to the sweep.
func (s *Session) TransportStats() transport.Stats {
	return s.tr.ResourceStats()
}

// Evictable reports whether the manager may discard this session. Only an
// ACTIVE session with its sockets and claim is protected.
func (s *Session) Evictable() bool {
	if s.Terminated() {
		return true
	}
	return s.fsm.State() != StateActive
}

// Attach joins a socket to the session's fan-out set. The first attachment
// claims the connection mutex and drives the transport to CONNECTED; a
// reattach within the grace window cancels the grace timer and reuses the
// live transport. Attaching to an EVICTING session is a busy error.
func (s *Session) Attach(ctx context.Context) (*Attachment, error) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil, ErrBusy
	}

	switch s.fsm.State() {
	case StateEvicting:
		s.mu.Unlock()
		return nil, ErrBusy
	case StateIdle:
		if !s.claims.TryClaim(s.token) {
			s.mu.Unlock()
			return nil, ErrBusy
		}
		if err := s.fsm.Transition(StateActive, "first socket attached"); err != nil {
			s.claims.Release(s.token)
			s.mu.Unlock()
			return nil, err
		}
	case StateActive:
		if s.graceTimer != nil {
			s.graceTimer.Stop()
			s.graceTimer = nil
			s.logger.Info("Socket reattached within grace window")
		}
	}

	att := &Attachment{events: ringchan.New[Event](attachmentBuffer)}
	s.atts[att] = struct{}{}
	s.resetIdleLocked()
	s.mu.Unlock()

	if err := s.ensureConnected(ctx); err != nil {
		s.rollbackAttach(att)
		return nil, err
	}
	return att, nil
}

// rollbackAttach undoes a failed first attach without arming grace.
func (s *Session) rollbackAttach(att *Attachment) {
	s.mu.Lock()
	delete(s.atts, att)
	empty := len(s.atts) == 0
	s.mu.Unlock()
	att.events.Close()

	if empty && s.fsm.State() == StateActive {
		if err := s.fsm.Transition(StateIdle, "connect failed"); err == nil {
			s.claims.Release(s.token)
		}
	}
}

// ensureConnected lazily drives the transport through scan → connect →
// subscribe. Serialized so concurrent attaches share one attempt.
func (s *Session) ensureConnected(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	if s.tr.State() == transport.StateConnected {
		return nil
	}
	if !s.tr.TryClaimConnection() {
		return fmt.Errorf("transport is %s", s.tr.State())
	}

	err := s.tr.Connect(ctx, transport.Config{
		Service:           s.cfg.Service,
		Write:             s.cfg.Write,
		Notify:            s.cfg.Notify,
		DevicePrefix:      s.cfg.DevicePrefix,
		ConnectTimeout:    s.cfg.ConnectTimeout,
		ScanTimeout:       s.timings.scanTimeout(),
		OnMultipleDevices: s.cfg.OnMultipleDevices,
	}, transport.Callbacks{
		OnData:         s.handleTransportData,
		OnDisconnected: s.handleTransportDisconnected,
	})
	if err != nil {
		return err
	}
	s.shared.SetConnected(s.id, s.tr.DeviceName())
	return nil
}

// Detach removes a socket. When the last one leaves an ACTIVE session the
// grace timer arms; a reattach before expiry keeps the session alive.
func (s *Session) Detach(att *Attachment) {
	s.mu.Lock()
	if _, ok := s.atts[att]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.atts, att)
	if len(s.atts) == 0 && !s.terminated && s.fsm.State() == StateActive {
		s.logger.WithField("grace", s.timings.GracePeriod).Info("Last socket detached, grace timer armed")
		s.graceTimer = time.AfterFunc(s.timings.GracePeriod, s.graceExpired)
	}
	s.mu.Unlock()
	att.events.Close()
}

func (s *Session) graceExpired() {
	s.mu.Lock()
	if s.terminated || len(s.atts) > 0 || s.fsm.State() != StateActive {
		s.mu.Unlock()
		return
	}
	if err := s.fsm.Transition(StateEvicting, "grace period expired"); err != nil {
		s.mu.Unlock()
		return
	}
	s.evictDeadline = time.Now().Add(s.timings.EvictionGrace)
	s.evictTimer = time.AfterFunc(s.timings.EvictionGrace, func() {
		s.ForceCleanup("grace expired")
	})
	s.mu.Unlock()
}

func (s *Session) idleExpired() {
	s.mu.Lock()
	if s.terminated || s.fsm.State() != StateActive {
		s.mu.Unlock()
		return
	}
	if err := s.fsm.Transition(StateEvicting, "idle timeout"); err != nil {
		s.mu.Unlock()
		return
	}
	s.evictDeadline = time.Now().Add(s.timings.EvictionGrace)
	s.evictTimer = time.AfterFunc(s.timings.EvictionGrace, func() {
		s.ForceCleanup("idle eviction")
	})
	s.mu.Unlock()
}

// resetIdleLocked (re)arms the idle timer. Caller holds s.mu.
func (s *Session) resetIdleLocked() {
	s.lastActivity = time.Now()
	if s.terminated {
		return
	}
	if s.idleTimer != nil {
		s.idleTimer.Stop()
	}
	s.idleTimer = time.AfterFunc(s.timings.IdleTimeout, s.idleExpired)
}

func (s *Session) touchActivity() {
	s.mu.Lock()
	s.resetIdleLocked()
	s.mu.Unlock()
	s.claims.Refresh(s.token)
	s.shared.Touch(s.id)
}

// Write sends one payload to the peripheral. Requires ACTIVE; reconnects
// lazily when the link was lost while sockets stayed attached. TX ordering
// is total within the session.
func (s *Session) Write(ctx context.Context, data []byte) error {
	if st := s.fsm.State(); st != StateActive {
		return &NotActiveError{State: st}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.tr.State() != transport.StateConnected {
		s.logger.Info("Transport not connected, attempting lazy reconnect")
		if err := s.ensureConnected(ctx); err != nil {
			s.noteWriteFailure(err)
			return err
		}
	}

	s.touchActivity()
	if err := s.tr.Write(data); err != nil {
		s.noteWriteFailure(err)
		return err
	}
	s.clearWriteFailures()
	s.packets.Append(logstream.TX, s.id, data)
	s.logger.WithField("payload", hexutil.Format(data)).Debug("TX packet")
	return nil
}

// noteWriteFailure tracks repeated transport failures; a burst inside the
// window tears the session down as unhealthy.
func (s *Session) noteWriteFailure(err error) {
	s.mu.Lock()
	now := time.Now()
	if now.Sub(s.failWindow) > writeFailureWindow {
		s.failWindow = now
		s.failCount = 0
	}
	s.failCount++
	count := s.failCount
	s.mu.Unlock()

	s.logger.WithError(err).WithField("failures", count).Error("Session write failed")
	if count >= writeFailureLimit {
		s.ForceCleanup("transport-unhealthy")
	}
}

func (s *Session) clearWriteFailures() {
	s.mu.Lock()
	s.failCount = 0
	s.mu.Unlock()
}

// handleTransportData fans a notification out to every attached socket in
// radio order and logs it as RX.
func (s *Session) handleTransportData(data []byte) {
	s.touchActivity()
	s.packets.Append(logstream.RX, s.id, data)
	s.logger.WithField("payload", hexutil.Format(data)).Debug("RX packet")

	s.mu.Lock()
	atts := make([]*Attachment, 0, len(s.atts))
	for a := range s.atts {
		atts = append(atts, a)
	}
	s.mu.Unlock()

	for _, a := range atts {
		a.events.Send(Event{Kind: EventData, Data: data})
	}
}

// handleTransportDisconnected reacts to a lost link. With sockets attached
// the session survives: clients get a disconnected event and the next write
// reconnects. With nobody attached the session cleans up to IDLE.
func (s *Session) handleTransportDisconnected() {
	s.shared.SetDisconnected(s.id)

	s.mu.Lock()
	attached := len(s.atts)
	atts := make([]*Attachment, 0, attached)
	for a := range s.atts {
		atts = append(atts, a)
	}
	s.mu.Unlock()

	if attached == 0 {
		s.ForceCleanup("transport disconnect")
		return
	}

	s.logger.WithField("attached", attached).Info("Peripheral link lost, sockets remain attached")
	for _, a := range atts {
		a.events.Send(Event{Kind: EventDisconnected})
	}
}

// ForceCleanup cancels every timer, tears the transport down, releases the
// claim, transitions to IDLE, and closes all attached sockets. Idempotent;
// safe from any goroutine.
func (s *Session) ForceCleanup(reason string) {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return
	}
	s.terminated = true
	for _, t := range []*time.Timer{s.graceTimer, s.idleTimer, s.evictTimer} {
		if t != nil {
			t.Stop()
		}
	}
	s.graceTimer, s.idleTimer, s.evictTimer = nil, nil, nil
	atts := make([]*Attachment, 0, len(s.atts))
	for a := range s.atts {
		atts = append(atts, a)
	}
	s.atts = make(map[*Attachment]struct{})
	s.mu.Unlock()

	s.logger.WithFields(logrus.Fields{
		"reason": reason,
		"age":    time.Since(s.createdAt).Round(time.Millisecond).String(),
	}).Info("Force cleanup")

	_ = s.tr.Disconnect()
	s.claims.Release(s.token)
	s.shared.SetDisconnected(s.id)

	switch s.fsm.State() {
	case StateActive, StateEvicting:
		_ = s.fsm.Transition(StateIdle, "cleanup complete: "+reason)
	}

	for _, a := range atts {
		a.events.Send(Event{Kind: EventClosed, Reason: reason})
		a.events.Close()
	}

	if s.onTerminate != nil {
		s.onTerminate(s)
	}
}
