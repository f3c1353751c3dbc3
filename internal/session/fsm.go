package session

import (
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// State is the session lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateActive
	StateEvicting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateActive:
		return "ACTIVE"
	case StateEvicting:
		return "EVICTING"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// legalTransitions enumerates the allowed edges of the session automaton.
var legalTransitions = map[State][]State{
	StateIdle:     {StateActive},
	StateActive:   {StateEvicting, StateIdle},
	StateEvicting: {StateIdle},
}

// IllegalTransitionError reports a rejected state change.
type IllegalTransitionError struct {
	From, To State
	Reason   string
}

func (e *IllegalTransitionError) Error() string {
	return fmt.Sprintf("illegal session transition %s -> %s (%s)", e.From, e.To, e.Reason)
}

// StateMachine enforces the IDLE → ACTIVE → EVICTING → IDLE automaton.
// It is advisory: it documents and orders what timers, mutex, and transport
// may do, it does not own those resources itself.
type StateMachine struct {
	mu     sync.Mutex
	state  State
	logger *logrus.Entry
}

func NewStateMachine(logger *logrus.Entry) *StateMachine {
	if logger == nil {
		logger = logrus.NewEntry(logrus.New())
	}
	return &StateMachine{state: StateIdle, logger: logger}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Transition moves to the target state, logging the human reason, or fails
// fast on an illegal edge.
func (m *StateMachine) Transition(to State, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, allowed := range legalTransitions[m.state] {
		if allowed == to {
			m.logger.WithFields(logrus.Fields{
				"from":   m.state.String(),
				"to":     to.String(),
				"reason": reason,
			}).Info("Session state transition")
			m.state = to
			return nil
		}
	}
	return &IllegalTransitionError{From: m.state, To: to, Reason: reason}
}
