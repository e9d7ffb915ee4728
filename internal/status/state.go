// Package status tracks the daemon's runtime lifecycle as an explicit
// state machine. Components request transitions; an invalid request is
// an error, never a silent state change.
package status

import (
	"fmt"
	"slices"
	"sync"

	"github.com/huddleapp/huddle/internal/bus"
)

// State is a daemon runtime state.
type State string

const (
	Booting      State = "BOOTING"
	AuthRequired State = "AUTH_REQUIRED"
	Connecting   State = "CONNECTING"
	Syncing      State = "SYNCING"
	Ready        State = "READY"
	Reconnecting State = "RECONNECTING"
	Degraded     State = "DEGRADED"
	Error        State = "ERROR"
)

// Credential expiry can surface from almost anywhere (backfill, intent
// dispatch, the push handshake), so AuthRequired is reachable from every
// connected state.
var transitions = map[State][]State{
	Booting:      {AuthRequired, Connecting, Error},
	AuthRequired: {Connecting, Error},
	Connecting:   {Syncing, AuthRequired, Reconnecting, Error},
	Syncing:      {Ready, Reconnecting, Degraded, AuthRequired, Error},
	Ready:        {Reconnecting, Degraded, AuthRequired, Error},
	Reconnecting: {Connecting, Degraded, AuthRequired, Error},
	Degraded:     {Connecting, Reconnecting, Ready, AuthRequired, Error},
	Error:        {Booting},
}

// InvalidTransitionError reports a transition the table does not allow.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// Machine is the daemon state machine. Starts in Booting.
type Machine struct {
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a machine publishing status changes on b.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{current: Booting, bus: b}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition moves to a new state and publishes the change. Requesting
// the current state is a no-op; an invalid move returns
// InvalidTransitionError and leaves the state untouched.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if to == m.current {
		return nil
	}
	if !slices.Contains(transitions[m.current], to) {
		return &InvalidTransitionError{From: m.current, To: to}
	}

	from := m.current
	m.current = to
	if m.bus != nil {
		m.bus.Emit(bus.KindStatusChanged, StatusChange{From: from, To: to})
	}
	return nil
}

// StatusChange is the payload of status change events.
type StatusChange struct {
	From State
	To   State
}
