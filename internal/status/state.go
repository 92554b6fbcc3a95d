// Package status tracks the sync state of each conversation's merge job.
package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/synapse/internal/bus"
)

// State is the sync state of one merge job.
type State string

const (
	Idle        State = "IDLE"
	Subscribing State = "SUBSCRIBING"
	Live        State = "LIVE"
	Retrying    State = "RETRYING"
	Stalled     State = "STALLED"
	Stopped     State = "STOPPED"
)

// validTransitions defines allowed state transitions. Stopped is terminal.
var validTransitions = map[State][]State{
	Idle:        {Subscribing, Stopped},
	Subscribing: {Live, Retrying, Stopped},
	Live:        {Retrying, Stopped},
	Retrying:    {Live, Stalled, Stopped},
	Stalled:     {Live, Stopped},
}

// Machine tracks and enforces a job's state transitions.
type Machine struct {
	mu             sync.RWMutex
	conversationID string
	current        State
	since          time.Time
	bus            *bus.Bus
	now            func() time.Time
}

// NewMachine creates a machine for a conversation starting in Idle.
func NewMachine(conversationID string, b *bus.Bus) *Machine {
	return &Machine{
		conversationID: conversationID,
		current:        Idle,
		since:          time.Now(),
		bus:            b,
		now:            time.Now,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Since returns when the current state was entered.
func (m *Machine) Since() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.since
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	m.since = m.now()
	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:           bus.SyncStateChanged,
			ConversationID: m.conversationID,
			Timestamp:      m.since,
			Payload:        StatusChange{From: from, To: to},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State
	To   State
}
