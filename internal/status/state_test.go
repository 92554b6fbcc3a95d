package status

import (
	"testing"

	"github.com/matheus3301/synapse/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine("c1", nil)
	if m.Current() != Idle {
		t.Errorf("initial state = %s, want IDLE", m.Current())
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Idle, Subscribing},
		{Idle, Stopped},
		{Subscribing, Live},
		{Subscribing, Retrying},
		{Live, Retrying},
		{Retrying, Live},
		{Retrying, Stalled},
		{Stalled, Live},
		{Stalled, Stopped},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine("c1", nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransition(t *testing.T) {
	m := NewMachine("c1", nil)
	if err := m.Transition(Live); err == nil {
		t.Error("Transition(IDLE -> LIVE) should fail")
	}
}

func TestStoppedIsTerminal(t *testing.T) {
	m := NewMachine("c1", nil)
	walkTo(t, m, Stopped)
	for _, to := range []State{Idle, Subscribing, Live, Retrying, Stalled} {
		if err := m.Transition(to); err == nil {
			t.Errorf("Transition(STOPPED -> %s) should fail", to)
		}
	}
}

// A live job must fail at least once before it can be reported stalled.
func TestLiveCannotStallDirectly(t *testing.T) {
	m := NewMachine("c1", nil)
	walkTo(t, m, Live)
	if err := m.Transition(Stalled); err == nil {
		t.Fatal("Transition(LIVE -> STALLED) should fail")
	}
	if m.Current() != Live {
		t.Errorf("state = %s, want LIVE", m.Current())
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.SubscribeConversation("sync.", "c1", 10)
	defer unsub()

	m := NewMachine("c1", b)
	if err := m.Transition(Subscribing); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.SyncStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.SyncStateChanged)
	}
	if evt.ConversationID != "c1" {
		t.Errorf("conversation = %q, want c1", evt.ConversationID)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Idle || change.To != Subscribing {
		t.Errorf("change = %v -> %v, want IDLE -> SUBSCRIBING", change.From, change.To)
	}
}

// TestFlakyRemoteLifecycle walks a job through an outage and recovery:
// IDLE → SUBSCRIBING → LIVE → RETRYING → STALLED → LIVE → STOPPED
func TestFlakyRemoteLifecycle(t *testing.T) {
	m := NewMachine("c1", nil)

	steps := []State{Subscribing, Live, Retrying, Stalled, Live, Stopped}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Idle:        {},
		Subscribing: {Subscribing},
		Live:        {Subscribing, Live},
		Retrying:    {Subscribing, Retrying},
		Stalled:     {Subscribing, Retrying, Stalled},
		Stopped:     {Stopped},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
