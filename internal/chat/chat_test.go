package chat

import (
	"testing"
	"time"
)

func TestActiveMemberIDsSkipsDeleted(t *testing.T) {
	c := &Conversation{
		MemberIDs: []string{"a", "b", "c"},
		Members: map[string]MemberStatus{
			"a": {},
			"b": {IsDeleted: true},
		},
	}
	got := c.ActiveMemberIDs()
	if len(got) != 2 || got[0] != "a" || got[1] != "c" {
		t.Errorf("ActiveMemberIDs() = %v, want [a c]", got)
	}
}

func TestPatchApplyKeepsMax(t *testing.T) {
	st := MemberStatus{LastSeenAt: 500, LastReceivedAt: 700}
	got := WatermarkPatch{LastSeenAt: 400, LastReceivedAt: 900}.Apply(st)
	if got.LastSeenAt != 500 {
		t.Errorf("LastSeenAt = %d, want 500 (must not regress)", got.LastSeenAt)
	}
	if got.LastReceivedAt != 900 {
		t.Errorf("LastReceivedAt = %d, want 900", got.LastReceivedAt)
	}
}

func TestPatchFor(t *testing.T) {
	for _, w := range []Watermark{LastSeen, LastReceived, LastMessageSent} {
		st := PatchFor(w, 42).Apply(MemberStatus{})
		if w.Get(st) != 42 {
			t.Errorf("%s: got %d, want 42", w, w.Get(st))
		}
	}
}

func TestClockMonotonic(t *testing.T) {
	frozen := time.UnixMilli(1000)
	c := &Clock{now: func() time.Time { return frozen }}

	a, b := c.Next(), c.Next()
	if a != 1000 || b != 1001 {
		t.Errorf("Next() = %d, %d, want 1000, 1001", a, b)
	}

	c.Observe(5000)
	if got := c.Next(); got != 5001 {
		t.Errorf("Next() after Observe(5000) = %d, want 5001", got)
	}
}
