// Package receipt derives a message's delivery status from the current
// per-member watermarks of its conversation.
package receipt

import "github.com/matheus3301/synapse/internal/chat"

// Status is the derived delivery status of a message. Values are ordered:
// a status never compares lower once the watermarks have moved past it.
type Status int

const (
	Pending Status = iota
	Sent
	Delivered
	Read
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Sent:
		return "sent"
	case Delivered:
		return "delivered"
	case Read:
		return "read"
	}
	return "unknown"
}

// Recipients returns the members whose watermarks decide the status of m:
// members at creation who are still active, minus the sender. Bots are
// dropped unless a bot is the only one left.
//
// Only an explicit isDeleted removes a member. A member with no entry in
// members has simply not reported yet and counts with zero watermarks.
func Recipients(m chat.Message, members map[string]chat.MemberStatus) []string {
	var humans, bots []string
	for _, id := range m.MemberIDsAtCreation {
		if id == m.SenderID {
			continue
		}
		st := members[id]
		if st.IsDeleted {
			continue
		}
		if st.IsBot {
			bots = append(bots, id)
		} else {
			humans = append(humans, id)
		}
	}
	if len(humans) == 0 {
		return bots
	}
	return humans
}

// Resolve maps a message and the current member watermarks to a status.
// It reads nothing but its arguments.
func Resolve(m chat.Message, members map[string]chat.MemberStatus) Status {
	if m.Pending() {
		return Pending
	}
	recipients := Recipients(m, members)
	if len(recipients) == 0 {
		// Nobody left to wait for, e.g. a self conversation.
		return Read
	}

	ts := m.ServerTimestamp
	allSeen, allReceived := true, true
	for _, id := range recipients {
		st := members[id]
		if st.LastSeenAt < ts {
			allSeen = false
		}
		// Seeing a message implies having received it.
		if max(st.LastReceivedAt, st.LastSeenAt) < ts {
			allReceived = false
		}
	}
	switch {
	case allSeen:
		return Read
	case allReceived:
		return Delivered
	default:
		return Sent
	}
}
