// Package chat holds the domain model shared by the cache, the sync engine
// and the remote store adapters.
//
// Timestamps are logical Unix milliseconds. A zero timestamp means "absent".
package chat

import "slices"

// ConversationType distinguishes direct, group and self conversations.
type ConversationType string

const (
	Direct ConversationType = "DIRECT"
	Group  ConversationType = "GROUP"
	Self   ConversationType = "SELF"
)

// MessageType tags plain text, system and assistant-generated messages.
type MessageType string

const (
	TextMessage      MessageType = "text"
	SystemMessage    MessageType = "system"
	AssistantMessage MessageType = "assistant"
	AssistantAction  MessageType = "assistant_action"
)

// MemberStatus is one member's watermark record within a conversation.
type MemberStatus struct {
	LastSeenAt        int64 `json:"lastSeenAt,omitempty"`
	LastReceivedAt    int64 `json:"lastReceivedAt,omitempty"`
	LastMessageSentAt int64 `json:"lastMessageSentAt,omitempty"`
	IsBot             bool  `json:"isBot,omitempty"`
	IsAdmin           bool  `json:"isAdmin,omitempty"`
	IsDeleted         bool  `json:"isDeleted,omitempty"`
}

// Conversation is the metadata document for a conversation.
type Conversation struct {
	ID        string                  `json:"-"`
	Type      ConversationType        `json:"convType"`
	MemberIDs []string                `json:"memberIds"`
	Name      string                  `json:"groupName,omitempty"`
	Members   map[string]MemberStatus `json:"memberStatus,omitempty"`
}

// ActiveMemberIDs returns the members that have not been soft-removed, in
// membership order. Members with no status record count as active.
func (c *Conversation) ActiveMemberIDs() []string {
	active := make([]string, 0, len(c.MemberIDs))
	for _, id := range c.MemberIDs {
		if st, ok := c.Members[id]; ok && st.IsDeleted {
			continue
		}
		active = append(active, id)
	}
	return active
}

// BotID returns the id of the member flagged as bot, if any.
func (c *Conversation) BotID() (string, bool) {
	for _, id := range c.MemberIDs {
		if c.Members[id].IsBot {
			return id, true
		}
	}
	return "", false
}

// Member returns the status of the given member, or the zero value.
func (c *Conversation) Member(id string) MemberStatus {
	return c.Members[id]
}

// IsMember reports whether id is listed in the conversation.
func (c *Conversation) IsMember(id string) bool {
	return slices.Contains(c.MemberIDs, id)
}

// Message is an immutable chat message. Only the soft-delete fields change
// after creation.
type Message struct {
	ID                  string      `json:"-"`
	ConversationID      string      `json:"-"`
	SenderID            string      `json:"senderId"`
	SenderName          string      `json:"senderName,omitempty"`
	Text                string      `json:"text"`
	LocalTimestamp      int64       `json:"localTimestamp"`
	ServerTimestamp     int64       `json:"serverTimestamp,omitempty"`
	MemberIDsAtCreation []string    `json:"memberIdsAtCreation"`
	Type                MessageType `json:"type"`
	IsDeleted           bool        `json:"isDeleted,omitempty"`
	DeletedBy           string      `json:"deletedBy,omitempty"`
	DeletedAt           int64       `json:"deletedAt,omitempty"`
}

// Pending reports whether the remote store has not acknowledged the message.
func (m *Message) Pending() bool {
	return m.ServerTimestamp == 0
}

// Watermark names one of the three per-member watermark fields.
type Watermark string

const (
	LastSeen        Watermark = "lastSeenAt"
	LastReceived    Watermark = "lastReceivedAt"
	LastMessageSent Watermark = "lastMessageSentAt"
)

// Get returns the watermark value held in st.
func (w Watermark) Get(st MemberStatus) int64 {
	switch w {
	case LastSeen:
		return st.LastSeenAt
	case LastReceived:
		return st.LastReceivedAt
	case LastMessageSent:
		return st.LastMessageSentAt
	}
	return 0
}

// WatermarkPatch is a merge write of the current user's watermark fields.
// Zero fields are left untouched; non-zero fields only ever move forward.
type WatermarkPatch struct {
	LastSeenAt        int64 `json:"lastSeenAt,omitempty"`
	LastReceivedAt    int64 `json:"lastReceivedAt,omitempty"`
	LastMessageSentAt int64 `json:"lastMessageSentAt,omitempty"`
}

// PatchFor builds a single-field patch.
func PatchFor(w Watermark, ts int64) WatermarkPatch {
	var p WatermarkPatch
	switch w {
	case LastSeen:
		p.LastSeenAt = ts
	case LastReceived:
		p.LastReceivedAt = ts
	case LastMessageSent:
		p.LastMessageSentAt = ts
	}
	return p
}

// Apply merges the patch into st keeping the maximum of each field.
func (p WatermarkPatch) Apply(st MemberStatus) MemberStatus {
	st.LastSeenAt = max(st.LastSeenAt, p.LastSeenAt)
	st.LastReceivedAt = max(st.LastReceivedAt, p.LastReceivedAt)
	st.LastMessageSentAt = max(st.LastMessageSentAt, p.LastMessageSentAt)
	return st
}
