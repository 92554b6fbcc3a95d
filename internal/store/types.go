package store

import "github.com/matheus3301/synapse/internal/chat"

// CachedMessage is the on-device projection of a message.
type CachedMessage struct {
	chat.Message
	CachedAt int64
}

// Cursor is a keyset position in a conversation's newest-first ordering.
// The zero cursor starts at the newest message.
type Cursor struct {
	LocalTS int64
	ID      string
}

// IsZero reports whether the cursor points at the start of the conversation.
func (c Cursor) IsZero() bool {
	return c.LocalTS == 0 && c.ID == ""
}

// MessageState is the part of a cached row the merge step compares against.
type MessageState struct {
	ServerTS  int64
	IsDeleted bool
}

// OutboxEntry is a locally created message waiting for the remote store.
type OutboxEntry struct {
	ID             int64
	MessageID      string
	ConversationID string
	Payload        []byte
	Status         string // queued, sent
	Attempts       int
	ErrorMessage   string
	CreatedAt      int64
}

// Outbox statuses.
const (
	OutboxQueued = "queued"
	OutboxSent   = "sent"
)
