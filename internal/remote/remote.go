// Package remote defines the remote document store the daemon syncs with and
// the listener adapter that turns its callbacks into conflated snapshot
// streams.
package remote

import (
	"context"
	"errors"

	"github.com/matheus3301/synapse/internal/chat"
)

// ErrOffline is returned by writes a store cannot currently deliver.
var ErrOffline = errors.New("remote store offline")

// Document is one remote document: its id and its JSON body.
type Document struct {
	ID   string
	Data []byte
}

// Registration is an active listener. Remove detaches it; calling Remove
// more than once has no further effect.
type Registration interface {
	Remove()
}

// MessagesFunc receives the full message collection of a conversation,
// soft-deleted documents included, or the error that ended the listener.
type MessagesFunc func(docs []Document, err error)

// ConversationFunc receives the conversation document, nil if it does not
// exist, or the error that ended the listener.
type ConversationFunc func(doc *Document, err error)

// Store is the remote store collaborator. Listeners deliver their first
// snapshot promptly after registration and then one per change. A listener
// that reports an error is dead and must be registered again.
type Store interface {
	ListenMessages(ctx context.Context, conversationID string, fn MessagesFunc) (Registration, error)
	ListenConversation(ctx context.Context, conversationID string, fn ConversationFunc) (Registration, error)

	// MergeMemberStatus merges the non-zero fields of patch into userID's
	// member status. The store keeps the maximum of old and new values.
	MergeMemberStatus(ctx context.Context, conversationID, userID string, patch chat.WatermarkPatch) error

	// CreateMessage stores a new message document. The store assigns the
	// server timestamp. It returns once the write is queued, which may be
	// before the write is acknowledged. Creating an existing id is a no-op.
	CreateMessage(ctx context.Context, conversationID string, doc Document) error
}

// Admin is implemented by stores that can edit conversations directly. The
// daemon uses it to create conversations and by tests to build fixtures.
type Admin interface {
	PutConversation(ctx context.Context, conv *chat.Conversation) error
	RemoveMember(ctx context.Context, conversationID, userID string) error
	DeleteMessage(ctx context.Context, conversationID, messageID, by string) error
}
