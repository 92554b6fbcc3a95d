// Package cache is the local message cache: the single source of truth the
// UI reads from. Writes come only from the sync coordinator's merge step;
// every write notifies the conversation's page observers.
package cache

import (
	"context"
	"fmt"
	"iter"

	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/store"
	"go.uber.org/zap"
)

// DefaultPageSize is the page size used when callers pass zero.
const DefaultPageSize = 50

// Cache wraps the SQLite store with change notification.
type Cache struct {
	db     *store.DB
	bus    *bus.Bus
	logger *zap.Logger
}

// New creates a cache over db publishing change events on b.
func New(db *store.DB, b *bus.Bus, logger *zap.Logger) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{db: db, bus: b, logger: logger}
}

// DB exposes the underlying store for checkpoint and outbox access.
func (c *Cache) DB() *store.DB {
	return c.db
}

// Upsert writes messages keyed by id, replacing on conflict, and notifies
// observers of every touched conversation. It returns the rows written.
func (c *Cache) Upsert(ctx context.Context, msgs []store.CachedMessage) (int, error) {
	n, err := c.db.UpsertMessages(ctx, msgs)
	if err != nil {
		return 0, fmt.Errorf("upsert messages: %w", err)
	}

	perConversation := make(map[string]int)
	for _, m := range msgs {
		perConversation[m.ConversationID]++
	}
	for convID, count := range perConversation {
		c.bus.Publish(bus.Event{Kind: bus.CacheUpserted, ConversationID: convID, Payload: count})
	}
	return n, nil
}

// Page is one newest-first page of visible messages.
type Page struct {
	Messages []store.CachedMessage
	Next     store.Cursor
	HasMore  bool
}

// Page reads the page of messages older than cursor.
func (c *Cache) Page(ctx context.Context, conversationID string, pageSize int, cursor store.Cursor) (Page, error) {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	msgs, err := c.db.ListMessages(ctx, conversationID, cursor, pageSize)
	if err != nil {
		return Page{}, fmt.Errorf("list messages: %w", err)
	}
	p := Page{Messages: msgs, HasMore: len(msgs) == pageSize}
	if len(msgs) > 0 {
		last := msgs[len(msgs)-1]
		p.Next = store.Cursor{LocalTS: last.LocalTimestamp, ID: last.ID}
	}
	return p, nil
}

// Messages returns a lazy sequence over the conversation, newest first,
// starting after cursor. Pages are loaded on demand and the next page is
// prefetched while the current one is consumed. The sequence can be ranged
// over again to restart from cursor.
func (c *Cache) Messages(ctx context.Context, conversationID string, pageSize int, cursor store.Cursor) iter.Seq2[store.CachedMessage, error] {
	type result struct {
		page Page
		err  error
	}
	fetch := func(cur store.Cursor) <-chan result {
		ch := make(chan result, 1)
		go func() {
			p, err := c.Page(ctx, conversationID, pageSize, cur)
			ch <- result{page: p, err: err}
		}()
		return ch
	}

	return func(yield func(store.CachedMessage, error) bool) {
		next := fetch(cursor)
		for next != nil {
			r := <-next
			if r.err != nil {
				yield(store.CachedMessage{}, r.err)
				return
			}
			next = nil
			if r.page.HasMore {
				next = fetch(r.page.Next)
			}
			for _, m := range r.page.Messages {
				if !yield(m, nil) {
					return
				}
			}
		}
	}
}

// LastKnownTimestamp returns the newest cached local timestamp of the
// conversation, or 0.
func (c *Cache) LastKnownTimestamp(ctx context.Context, conversationID string) (int64, error) {
	return c.db.LastKnownTimestamp(ctx, conversationID)
}

// States returns the cached state of the given message ids.
func (c *Cache) States(ctx context.Context, ids []string) (map[string]store.MessageState, error) {
	return c.db.MessageStates(ctx, ids)
}

// PutConversation stores the latest conversation metadata and notifies
// observers, since derived status depends on it.
func (c *Cache) PutConversation(ctx context.Context, conv *chat.Conversation) error {
	if err := c.db.UpsertConversation(ctx, conv); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	c.bus.Publish(bus.Event{Kind: bus.CacheConversation, ConversationID: conv.ID})
	return nil
}

// Conversation returns cached metadata, or nil if unknown.
func (c *Cache) Conversation(ctx context.Context, id string) (*chat.Conversation, error) {
	return c.db.GetConversation(ctx, id)
}

// Conversations returns all cached conversation metadata.
func (c *Cache) Conversations(ctx context.Context) ([]*chat.Conversation, error) {
	return c.db.ListConversations(ctx)
}

// Teardown removes a conversation and all its cached messages.
func (c *Cache) Teardown(ctx context.Context, conversationID string) error {
	if err := c.db.DeleteConversation(ctx, conversationID); err != nil {
		return fmt.Errorf("teardown %s: %w", conversationID, err)
	}
	c.logger.Info("conversation cache removed", zap.String("conversation_id", conversationID))
	c.bus.Publish(bus.Event{Kind: bus.CacheTeardown, ConversationID: conversationID})
	return nil
}

// TeardownAll clears the whole cache, as on logout.
func (c *Cache) TeardownAll(ctx context.Context) error {
	if err := c.db.DeleteAll(ctx); err != nil {
		return fmt.Errorf("teardown all: %w", err)
	}
	c.logger.Info("message cache cleared")
	c.bus.Publish(bus.Event{Kind: bus.CacheTeardown})
	return nil
}
