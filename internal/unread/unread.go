// Package unread computes per-conversation unread counts from the local
// cache and the current user's lastSeenAt watermark.
package unread

import (
	"context"
	"fmt"
	"strconv"

	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/store"
)

// DefaultCeiling is the display cap for unread counts.
const DefaultCeiling = 10

// Count returns how many of msgs were sent by someone other than userID and
// acknowledged after lastSeen, capped at ceiling. Deleted and pending
// messages never count.
func Count(msgs []chat.Message, userID string, lastSeen int64, ceiling int) int {
	n := 0
	for _, m := range msgs {
		if m.SenderID == userID || m.IsDeleted || m.Pending() {
			continue
		}
		if m.ServerTimestamp > lastSeen {
			n++
			if ceiling > 0 && n >= ceiling {
				return ceiling
			}
		}
	}
	return n
}

// Label renders a count for display, e.g. "10+" at the ceiling.
func Label(n, ceiling int) string {
	if ceiling > 0 && n >= ceiling {
		return strconv.Itoa(ceiling) + "+"
	}
	return strconv.Itoa(n)
}

// Counter counts unread messages straight from the cache. No remote query
// is involved, so counts are available offline.
type Counter struct {
	db      *store.DB
	userID  string
	ceiling int
}

// NewCounter creates a counter for userID. A non-positive ceiling selects
// DefaultCeiling.
func NewCounter(db *store.DB, userID string, ceiling int) *Counter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Counter{db: db, userID: userID, ceiling: ceiling}
}

// Ceiling returns the display cap in use.
func (c *Counter) Ceiling() int {
	return c.ceiling
}

// Count returns the capped unread count of one conversation.
func (c *Counter) Count(ctx context.Context, conversationID string) (int, error) {
	conv, err := c.db.GetConversation(ctx, conversationID)
	if err != nil {
		return 0, fmt.Errorf("load conversation: %w", err)
	}
	var lastSeen int64
	if conv != nil {
		lastSeen = conv.Member(c.userID).LastSeenAt
	}
	n, err := c.db.CountUnread(ctx, conversationID, c.userID, lastSeen, c.ceiling)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return n, nil
}

// All returns the capped unread count of every cached conversation.
func (c *Counter) All(ctx context.Context) (map[string]int, error) {
	convs, err := c.db.ListConversations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	counts := make(map[string]int, len(convs))
	for _, conv := range convs {
		lastSeen := conv.Member(c.userID).LastSeenAt
		n, err := c.db.CountUnread(ctx, conv.ID, c.userID, lastSeen, c.ceiling)
		if err != nil {
			return nil, fmt.Errorf("count unread %s: %w", conv.ID, err)
		}
		counts[conv.ID] = n
	}
	return counts, nil
}
