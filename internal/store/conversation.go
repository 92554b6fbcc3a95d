package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/matheus3301/synapse/internal/chat"
)

// UpsertConversation stores the latest metadata snapshot of a conversation,
// including the member watermark map.
func (db *DB) UpsertConversation(ctx context.Context, c *chat.Conversation) error {
	memberIDs, err := json.Marshal(nonNil(c.MemberIDs))
	if err != nil {
		return fmt.Errorf("encode member ids: %w", err)
	}
	members := c.Members
	if members == nil {
		members = map[string]chat.MemberStatus{}
	}
	statuses, err := json.Marshal(members)
	if err != nil {
		return fmt.Errorf("encode member status: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO conversations (id, conv_type, name, member_ids, members, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conv_type = excluded.conv_type,
			name = excluded.name,
			member_ids = excluded.member_ids,
			members = excluded.members,
			updated_at = excluded.updated_at`,
		c.ID, string(c.Type), c.Name, string(memberIDs), string(statuses), time.Now().UnixMilli())
	return err
}

// GetConversation returns a cached conversation, or nil if unknown.
func (db *DB) GetConversation(ctx context.Context, id string) (*chat.Conversation, error) {
	row := db.QueryRowContext(ctx, `
		SELECT id, conv_type, name, member_ids, members FROM conversations WHERE id = ?`, id)
	c, err := scanConversation(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// ListConversations returns every cached conversation.
func (db *DB) ListConversations(ctx context.Context) ([]*chat.Conversation, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, conv_type, name, member_ids, members FROM conversations ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var convs []*chat.Conversation
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, c)
	}
	return convs, rows.Err()
}

// DeleteConversation removes a conversation and, through the cascade, all of
// its cached messages.
func (db *DB) DeleteConversation(ctx context.Context, id string) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
			return fmt.Errorf("delete conversation: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sync_state WHERE key LIKE ?`, id+":%"); err != nil {
			return fmt.Errorf("delete checkpoints: %w", err)
		}
		return nil
	})
}

// DeleteAll wipes every cached conversation, message and checkpoint. Queued
// outbox entries are kept so unsent messages survive a cache reset.
func (db *DB) DeleteAll(ctx context.Context) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		for _, q := range []string{
			`DELETE FROM messages`,
			`DELETE FROM conversations`,
			`DELETE FROM sync_state`,
		} {
			if _, err := tx.ExecContext(ctx, q); err != nil {
				return fmt.Errorf("%s: %w", q, err)
			}
		}
		return nil
	})
}

func scanConversation(s scanner) (*chat.Conversation, error) {
	var (
		c                  chat.Conversation
		convType           string
		memberIDs, members string
	)
	if err := s.Scan(&c.ID, &convType, &c.Name, &memberIDs, &members); err != nil {
		return nil, err
	}
	c.Type = chat.ConversationType(convType)
	if err := json.Unmarshal([]byte(memberIDs), &c.MemberIDs); err != nil {
		return nil, fmt.Errorf("decode member ids of %q: %w", c.ID, err)
	}
	if err := json.Unmarshal([]byte(members), &c.Members); err != nil {
		return nil, fmt.Errorf("decode member status of %q: %w", c.ID, err)
	}
	return &c, nil
}
