package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/matheus3301/synapse/internal/chat"
)

const messageColumns = `id, conversation_id, sender_id, sender_name, text, local_ts, server_ts,
	member_ids, message_type, is_deleted, deleted_by, deleted_at, cached_at`

// UpsertMessages writes messages keyed by id, replacing any existing row.
// Conversation rows are created on demand so the foreign key holds. The
// whole batch commits atomically and the number of rows written is returned.
func (db *DB) UpsertMessages(ctx context.Context, msgs []CachedMessage) (int, error) {
	if len(msgs) == 0 {
		return 0, nil
	}
	now := time.Now().UnixMilli()
	written := 0
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		seen := make(map[string]bool)
		for _, m := range msgs {
			if !seen[m.ConversationID] {
				seen[m.ConversationID] = true
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO conversations (id, updated_at) VALUES (?, ?)
					ON CONFLICT(id) DO NOTHING`, m.ConversationID, now); err != nil {
					return fmt.Errorf("ensure conversation %q: %w", m.ConversationID, err)
				}
			}

			members, err := json.Marshal(nonNil(m.MemberIDsAtCreation))
			if err != nil {
				return fmt.Errorf("encode members of %q: %w", m.ID, err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO messages (`+messageColumns+`)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(id) DO UPDATE SET
					conversation_id = excluded.conversation_id,
					sender_id = excluded.sender_id,
					sender_name = excluded.sender_name,
					text = excluded.text,
					local_ts = excluded.local_ts,
					server_ts = excluded.server_ts,
					member_ids = excluded.member_ids,
					message_type = excluded.message_type,
					is_deleted = excluded.is_deleted,
					deleted_by = excluded.deleted_by,
					deleted_at = excluded.deleted_at,
					cached_at = excluded.cached_at`,
				m.ID, m.ConversationID, m.SenderID, m.SenderName, m.Text, m.LocalTimestamp,
				nullTS(m.ServerTimestamp), string(members), string(m.Type), m.IsDeleted,
				m.DeletedBy, m.DeletedAt, now); err != nil {
				return fmt.Errorf("upsert message %q: %w", m.ID, err)
			}
			written++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return written, nil
}

// ListMessages returns visible messages older than the cursor, newest first,
// using keyset pagination on (local_ts, id).
func (db *DB) ListMessages(ctx context.Context, conversationID string, before Cursor, limit int) ([]CachedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `SELECT ` + messageColumns + ` FROM messages
		WHERE conversation_id = ? AND is_deleted = 0`
	args := []any{conversationID}
	if !before.IsZero() {
		q += ` AND (local_ts < ? OR (local_ts = ? AND id < ?))`
		args = append(args, before.LocalTS, before.LocalTS, before.ID)
	}
	q += ` ORDER BY local_ts DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []CachedMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// GetMessage returns a cached message by id, or nil if it is not cached.
func (db *DB) GetMessage(ctx context.Context, id string) (*CachedMessage, error) {
	row := db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// LastKnownTimestamp returns the newest local timestamp cached for the
// conversation, or 0 when nothing is cached.
func (db *DB) LastKnownTimestamp(ctx context.Context, conversationID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(local_ts) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// maxStateLookup stays well under SQLite's bound variable limit.
const maxStateLookup = 500

// MessageStates returns the cached state of the given message ids. Ids that
// are not cached are absent from the result.
func (db *DB) MessageStates(ctx context.Context, ids []string) (map[string]MessageState, error) {
	states := make(map[string]MessageState, len(ids))
	for start := 0; start < len(ids); start += maxStateLookup {
		chunk := ids[start:min(start+maxStateLookup, len(ids))]
		args := make([]any, len(chunk))
		for i, id := range chunk {
			args[i] = id
		}
		rows, err := db.QueryContext(ctx, `
			SELECT id, server_ts, is_deleted FROM messages
			WHERE id IN (?`+strings.Repeat(",?", len(chunk)-1)+`)`, args...)
		if err != nil {
			return nil, err
		}
		for rows.Next() {
			var (
				id       string
				serverTS sql.NullInt64
				deleted  bool
			)
			if err := rows.Scan(&id, &serverTS, &deleted); err != nil {
				_ = rows.Close()
				return nil, err
			}
			states[id] = MessageState{ServerTS: serverTS.Int64, IsDeleted: deleted}
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return nil, err
		}
	}
	return states, nil
}

// CountUnread counts visible, acknowledged messages not sent by userID whose
// server timestamp is after the given watermark, stopping at limit.
func (db *DB) CountUnread(ctx context.Context, conversationID, userID string, after int64, limit int) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM (
			SELECT 1 FROM messages
			WHERE conversation_id = ? AND sender_id != ? AND is_deleted = 0
				AND server_ts IS NOT NULL AND server_ts > ?
			LIMIT ?
		)`, conversationID, userID, after, limit).Scan(&n)
	return n, err
}

// NewestFromOthers returns the newest server timestamp of a visible message
// in the conversation not sent by userID, or 0.
func (db *DB) NewestFromOthers(ctx context.Context, conversationID, userID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx, `
		SELECT MAX(server_ts) FROM messages
		WHERE conversation_id = ? AND sender_id != ? AND is_deleted = 0`,
		conversationID, userID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// LastLocalTimestampFrom returns the newest local timestamp of a message sent
// by senderID across all conversations.
func (db *DB) LastLocalTimestampFrom(ctx context.Context, senderID string) (int64, error) {
	var ts sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(local_ts) FROM messages WHERE sender_id = ?`, senderID).Scan(&ts)
	if err != nil {
		return 0, err
	}
	return ts.Int64, nil
}

// MessageCount returns the number of cached rows in a conversation,
// including soft-deleted ones.
func (db *DB) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	var n int64
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID).Scan(&n)
	return n, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMessage(s scanner) (CachedMessage, error) {
	var (
		m        CachedMessage
		serverTS sql.NullInt64
		members  string
		msgType  string
	)
	if err := s.Scan(&m.ID, &m.ConversationID, &m.SenderID, &m.SenderName, &m.Text,
		&m.LocalTimestamp, &serverTS, &members, &msgType, &m.IsDeleted,
		&m.DeletedBy, &m.DeletedAt, &m.CachedAt); err != nil {
		return m, err
	}
	m.ServerTimestamp = serverTS.Int64
	m.Type = chat.MessageType(msgType)
	if err := json.Unmarshal([]byte(members), &m.MemberIDsAtCreation); err != nil {
		return m, fmt.Errorf("decode members of %q: %w", m.ID, err)
	}
	return m, nil
}

func nullTS(ts int64) sql.NullInt64 {
	return sql.NullInt64{Int64: ts, Valid: ts != 0}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
