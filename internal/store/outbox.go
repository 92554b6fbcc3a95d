package store

import (
	"context"
	"time"
)

// QueueOutbox records a locally created message that still has to reach the
// remote store. Queuing the same message id twice is a no-op.
func (db *DB) QueueOutbox(ctx context.Context, messageID, conversationID string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		INSERT INTO outbox (message_id, conversation_id, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'queued', ?, ?)
		ON CONFLICT(message_id) DO NOTHING`,
		messageID, conversationID, string(payload), now, now)
	return err
}

// MarkOutboxSent marks an entry as accepted by the remote store.
func (db *DB) MarkOutboxSent(ctx context.Context, messageID string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET status = 'sent', error_message = '', updated_at = ? WHERE message_id = ?`,
		now, messageID)
	return err
}

// MarkOutboxAttempt records a failed delivery attempt. The entry stays queued.
func (db *DB) MarkOutboxAttempt(ctx context.Context, messageID, errMsg string) error {
	now := time.Now().UnixMilli()
	_, err := db.ExecContext(ctx, `
		UPDATE outbox SET attempts = attempts + 1, error_message = ?, updated_at = ? WHERE message_id = ?`,
		errMsg, now, messageID)
	return err
}

// PendingOutbox returns queued entries, oldest first.
func (db *DB) PendingOutbox(ctx context.Context) ([]OutboxEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, message_id, conversation_id, payload, status, attempts, error_message, created_at
		FROM outbox WHERE status = 'queued' ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []OutboxEntry
	for rows.Next() {
		var (
			e       OutboxEntry
			payload string
		)
		if err := rows.Scan(&e.ID, &e.MessageID, &e.ConversationID, &payload, &e.Status,
			&e.Attempts, &e.ErrorMessage, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
