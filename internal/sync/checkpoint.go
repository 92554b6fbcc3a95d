package sync

import (
	"context"
	"strconv"
	"time"

	"github.com/matheus3301/synapse/internal/store"
)

// Checkpoints records per-conversation sync progress in the sync_state
// table. Keys are "<conversation>:<name>" so a conversation teardown removes
// them together with the cache rows.
type Checkpoints struct {
	db *store.DB
}

// NewCheckpoints creates a checkpoint accessor over db.
func NewCheckpoints(db *store.DB) *Checkpoints {
	return &Checkpoints{db: db}
}

func checkpointKey(conversationID, name string) string {
	return conversationID + ":" + name
}

// MarkMerged records a successful merge at t.
func (c *Checkpoints) MarkMerged(ctx context.Context, conversationID string, t time.Time) error {
	return c.db.SetCheckpoint(ctx, checkpointKey(conversationID, "last_merge"),
		strconv.FormatInt(t.UnixMilli(), 10))
}

// LastMerge returns when the conversation was last merged successfully, or
// the zero time.
func (c *Checkpoints) LastMerge(ctx context.Context, conversationID string) (time.Time, error) {
	v, err := c.db.Checkpoint(ctx, checkpointKey(conversationID, "last_merge"))
	if err != nil || v == "" {
		return time.Time{}, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
