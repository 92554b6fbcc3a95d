package bus

import "time"

// Event kinds published inside the daemon.
const (
	CacheUpserted     = "cache.upserted"
	CacheTeardown     = "cache.teardown"
	CacheConversation = "cache.conversation"
	SyncStateChanged  = "sync.state_changed"
	SyncMerged        = "sync.merged"
	WatermarkWritten  = "watermark.written"
	WatermarkFailed   = "watermark.failed"
	MessageQueued     = "message.queued"
	MessageSendFailed = "message.send_failed"
	MessageAccepted   = "message.accepted"
)

// Event is a domain event published on the bus. ConversationID is empty for
// events that are not scoped to one conversation.
type Event struct {
	Kind           string
	ConversationID string
	Timestamp      time.Time
	Payload        any
}
