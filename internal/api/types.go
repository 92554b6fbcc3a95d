package api

// Cursor is a keyset position for paging older messages.
type Cursor struct {
	LocalTS int64  `json:"local_ts"`
	ID      string `json:"id"`
}

// Message is a cached message with its derived delivery status.
type Message struct {
	ID              string `json:"id"`
	ConversationID  string `json:"conversation_id"`
	SenderID        string `json:"sender_id"`
	SenderName      string `json:"sender_name,omitempty"`
	Text            string `json:"text"`
	Type            string `json:"type"`
	LocalTimestamp  int64  `json:"local_ts"`
	ServerTimestamp int64  `json:"server_ts,omitempty"`
	Status          string `json:"status"`
	FromMe          bool   `json:"from_me"`
}

type StartSyncRequest struct {
	ConversationID string `json:"conversation_id"`
	// Background keeps the conversation synced without marking it seen.
	Background bool `json:"background,omitempty"`
}

type StartSyncResponse struct {
	LeaseID       string `json:"lease_id"`
	ExpiresUnixMs int64  `json:"expires_unix_ms"`
}

type RenewSyncRequest struct {
	LeaseID string `json:"lease_id"`
}

type RenewSyncResponse struct {
	ExpiresUnixMs int64 `json:"expires_unix_ms"`
}

type StopSyncRequest struct {
	LeaseID string `json:"lease_id"`
}

type StopSyncResponse struct {
	Released bool `json:"released"`
}

type ListMessagesRequest struct {
	ConversationID string  `json:"conversation_id"`
	PageSize       int     `json:"page_size,omitempty"`
	Before         *Cursor `json:"before,omitempty"`
}

type ListMessagesResponse struct {
	Messages []Message `json:"messages"`
	Next     *Cursor   `json:"next,omitempty"`
	HasMore  bool      `json:"has_more"`
}

type WatchConversationRequest struct {
	ConversationID string `json:"conversation_id"`
	PageSize       int    `json:"page_size,omitempty"`
}

// ConversationUpdate is pushed on every cache or sync state change of a
// watched conversation.
type ConversationUpdate struct {
	Page      ListMessagesResponse `json:"page"`
	SyncState string               `json:"sync_state"`
	Unread    string               `json:"unread"`
}

type SendTextRequest struct {
	ConversationID string `json:"conversation_id"`
	Text           string `json:"text"`
}

type SendTextResponse struct {
	Message Message `json:"message"`
}

type MarkSeenRequest struct {
	ConversationID string `json:"conversation_id"`
}

type MarkSeenResponse struct {
	Written bool `json:"written"`
}

type UnreadCountsRequest struct{}

type UnreadCount struct {
	Count int    `json:"count"`
	Label string `json:"label"`
}

type UnreadCountsResponse struct {
	Counts map[string]UnreadCount `json:"counts"`
}

type SyncStatusRequest struct{}

type ConversationSync struct {
	ConversationID  string `json:"conversation_id"`
	State           string `json:"state"`
	Stalled         bool   `json:"stalled"`
	LastMergeUnixMs int64  `json:"last_merge_unix_ms,omitempty"`
}

type SyncStatusResponse struct {
	Offline       bool               `json:"offline"`
	Conversations []ConversationSync `json:"conversations"`
}

type LeaveConversationRequest struct {
	ConversationID string `json:"conversation_id"`
}

type LeaveConversationResponse struct{}

type CreateConversationRequest struct {
	ConversationID string   `json:"conversation_id"`
	Type           string   `json:"type"`
	Name           string   `json:"name,omitempty"`
	MemberIDs      []string `json:"member_ids"`
}

type CreateConversationResponse struct{}
