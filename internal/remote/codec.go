package remote

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/matheus3301/synapse/internal/chat"
)

var errMalformed = errors.New("malformed document")

// DecodeMessage parses a message document. Documents without an id, sender
// or local timestamp are rejected.
func DecodeMessage(conversationID string, doc Document) (chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(doc.Data, &m); err != nil {
		return m, fmt.Errorf("%w: %s: %v", errMalformed, doc.ID, err)
	}
	m.ID = doc.ID
	m.ConversationID = conversationID
	switch {
	case m.ID == "":
		return m, fmt.Errorf("%w: missing id", errMalformed)
	case m.SenderID == "":
		return m, fmt.Errorf("%w: %s: missing senderId", errMalformed, doc.ID)
	case m.LocalTimestamp <= 0:
		return m, fmt.Errorf("%w: %s: missing localTimestamp", errMalformed, doc.ID)
	}
	if m.Type == "" {
		m.Type = chat.TextMessage
	}
	return m, nil
}

// DecodeConversation parses a conversation document.
func DecodeConversation(doc Document) (*chat.Conversation, error) {
	var c chat.Conversation
	if err := json.Unmarshal(doc.Data, &c); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errMalformed, doc.ID, err)
	}
	c.ID = doc.ID
	if c.Members == nil {
		c.Members = map[string]chat.MemberStatus{}
	}
	return &c, nil
}

// EncodeConversation builds the document for a conversation.
func EncodeConversation(c *chat.Conversation) (Document, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: c.ID, Data: data}, nil
}

// EncodeMessage builds the document for a message.
func EncodeMessage(m chat.Message) (Document, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return Document{}, err
	}
	return Document{ID: m.ID, Data: data}, nil
}
