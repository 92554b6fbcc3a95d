package bus

import (
	"strings"
	"sync"
	"time"
)

// Bus is an in-process publish/subscribe event bus. Subscribers filter by
// kind prefix and optionally by conversation.
type Bus struct {
	mu   sync.RWMutex
	subs map[int]*subscription
	next int
}

type subscription struct {
	namespace      string
	conversationID string
	ch             chan Event
}

func (s *subscription) matches(evt Event) bool {
	if !strings.HasPrefix(evt.Kind, s.namespace) {
		return false
	}
	// Unscoped events (e.g. a full teardown) reach every conversation.
	return s.conversationID == "" || evt.ConversationID == "" || evt.ConversationID == s.conversationID
}

// New creates a new event bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*subscription),
	}
}

// Publish delivers evt to every matching subscriber. Delivery never blocks:
// a subscriber whose buffer is full misses the event.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.matches(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
		}
	}
}

// Subscribe returns a channel receiving events whose kind starts with
// namespace, and an unsubscribe function.
func (b *Bus) Subscribe(namespace string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(&subscription{namespace: namespace, ch: make(chan Event, bufSize)})
}

// SubscribeConversation is Subscribe restricted to one conversation plus
// unscoped events.
func (b *Bus) SubscribeConversation(namespace, conversationID string, bufSize int) (<-chan Event, func()) {
	return b.subscribe(&subscription{
		namespace:      namespace,
		conversationID: conversationID,
		ch:             make(chan Event, bufSize),
	})
}

func (b *Bus) subscribe(sub *subscription) (<-chan Event, func()) {
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}
