package cache

import (
	"sync"

	"github.com/matheus3301/synapse/internal/bus"
)

// Observer receives coalesced change notifications for one conversation:
// any number of writes between two reads of Changes collapse into one
// signal, after which the observer re-reads its page.
type Observer struct {
	changes chan struct{}
	done    chan struct{}
	unsub   func()
	once    sync.Once
}

// Observe starts observing a conversation. Callers must Close the observer.
func (c *Cache) Observe(conversationID string) *Observer {
	events, unsub := c.bus.SubscribeConversation("cache.", conversationID, 16)
	o := &Observer{
		changes: make(chan struct{}, 1),
		done:    make(chan struct{}),
		unsub:   unsub,
	}
	go o.pump(events)
	return o
}

func (o *Observer) pump(events <-chan bus.Event) {
	for {
		select {
		case <-events:
			select {
			case o.changes <- struct{}{}:
			default:
			}
		case <-o.done:
			return
		}
	}
}

// Changes signals that the conversation's cached content or metadata changed.
func (o *Observer) Changes() <-chan struct{} {
	return o.changes
}

// Close stops the observer. It is safe to call more than once.
func (o *Observer) Close() {
	o.once.Do(func() {
		o.unsub()
		close(o.done)
	})
}
