package chat

import (
	"sync"
	"time"
)

// Clock hands out local timestamps that strictly increase for one sender,
// even when the wall clock stalls or steps backwards.
type Clock struct {
	mu   sync.Mutex
	last int64
	now  func() time.Time
}

// NewClock returns a clock backed by time.Now.
func NewClock() *Clock {
	return &Clock{now: time.Now}
}

// Observe raises the floor so later stamps sort after ts. Used when a
// previously sent message is found in the cache on startup.
func (c *Clock) Observe(ts int64) {
	c.mu.Lock()
	c.last = max(c.last, ts)
	c.mu.Unlock()
}

// Next returns the next local timestamp.
func (c *Clock) Next() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := c.now().UnixMilli()
	if ts <= c.last {
		ts = c.last + 1
	}
	c.last = ts
	return ts
}
