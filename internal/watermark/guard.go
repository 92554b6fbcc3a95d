// Package watermark debounces writes of the current user's own watermarks so
// a write echoed back by the remote listener does not trigger another one.
package watermark

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/metrics"
	"go.uber.org/zap"
)

// DefaultQuiescence must exceed the time a write takes to come back through
// the listener.
const DefaultQuiescence = time.Second

// Writer is the remote call the guard protects.
type Writer interface {
	MergeMemberStatus(ctx context.Context, conversationID, userID string, patch chat.WatermarkPatch) error
}

// State is the guard state of one (conversation, field) pair.
type State int

const (
	Idle State = iota
	WritePending
)

func (s State) String() string {
	if s == WritePending {
		return "write-pending"
	}
	return "idle"
}

type key struct {
	conversationID string
	field          chat.Watermark
}

type entry struct {
	state   State
	written int64 // highest value acknowledged by the remote store
	timer   *time.Timer
}

// Guard issues at most one watermark write per conversation and field per
// quiescence window.
type Guard struct {
	writer     Writer
	userID     string
	quiescence time.Duration
	bus        *bus.Bus
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu      sync.Mutex
	entries map[key]*entry
	closed  bool
	writes  sync.WaitGroup
}

// NewGuard creates a guard writing userID's watermarks through w.
func NewGuard(w Writer, userID string, quiescence time.Duration, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Guard {
	if quiescence <= 0 {
		quiescence = DefaultQuiescence
	}
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Guard{
		writer:     w,
		userID:     userID,
		quiescence: quiescence,
		bus:        b,
		metrics:    m,
		logger:     logger,
		entries:    make(map[key]*entry),
	}
}

// Advance writes ts to the given watermark unless a write for the same
// conversation and field is pending or ts is not newer than what was
// already written. It reports whether a write was issued.
//
// The write is detached from ctx's cancellation: closing a conversation does
// not abort a watermark write already in flight.
func (g *Guard) Advance(ctx context.Context, conversationID string, field chat.Watermark, ts int64) bool {
	if ts <= 0 {
		return false
	}
	k := key{conversationID, field}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	e, ok := g.entries[k]
	if !ok {
		e = &entry{}
		g.entries[k] = e
	}
	if e.state == WritePending || ts <= e.written {
		g.mu.Unlock()
		g.metrics.WatermarkWrites.WithLabelValues(string(field), metrics.WatermarkSuppressed).Inc()
		return false
	}
	e.state = WritePending
	g.writes.Add(1)
	g.mu.Unlock()

	g.metrics.WatermarkWrites.WithLabelValues(string(field), metrics.WatermarkIssued).Inc()
	go g.write(context.WithoutCancel(ctx), k, ts)
	return true
}

func (g *Guard) write(ctx context.Context, k key, ts int64) {
	defer g.writes.Done()
	err := g.writer.MergeMemberStatus(ctx, k.conversationID, g.userID, chat.PatchFor(k.field, ts))

	g.mu.Lock()
	e := g.entries[k]
	if err != nil {
		e.state = Idle
	} else {
		e.written = max(e.written, ts)
		e.timer = time.AfterFunc(g.quiescence, func() { g.settle(k) })
	}
	g.mu.Unlock()

	logger := g.logger.With(
		zap.String("conversation_id", k.conversationID),
		zap.String("field", string(k.field)),
		zap.Int64("ts", ts),
	)
	if err != nil {
		logger.Warn("watermark write failed", zap.Error(err))
		g.metrics.WatermarkWrites.WithLabelValues(string(k.field), metrics.WatermarkFailed).Inc()
		g.publish(bus.WatermarkFailed, k, ts)
		return
	}
	logger.Debug("watermark written")
	g.publish(bus.WatermarkWritten, k, ts)
}

func (g *Guard) settle(k key) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[k]; ok {
		e.state = Idle
		e.timer = nil
	}
}

func (g *Guard) publish(kind string, k key, ts int64) {
	if g.bus == nil {
		return
	}
	g.bus.Publish(bus.Event{
		Kind:           kind,
		ConversationID: k.conversationID,
		Payload:        Written{Field: k.field, Timestamp: ts},
	})
}

// Written is the payload of watermark events.
type Written struct {
	Field     chat.Watermark
	Timestamp int64
}

// State returns the guard state of a conversation field.
func (g *Guard) State(conversationID string, field chat.Watermark) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.entries[key{conversationID, field}]; ok {
		return e.state
	}
	return Idle
}

// Forget drops the state of a conversation, as on leave. Writes still in
// flight keep their entry until they settle.
func (g *Guard) Forget(conversationID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for k, e := range g.entries {
		if k.conversationID != conversationID || (e.state == WritePending && e.timer == nil) {
			continue
		}
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(g.entries, k)
	}
}

// Close refuses new writes and waits for in-flight ones to finish.
func (g *Guard) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.writes.Wait()

	g.mu.Lock()
	defer g.mu.Unlock()
	for _, e := range g.entries {
		if e.timer != nil {
			e.timer.Stop()
		}
	}
}
