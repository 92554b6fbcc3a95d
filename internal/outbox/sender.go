// Package outbox creates messages locally and pushes them to the remote
// store until it accepts them.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/cache"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/metrics"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/watermark"
	"go.uber.org/zap"
)

var (
	ErrUnknownConversation = errors.New("conversation not cached")
	ErrNotMember           = errors.New("not a member of the conversation")
	ErrEmptyText           = errors.New("empty message text")
)

// Creator is the remote write the sender drains into.
type Creator interface {
	CreateMessage(ctx context.Context, conversationID string, doc remote.Document) error
}

// Applier merges records into the local cache.
type Applier interface {
	Merge(ctx context.Context, conversationID string, msgs []chat.Message) (int, error)
}

const (
	pollInterval = 500 * time.Millisecond
	maxBackoff   = 30 * time.Second
)

// Sender drains the outbox into the remote store.
type Sender struct {
	userID  string
	cache   *cache.Cache
	creator Creator
	applier Applier
	guard   *watermark.Guard
	bus     *bus.Bus
	metrics *metrics.Metrics
	logger  *zap.Logger

	clockMu sync.Mutex
	clock   *chat.Clock
	seeded  bool

	kick   chan struct{}
	next   map[string]time.Time // message id -> earliest next attempt
	cancel context.CancelFunc
	done   chan struct{}
}

// NewSender creates a sender for userID's messages.
func NewSender(userID string, c *cache.Cache, cr Creator, a Applier, g *watermark.Guard, b *bus.Bus, m *metrics.Metrics, logger *zap.Logger) *Sender {
	if m == nil {
		m = metrics.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sender{
		userID:  userID,
		cache:   c,
		creator: cr,
		applier: a,
		guard:   g,
		bus:     b,
		metrics: m,
		logger:  logger,
		clock:   chat.NewClock(),
		kick:    make(chan struct{}, 1),
		next:    make(map[string]time.Time),
	}
}

// SendText creates a text message from the current user. The message is
// queued in the outbox and merged into the cache as pending before the
// remote store has seen it.
func (s *Sender) SendText(ctx context.Context, conversationID, text string) (chat.Message, error) {
	if text == "" {
		return chat.Message{}, ErrEmptyText
	}
	conv, err := s.cache.Conversation(ctx, conversationID)
	if err != nil {
		return chat.Message{}, fmt.Errorf("load conversation: %w", err)
	}
	if conv == nil {
		return chat.Message{}, ErrUnknownConversation
	}
	if !conv.IsMember(s.userID) || conv.Member(s.userID).IsDeleted {
		return chat.Message{}, ErrNotMember
	}
	ts, err := s.nextTimestamp(ctx)
	if err != nil {
		return chat.Message{}, err
	}

	m := chat.Message{
		ID:                  uuid.NewString(),
		ConversationID:      conversationID,
		SenderID:            s.userID,
		Text:                text,
		LocalTimestamp:      ts,
		MemberIDsAtCreation: conv.ActiveMemberIDs(),
		Type:                chat.TextMessage,
	}
	doc, err := remote.EncodeMessage(m)
	if err != nil {
		return chat.Message{}, err
	}
	if err := s.cache.DB().QueueOutbox(ctx, m.ID, conversationID, doc.Data); err != nil {
		return chat.Message{}, fmt.Errorf("queue outbox: %w", err)
	}
	if _, err := s.applier.Merge(ctx, conversationID, []chat.Message{m}); err != nil {
		// The outbox row is enough; the listener echo brings it into the cache.
		s.logger.Warn("failed to cache queued message", zap.Error(err), zap.String("message_id", m.ID))
	}

	s.bus.Publish(bus.Event{
		Kind:           bus.MessageQueued,
		ConversationID: conversationID,
		Timestamp:      time.Now(),
		Payload:        m.ID,
	})
	select {
	case s.kick <- struct{}{}:
	default:
	}
	return m, nil
}

// nextTimestamp returns a local timestamp greater than any this user has
// already sent from the cache's point of view.
func (s *Sender) nextTimestamp(ctx context.Context) (int64, error) {
	s.clockMu.Lock()
	defer s.clockMu.Unlock()
	if !s.seeded {
		last, err := s.cache.DB().LastLocalTimestampFrom(ctx, s.userID)
		if err != nil {
			return 0, fmt.Errorf("last sent timestamp: %w", err)
		}
		s.clock.Observe(last)
		s.seeded = true
	}
	return s.clock.Next(), nil
}

// Start begins draining the outbox.
func (s *Sender) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop stops the sender loop and waits for it to exit.
func (s *Sender) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

func (s *Sender) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	s.processPending(ctx)
	for {
		select {
		case <-ticker.C:
			s.processPending(ctx)
		case <-s.kick:
			s.processPending(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) processPending(ctx context.Context) {
	db := s.cache.DB()
	pending, err := db.PendingOutbox(ctx)
	if err != nil {
		s.logger.Error("failed to read outbox", zap.Error(err))
		return
	}

	now := time.Now()
	for _, entry := range pending {
		if ctx.Err() != nil {
			return
		}
		if now.Before(s.next[entry.MessageID]) {
			continue
		}
		doc := remote.Document{ID: entry.MessageID, Data: entry.Payload}
		if err := s.creator.CreateMessage(ctx, entry.ConversationID, doc); err != nil {
			s.metrics.OutboxFailures.Inc()
			s.next[entry.MessageID] = now.Add(backoff(entry.Attempts + 1))
			if err := db.MarkOutboxAttempt(ctx, entry.MessageID, err.Error()); err != nil {
				s.logger.Error("failed to record attempt", zap.Error(err), zap.String("message_id", entry.MessageID))
			}
			s.logger.Warn("failed to send message, will retry",
				zap.Error(err),
				zap.String("message_id", entry.MessageID),
				zap.Int("attempts", entry.Attempts+1))
			s.bus.Publish(bus.Event{
				Kind:           bus.MessageSendFailed,
				ConversationID: entry.ConversationID,
				Timestamp:      time.Now(),
				Payload:        map[string]string{"message_id": entry.MessageID, "error": err.Error()},
			})
			continue
		}

		delete(s.next, entry.MessageID)
		if err := db.MarkOutboxSent(ctx, entry.MessageID); err != nil {
			s.logger.Error("failed to mark sent", zap.Error(err), zap.String("message_id", entry.MessageID))
		}
		s.metrics.OutboxSent.Inc()
		s.logger.Info("message accepted", zap.String("message_id", entry.MessageID), zap.String("conversation_id", entry.ConversationID))

		if m, err := remote.DecodeMessage(entry.ConversationID, doc); err == nil && s.guard != nil {
			s.guard.Advance(ctx, entry.ConversationID, chat.LastMessageSent, m.LocalTimestamp)
		}
		s.bus.Publish(bus.Event{
			Kind:           bus.MessageAccepted,
			ConversationID: entry.ConversationID,
			Timestamp:      time.Now(),
			Payload:        entry.MessageID,
		})
	}
}

// backoff doubles from the poll interval up to maxBackoff.
func backoff(attempts int) time.Duration {
	d := pollInterval
	for i := 1; i < attempts && d < maxBackoff; i++ {
		d *= 2
	}
	return min(d, maxBackoff)
}
