package remote

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/synapse/internal/chat"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultRetryInterval paces re-registration after a listener error.
const DefaultRetryInterval = 2 * time.Second

// MessageSnapshot is the visible message list of a conversation as of one
// remote revision, ordered by local timestamp. A snapshot with Err set
// carries no messages and must not be read as "the conversation is empty".
type MessageSnapshot struct {
	ConversationID string
	Revision       uint64
	Messages       []chat.Message
	// Deleted holds soft-deleted messages, kept out of Messages.
	Deleted []chat.Message
	Err     error
}

// ConversationSnapshot is the conversation metadata as of one remote
// revision. Conversation is nil if the document does not exist or Err is set.
type ConversationSnapshot struct {
	ConversationID string
	Revision       uint64
	Conversation   *chat.Conversation
	Err            error
}

// Listener adapts a Store's callback listeners into snapshot subscriptions.
type Listener struct {
	store         Store
	logger        *zap.Logger
	retryInterval time.Duration
}

// NewListener creates a listener adapter over s.
func NewListener(s Store, logger *zap.Logger, retryInterval time.Duration) *Listener {
	if logger == nil {
		logger = zap.NewNop()
	}
	if retryInterval <= 0 {
		retryInterval = DefaultRetryInterval
	}
	return &Listener{store: s, logger: logger, retryInterval: retryInterval}
}

// MessageSubscription streams message snapshots of one conversation.
type MessageSubscription struct {
	*subscription[MessageSnapshot]
}

// ConversationSubscription streams metadata snapshots of one conversation.
type ConversationSubscription struct {
	*subscription[ConversationSnapshot]
}

// Messages subscribes to the messages of a conversation. The subscription
// lives until Close or until ctx is done.
func (l *Listener) Messages(ctx context.Context, conversationID string) *MessageSubscription {
	logger := l.logger.With(zap.String("conversation_id", conversationID))
	s := newSubscription[MessageSnapshot](l.retryInterval)
	register := func(ctx context.Context, fail func(error)) (Registration, error) {
		return l.store.ListenMessages(ctx, conversationID, func(docs []Document, err error) {
			if err != nil {
				fail(err)
				return
			}
			snap := MessageSnapshot{ConversationID: conversationID}
			for _, doc := range docs {
				m, err := DecodeMessage(conversationID, doc)
				if err != nil {
					logger.Warn("skipping malformed message", zap.String("doc_id", doc.ID), zap.Error(err))
					continue
				}
				if m.IsDeleted {
					snap.Deleted = append(snap.Deleted, m)
				} else {
					snap.Messages = append(snap.Messages, m)
				}
			}
			slices.SortFunc(snap.Messages, byLocalTimestamp)
			s.offer(func(rev uint64) MessageSnapshot {
				snap.Revision = rev
				return snap
			})
		})
	}
	onError := func(rev uint64, err error) MessageSnapshot {
		logger.Warn("message listener failed", zap.Error(err))
		return MessageSnapshot{ConversationID: conversationID, Revision: rev, Err: err}
	}
	s.start(ctx, register, onError)
	return &MessageSubscription{s}
}

// Conversation subscribes to the metadata of a conversation.
func (l *Listener) Conversation(ctx context.Context, conversationID string) *ConversationSubscription {
	logger := l.logger.With(zap.String("conversation_id", conversationID))
	s := newSubscription[ConversationSnapshot](l.retryInterval)
	register := func(ctx context.Context, fail func(error)) (Registration, error) {
		return l.store.ListenConversation(ctx, conversationID, func(doc *Document, err error) {
			if err != nil {
				fail(err)
				return
			}
			snap := ConversationSnapshot{ConversationID: conversationID}
			if doc != nil {
				conv, err := DecodeConversation(*doc)
				if err != nil {
					logger.Warn("skipping malformed conversation", zap.Error(err))
					return
				}
				snap.Conversation = conv
			}
			s.offer(func(rev uint64) ConversationSnapshot {
				snap.Revision = rev
				return snap
			})
		})
	}
	onError := func(rev uint64, err error) ConversationSnapshot {
		logger.Warn("conversation listener failed", zap.Error(err))
		return ConversationSnapshot{ConversationID: conversationID, Revision: rev, Err: err}
	}
	s.start(ctx, register, onError)
	return &ConversationSubscription{s}
}

func byLocalTimestamp(a, b chat.Message) int {
	switch {
	case a.LocalTimestamp < b.LocalTimestamp:
		return -1
	case a.LocalTimestamp > b.LocalTimestamp:
		return 1
	case a.ID < b.ID:
		return -1
	case a.ID > b.ID:
		return 1
	}
	return 0
}

// subscription keeps one remote registration alive and forwards snapshots
// to a consumer. Only the newest undelivered snapshot is kept.
type subscription[T any] struct {
	out     chan T
	wake    chan struct{}
	done    chan struct{}
	limiter *rate.Limiter
	cancel  context.CancelFunc
	once    sync.Once
	stopped sync.WaitGroup

	mu      sync.Mutex
	pending *T
	rev     uint64
}

func newSubscription[T any](retryInterval time.Duration) *subscription[T] {
	return &subscription[T]{
		out:     make(chan T),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Every(retryInterval), 1),
	}
}

type registerFunc func(ctx context.Context, fail func(error)) (Registration, error)

func (s *subscription[T]) start(ctx context.Context, register registerFunc, onError func(uint64, error) T) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.stopped.Add(2)
	go s.keep(ctx, register, onError)
	go s.pump()
}

// keep owns the registration. It is the only goroutine that registers or
// removes, so each registration is removed exactly once.
func (s *subscription[T]) keep(ctx context.Context, register registerFunc, onError func(uint64, error) T) {
	defer s.stopped.Done()
	defer s.Close()
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		failed := make(chan error, 1)
		reg, err := register(ctx, func(err error) {
			select {
			case failed <- err:
			default:
			}
		})
		if err != nil {
			s.offer(func(rev uint64) T { return onError(rev, err) })
			continue
		}
		select {
		case err := <-failed:
			reg.Remove()
			s.offer(func(rev uint64) T { return onError(rev, err) })
		case <-ctx.Done():
			reg.Remove()
			return
		}
	}
}

// offer replaces the pending snapshot. build runs under the lock so
// revisions increase in delivery order.
func (s *subscription[T]) offer(build func(rev uint64) T) {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return
	default:
	}
	s.rev++
	v := build(s.rev)
	s.pending = &v
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) pump() {
	defer s.stopped.Done()
	defer close(s.out)
	for {
		select {
		case <-s.wake:
		case <-s.done:
			return
		}
		s.mu.Lock()
		v := s.pending
		s.pending = nil
		s.mu.Unlock()
		if v == nil {
			continue
		}
		select {
		case s.out <- *v:
		case <-s.done:
			return
		}
	}
}

// C returns the snapshot channel. It is closed after Close.
func (s *subscription[T]) C() <-chan T {
	return s.out
}

// Close cancels the subscription and releases the remote registration.
// It is safe to call more than once and from several goroutines.
func (s *subscription[T]) Close() {
	s.once.Do(func() {
		s.mu.Lock()
		close(s.done)
		s.mu.Unlock()
		s.cancel()
	})
}

// Wait blocks until the subscription has released its registration.
func (s *subscription[T]) Wait() {
	s.stopped.Wait()
}
