package api

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/cache"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/outbox"
	"github.com/matheus3301/synapse/internal/receipt"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/store"
	intsync "github.com/matheus3301/synapse/internal/sync"
	"github.com/matheus3301/synapse/internal/unread"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

// DefaultLeaseTTL is how long a sync lease lives without renewal.
const DefaultLeaseTTL = 5 * time.Minute

// lease is one StartSync grant. It expires unless renewed so a client that
// exits without StopSync cannot pin a merge job.
type lease struct {
	conversationID string
	release        func()
	timer          *time.Timer
}

// ConversationService implements ConversationServer on top of the cache and
// the sync coordinator.
type ConversationService struct {
	userID   string
	pageSize int
	leaseTTL time.Duration
	cache    *cache.Cache
	coord    *intsync.Coordinator
	sender   *outbox.Sender
	counter  *unread.Counter
	admin    remote.Admin // nil when the backend has no admin surface
	bus      *bus.Bus
	logger   *zap.Logger

	mu     sync.Mutex
	leases map[string]*lease
}

// NewConversationService creates the service.
func NewConversationService(userID string, pageSize int, leaseTTL time.Duration, c *cache.Cache, coord *intsync.Coordinator, sender *outbox.Sender,
	counter *unread.Counter, admin remote.Admin, b *bus.Bus, logger *zap.Logger) *ConversationService {
	if pageSize <= 0 {
		pageSize = cache.DefaultPageSize
	}
	if leaseTTL <= 0 {
		leaseTTL = DefaultLeaseTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConversationService{
		userID:   userID,
		pageSize: pageSize,
		leaseTTL: leaseTTL,
		cache:    c,
		coord:    coord,
		sender:   sender,
		counter:  counter,
		admin:    admin,
		bus:      b,
		logger:   logger,
		leases:   make(map[string]*lease),
	}
}

var _ ConversationServer = (*ConversationService)(nil)

func (s *ConversationService) StartSync(_ context.Context, req *StartSyncRequest) (*StartSyncResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	l := &lease{conversationID: req.ConversationID}
	if req.Background {
		l.release = s.coord.AcquireBackground(req.ConversationID)
	} else {
		l.release = s.coord.Acquire(req.ConversationID)
	}
	id := uuid.NewString()
	s.mu.Lock()
	l.timer = time.AfterFunc(s.leaseTTL, func() { s.expire(id) })
	s.leases[id] = l
	s.mu.Unlock()
	s.logger.Debug("sync lease granted", zap.String("conversation_id", req.ConversationID), zap.String("lease_id", id))
	return &StartSyncResponse{LeaseID: id, ExpiresUnixMs: time.Now().Add(s.leaseTTL).UnixMilli()}, nil
}

// RenewSync pushes a lease's expiry one TTL into the future.
func (s *ConversationService) RenewSync(_ context.Context, req *RenewSyncRequest) (*RenewSyncResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[req.LeaseID]
	if !ok {
		return nil, grpcstatus.Errorf(codes.NotFound, "lease %s not found or expired", req.LeaseID)
	}
	l.timer.Reset(s.leaseTTL)
	return &RenewSyncResponse{ExpiresUnixMs: time.Now().Add(s.leaseTTL).UnixMilli()}, nil
}

func (s *ConversationService) StopSync(_ context.Context, req *StopSyncRequest) (*StopSyncResponse, error) {
	l := s.take(req.LeaseID)
	if l != nil {
		l.timer.Stop()
		l.release()
	}
	return &StopSyncResponse{Released: l != nil}, nil
}

func (s *ConversationService) take(id string) *lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.leases[id]
	if !ok {
		return nil
	}
	delete(s.leases, id)
	return l
}

func (s *ConversationService) expire(id string) {
	l := s.take(id)
	if l == nil {
		return
	}
	s.logger.Info("sync lease expired", zap.String("conversation_id", l.conversationID), zap.String("lease_id", id))
	l.release()
}

// Leases returns the number of outstanding sync leases.
func (s *ConversationService) Leases() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.leases)
}

// ReleaseAll drops every outstanding lease, as when the daemon stops.
func (s *ConversationService) ReleaseAll() {
	s.mu.Lock()
	leases := s.leases
	s.leases = make(map[string]*lease)
	s.mu.Unlock()
	for _, l := range leases {
		l.timer.Stop()
		l.release()
	}
}

func (s *ConversationService) ListMessages(ctx context.Context, req *ListMessagesRequest) (*ListMessagesResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	var cur store.Cursor
	if req.Before != nil {
		cur = store.Cursor{LocalTS: req.Before.LocalTS, ID: req.Before.ID}
	}
	resp, err := s.page(ctx, req.ConversationID, req.PageSize, cur)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "list messages: %v", err)
	}
	return resp, nil
}

// page reads one page and resolves each message's status against the
// cached conversation members.
func (s *ConversationService) page(ctx context.Context, conversationID string, pageSize int, cur store.Cursor) (*ListMessagesResponse, error) {
	if pageSize <= 0 {
		pageSize = s.pageSize
	}
	p, err := s.cache.Page(ctx, conversationID, pageSize, cur)
	if err != nil {
		return nil, err
	}
	conv, err := s.cache.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	var members map[string]chat.MemberStatus
	// Messages can merge before the conversation metadata does. Until the
	// member list is known nothing past sent can be claimed.
	known := conv != nil && len(conv.MemberIDs) > 0
	if conv != nil {
		members = conv.Members
	}

	resp := &ListMessagesResponse{Messages: make([]Message, 0, len(p.Messages)), HasMore: p.HasMore}
	for _, m := range p.Messages {
		st := receipt.Resolve(m.Message, members)
		if !known {
			st = min(st, receipt.Sent)
		}
		resp.Messages = append(resp.Messages, s.toMessage(m.Message, st))
	}
	if p.HasMore {
		resp.Next = &Cursor{LocalTS: p.Next.LocalTS, ID: p.Next.ID}
	}
	return resp, nil
}

func (s *ConversationService) toMessage(m chat.Message, st receipt.Status) Message {
	return Message{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		SenderID:        m.SenderID,
		SenderName:      m.SenderName,
		Text:            m.Text,
		Type:            string(m.Type),
		LocalTimestamp:  m.LocalTimestamp,
		ServerTimestamp: m.ServerTimestamp,
		Status:          st.String(),
		FromMe:          m.SenderID == s.userID,
	}
}

// WatchConversation pushes the first page whenever the conversation
// changes. The cached page goes out first; the viewing lease, and with it the
// merge job, starts only once that first page has been delivered.
func (s *ConversationService) WatchConversation(req *WatchConversationRequest, stream WatchStream) error {
	if req.ConversationID == "" {
		return grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	ctx := stream.Context()

	obs := s.cache.Observe(req.ConversationID)
	defer obs.Close()
	states, unsub := s.bus.SubscribeConversation(bus.SyncStateChanged, req.ConversationID, 16)
	defer unsub()

	var release func()
	start := func() {
		if release == nil {
			release = s.coord.Acquire(req.ConversationID)
		}
	}
	defer func() {
		if release != nil {
			release()
		}
	}()

	push := func() error {
		u, err := s.update(ctx, req.ConversationID, req.PageSize)
		if err != nil {
			// Local read failures are logged and the stream waits for the next
			// change, which only a running job can produce.
			s.logger.Error("failed to read conversation", zap.Error(err), zap.String("conversation_id", req.ConversationID))
			start()
			return nil
		}
		if err := stream.Send(u); err != nil {
			return err
		}
		start()
		return nil
	}
	if err := push(); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-obs.Changes():
		case <-states:
		}
		if err := push(); err != nil {
			return err
		}
	}
}

func (s *ConversationService) update(ctx context.Context, conversationID string, pageSize int) (*ConversationUpdate, error) {
	page, err := s.page(ctx, conversationID, pageSize, store.Cursor{})
	if err != nil {
		return nil, err
	}
	n, err := s.counter.Count(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return &ConversationUpdate{
		Page:      *page,
		SyncState: string(s.coord.State(conversationID)),
		Unread:    unread.Label(n, s.counter.Ceiling()),
	}, nil
}

func (s *ConversationService) SendText(ctx context.Context, req *SendTextRequest) (*SendTextResponse, error) {
	m, err := s.sender.SendText(ctx, req.ConversationID, req.Text)
	switch {
	case errors.Is(err, outbox.ErrEmptyText):
		return nil, grpcstatus.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, outbox.ErrUnknownConversation):
		return nil, grpcstatus.Error(codes.NotFound, err.Error())
	case errors.Is(err, outbox.ErrNotMember):
		return nil, grpcstatus.Error(codes.PermissionDenied, err.Error())
	case err != nil:
		return nil, grpcstatus.Errorf(codes.Internal, "send text: %v", err)
	}
	return &SendTextResponse{Message: s.toMessage(m, receipt.Pending)}, nil
}

func (s *ConversationService) MarkSeen(ctx context.Context, req *MarkSeenRequest) (*MarkSeenResponse, error) {
	written, err := s.coord.MarkSeen(ctx, req.ConversationID)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "mark seen: %v", err)
	}
	return &MarkSeenResponse{Written: written}, nil
}

func (s *ConversationService) UnreadCounts(ctx context.Context, _ *UnreadCountsRequest) (*UnreadCountsResponse, error) {
	counts, err := s.counter.All(ctx)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "unread counts: %v", err)
	}
	resp := &UnreadCountsResponse{Counts: make(map[string]UnreadCount, len(counts))}
	for id, n := range counts {
		resp.Counts[id] = UnreadCount{Count: n, Label: unread.Label(n, s.counter.Ceiling())}
	}
	return resp, nil
}

func (s *ConversationService) SyncStatus(ctx context.Context, _ *SyncStatusRequest) (*SyncStatusResponse, error) {
	states := s.coord.States()
	resp := &SyncStatusResponse{Offline: s.coord.Offline(), Conversations: make([]ConversationSync, 0, len(states))}
	for id, st := range states {
		cs := ConversationSync{ConversationID: id, State: string(st), Stalled: s.coord.Stalled(id)}
		if t, err := s.coord.LastMerge(ctx, id); err == nil && !t.IsZero() {
			cs.LastMergeUnixMs = t.UnixMilli()
		}
		resp.Conversations = append(resp.Conversations, cs)
	}
	sort.Slice(resp.Conversations, func(i, j int) bool {
		return resp.Conversations[i].ConversationID < resp.Conversations[j].ConversationID
	})
	return resp, nil
}

func (s *ConversationService) LeaveConversation(ctx context.Context, req *LeaveConversationRequest) (*LeaveConversationResponse, error) {
	if req.ConversationID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id is required")
	}
	if s.admin != nil {
		if err := s.admin.RemoveMember(ctx, req.ConversationID, s.userID); err != nil {
			return nil, grpcstatus.Errorf(codes.Unavailable, "leave conversation: %v", err)
		}
	}
	if err := s.coord.Leave(ctx, req.ConversationID); err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "teardown: %v", err)
	}
	return &LeaveConversationResponse{}, nil
}

func (s *ConversationService) CreateConversation(ctx context.Context, req *CreateConversationRequest) (*CreateConversationResponse, error) {
	if s.admin == nil {
		return nil, grpcstatus.Error(codes.Unimplemented, "remote backend cannot create conversations")
	}
	if req.ConversationID == "" || len(req.MemberIDs) == 0 {
		return nil, grpcstatus.Error(codes.InvalidArgument, "conversation_id and member_ids are required")
	}
	typ := chat.ConversationType(req.Type)
	switch typ {
	case chat.Direct, chat.Group, chat.Self:
	case "":
		typ = chat.Group
	default:
		return nil, grpcstatus.Errorf(codes.InvalidArgument, "unknown conversation type %q", req.Type)
	}
	conv := &chat.Conversation{
		ID:        req.ConversationID,
		Type:      typ,
		Name:      req.Name,
		MemberIDs: req.MemberIDs,
		Members:   make(map[string]chat.MemberStatus, len(req.MemberIDs)),
	}
	for _, id := range req.MemberIDs {
		conv.Members[id] = chat.MemberStatus{}
	}
	if err := s.admin.PutConversation(ctx, conv); err != nil {
		return nil, grpcstatus.Errorf(codes.Unavailable, "create conversation: %v", err)
	}
	return &CreateConversationResponse{}, nil
}
