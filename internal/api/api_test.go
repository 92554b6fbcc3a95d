package api

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/synapse/internal/bus"
	"github.com/matheus3301/synapse/internal/cache"
	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/metrics"
	"github.com/matheus3301/synapse/internal/outbox"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/remote/memstore"
	"github.com/matheus3301/synapse/internal/store"
	intsync "github.com/matheus3301/synapse/internal/sync"
	"github.com/matheus3301/synapse/internal/unread"
	"github.com/matheus3301/synapse/internal/watermark"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
)

type harness struct {
	srv    *memstore.Server
	cache  *cache.Cache
	coord  *intsync.Coordinator
	svc    *ConversationService
	client *Client
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessTTL(t, 0)
}

func newHarnessTTL(t *testing.T, leaseTTL time.Duration) *harness {
	t.Helper()
	// Short path to stay under the Unix socket length limit.
	dir, err := os.MkdirTemp("/tmp", "synapse-api-*")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	db, err := store.Open(filepath.Join(dir, "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := zaptest.NewLogger(t)
	b := bus.New()
	m := metrics.New()
	srv := memstore.NewServer()
	rc := srv.Client()
	c := cache.New(db, b, logger)
	g := watermark.NewGuard(rc, "alice", 20*time.Millisecond, b, m, logger)
	coord := intsync.New(intsync.Config{UserID: "alice", RetryInterval: 20 * time.Millisecond},
		c, remote.NewListener(rc, logger, 10*time.Millisecond), g, b, m, logger)
	sender := outbox.NewSender("alice", c, rc, coord, g, b, m, logger)
	sender.Start(context.Background())
	svc := NewConversationService("alice", 20, leaseTTL, c, coord, sender, unread.NewCounter(db, "alice", 10), rc, b, logger)

	gs := grpc.NewServer()
	Register(gs, svc)
	socket := filepath.Join(dir, "d.sock")
	lis, err := net.Listen("unix", socket)
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = gs.Serve(lis) }()

	client, err := Dial(socket)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		gs.Stop()
		svc.ReleaseAll()
		sender.Stop()
		coord.Shutdown()
		g.Close()
	})
	return &harness{srv: srv, cache: c, coord: coord, svc: svc, client: client}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) waitConversation(t *testing.T, id string) {
	t.Helper()
	eventually(t, "conversation "+id+" cached", func() bool {
		conv, err := h.cache.Conversation(context.Background(), id)
		return err == nil && conv != nil
	})
}

func (h *harness) seed(t *testing.T, convID string, n int) {
	t.Helper()
	for i := range n {
		err := h.srv.SeedMessage(chat.Message{
			ID:                  fmt.Sprintf("%s-b%d", convID, i),
			ConversationID:      convID,
			SenderID:            "bob",
			Text:                "from bob",
			LocalTimestamp:      int64(1000 + i),
			ServerTimestamp:     int64(2000 + i),
			MemberIDsAtCreation: []string{"alice", "bob"},
			Type:                chat.TextMessage,
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestSendTextReachesRead(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.client.CreateConversation(ctx, &CreateConversationRequest{
		ConversationID: "c1", Type: "DIRECT", MemberIDs: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}
	lease, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _, _ = h.client.StopSync(ctx, &StopSyncRequest{LeaseID: lease.LeaseID}) }()
	h.waitConversation(t, "c1")

	sent, err := h.client.SendText(ctx, &SendTextRequest{ConversationID: "c1", Text: "hello"})
	if err != nil {
		t.Fatal(err)
	}
	if sent.Message.Status != "pending" || !sent.Message.FromMe {
		t.Errorf("sent message = %+v, want pending from me", sent.Message)
	}

	statusOf := func() string {
		resp, err := h.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: "c1"})
		if err != nil || len(resp.Messages) != 1 {
			return ""
		}
		return resp.Messages[0].Status
	}
	eventually(t, "sent", func() bool { return statusOf() == "sent" })

	bob := h.srv.Client()
	if err := bob.MergeMemberStatus(ctx, "c1", "bob", chat.PatchFor(chat.LastSeen, 1<<50)); err != nil {
		t.Fatal(err)
	}
	eventually(t, "read", func() bool { return statusOf() == "read" })
}

func TestSyncLeases(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	l1, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	l2, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c1", Background: true})
	if err != nil {
		t.Fatal(err)
	}
	if got := h.coord.Refs("c1"); got != 2 {
		t.Fatalf("refs = %d, want 2", got)
	}

	resp, err := h.client.StopSync(ctx, &StopSyncRequest{LeaseID: l1.LeaseID})
	if err != nil || !resp.Released {
		t.Fatalf("StopSync = %+v, %v", resp, err)
	}
	resp, err = h.client.StopSync(ctx, &StopSyncRequest{LeaseID: l1.LeaseID})
	if err != nil || resp.Released {
		t.Fatalf("second StopSync = %+v, %v; want not released", resp, err)
	}
	if !h.coord.Running("c1") {
		t.Fatal("job stopped while a lease is held")
	}
	if _, err := h.client.StopSync(ctx, &StopSyncRequest{LeaseID: l2.LeaseID}); err != nil {
		t.Fatal(err)
	}
	if h.coord.Running("c1") {
		t.Error("job still running after last lease released")
	}
}

func TestLeaseExpiresWithoutRenewal(t *testing.T) {
	h := newHarnessTTL(t, 150*time.Millisecond)
	ctx := context.Background()

	kept, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c1", Background: true})
	if err != nil {
		t.Fatal(err)
	}
	if kept.ExpiresUnixMs <= time.Now().UnixMilli() {
		t.Errorf("expiry %d not in the future", kept.ExpiresUnixMs)
	}
	if _, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c2", Background: true}); err != nil {
		t.Fatal(err)
	}

	// Renew c1 past the point where c2 lapses.
	deadline := time.Now().Add(400 * time.Millisecond)
	for time.Now().Before(deadline) {
		if _, err := h.client.RenewSync(ctx, &RenewSyncRequest{LeaseID: kept.LeaseID}); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
	}
	if h.coord.Running("c2") {
		t.Error("c2 job still running after its lease lapsed")
	}
	if !h.coord.Running("c1") {
		t.Error("c1 job stopped while its lease was being renewed")
	}

	eventually(t, "c1 lease expiry", func() bool { return !h.coord.Running("c1") })
	if n := h.svc.Leases(); n != 0 {
		t.Errorf("leases = %d after expiry, want 0", n)
	}
	_, err = h.client.RenewSync(ctx, &RenewSyncRequest{LeaseID: kept.LeaseID})
	if got := grpcstatus.Code(err); got != codes.NotFound {
		t.Errorf("renew after expiry code = %v, want NotFound", got)
	}
	resp, err := h.client.StopSync(ctx, &StopSyncRequest{LeaseID: kept.LeaseID})
	if err != nil || resp.Released {
		t.Errorf("StopSync after expiry = %+v, %v; want not released", resp, err)
	}
}

func TestStatusHeldAtSentUntilMembersKnown(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	m1 := chat.Message{
		ID: "m1", SenderID: "alice", Text: "hi", LocalTimestamp: 100, ServerTimestamp: 200,
		MemberIDsAtCreation: []string{"alice", "bob"}, Type: chat.TextMessage,
	}
	note := chat.Message{
		ID: "n1", SenderID: "alice", Text: "note", LocalTimestamp: 100, ServerTimestamp: 200,
		MemberIDsAtCreation: []string{"alice"}, Type: chat.TextMessage,
	}
	// Message snapshots can merge before the metadata snapshot.
	if _, err := h.coord.Merge(ctx, "c1", []chat.Message{m1}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.coord.Merge(ctx, "self", []chat.Message{note}); err != nil {
		t.Fatal(err)
	}

	statusOf := func(conv string) string {
		t.Helper()
		resp, err := h.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: conv})
		if err != nil {
			t.Fatal(err)
		}
		if len(resp.Messages) != 1 {
			t.Fatalf("%s: got %d messages, want 1", conv, len(resp.Messages))
		}
		return resp.Messages[0].Status
	}
	if got := statusOf("c1"); got != "sent" {
		t.Errorf("c1 before metadata = %s, want sent", got)
	}
	if got := statusOf("self"); got != "sent" {
		t.Errorf("self before metadata = %s, want sent", got)
	}

	conv := &chat.Conversation{
		ID: "c1", Type: chat.Direct, MemberIDs: []string{"alice", "bob"},
		Members: map[string]chat.MemberStatus{"bob": {}},
	}
	if err := h.cache.PutConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if got := statusOf("c1"); got != "sent" {
		t.Errorf("c1 after metadata = %s, want sent", got)
	}
	conv.Members["bob"] = chat.MemberStatus{LastSeenAt: 200}
	if err := h.cache.PutConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	if got := statusOf("c1"); got != "read" {
		t.Errorf("c1 after bob saw it = %s, want read", got)
	}

	self := &chat.Conversation{ID: "self", Type: chat.Self, MemberIDs: []string{"alice"}}
	if err := h.cache.PutConversation(ctx, self); err != nil {
		t.Fatal(err)
	}
	if got := statusOf("self"); got != "read" {
		t.Errorf("self after metadata = %s, want read", got)
	}
}

// recordingStream is an in-process WatchStream that notes whether the merge
// job was running each time a page went out.
type recordingStream struct {
	ctx     context.Context
	running func() bool

	mu   sync.Mutex
	sent []bool
}

func (r *recordingStream) Context() context.Context { return r.ctx }

func (r *recordingStream) Send(*ConversationUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, r.running())
	return nil
}

func (r *recordingStream) sends() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.sent...)
}

func TestWatchStartsSyncAfterFirstPage(t *testing.T) {
	h := newHarness(t)
	h.srv.PutConversation(chat.Conversation{ID: "c1", Type: chat.Direct, MemberIDs: []string{"alice", "bob"}})
	h.seed(t, "c1", 1)

	ctx, cancel := context.WithCancel(context.Background())
	stream := &recordingStream{ctx: ctx, running: func() bool { return h.coord.Running("c1") }}
	done := make(chan error, 1)
	go func() {
		done <- h.svc.WatchConversation(&WatchConversationRequest{ConversationID: "c1"}, stream)
	}()

	eventually(t, "merged page pushed", func() bool { return len(stream.sends()) >= 2 && h.coord.Running("c1") })
	if first := stream.sends()[0]; first {
		t.Error("merge job was running when the first page was sent")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("WatchConversation = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("WatchConversation did not return after cancel")
	}
	if h.coord.Running("c1") {
		t.Error("job still running after the watch ended")
	}
}

func TestWatchConversationPushesChanges(t *testing.T) {
	h := newHarness(t)
	h.srv.PutConversation(chat.Conversation{ID: "c1", Type: chat.Direct, MemberIDs: []string{"alice", "bob"}})
	h.seed(t, "c1", 1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	w, err := h.client.WatchConversation(ctx, &WatchConversationRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}

	waitFor := func(what string, cond func(*ConversationUpdate) bool) {
		t.Helper()
		for {
			u, err := w.Recv()
			if err != nil {
				t.Fatalf("waiting for %s: %v", what, err)
			}
			if cond(u) {
				return
			}
		}
	}
	// Watching marks the conversation seen.
	waitFor("first message seen", func(u *ConversationUpdate) bool {
		return len(u.Page.Messages) == 1 && u.SyncState == "LIVE" && u.Unread == "0"
	})

	if err := h.srv.SeedMessage(chat.Message{
		ID: "late", ConversationID: "c1", SenderID: "bob", Text: "more",
		LocalTimestamp: 5000, ServerTimestamp: 6000, MemberIDsAtCreation: []string{"alice", "bob"},
	}); err != nil {
		t.Fatal(err)
	}
	waitFor("second message", func(u *ConversationUpdate) bool {
		return len(u.Page.Messages) == 2 && u.Page.Messages[0].ID == "late"
	})
}

func TestUnreadCounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.PutConversation(chat.Conversation{ID: "c1", Type: chat.Direct, MemberIDs: []string{"alice", "bob"}})
	h.srv.PutConversation(chat.Conversation{ID: "c2", Type: chat.Direct, MemberIDs: []string{"alice", "bob"}})
	h.seed(t, "c1", 3)
	h.seed(t, "c2", 12)

	for _, id := range []string{"c1", "c2"} {
		if _, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: id, Background: true}); err != nil {
			t.Fatal(err)
		}
	}
	want := map[string]UnreadCount{
		"c1": {Count: 3, Label: "3"},
		"c2": {Count: 10, Label: "10+"},
	}
	eventually(t, "unread counts", func() bool {
		resp, err := h.client.UnreadCounts(ctx)
		if err != nil || len(resp.Counts) != 2 {
			return false
		}
		return resp.Counts["c1"] == want["c1"] && resp.Counts["c2"] == want["c2"]
	})
}

func TestSyncStatusAndLeave(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.srv.PutConversation(chat.Conversation{ID: "c1", Type: chat.Group, MemberIDs: []string{"alice", "bob", "carol"}})
	h.seed(t, "c1", 2)

	if _, err := h.client.StartSync(ctx, &StartSyncRequest{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	eventually(t, "live", func() bool {
		resp, err := h.client.SyncStatus(ctx)
		return err == nil && len(resp.Conversations) == 1 &&
			resp.Conversations[0].State == "LIVE" && resp.Conversations[0].LastMergeUnixMs > 0
	})

	if _, err := h.client.LeaveConversation(ctx, &LeaveConversationRequest{ConversationID: "c1"}); err != nil {
		t.Fatal(err)
	}
	if h.coord.Running("c1") {
		t.Error("job still running after leave")
	}
	if !h.srv.Conversation("c1").Member("alice").IsDeleted {
		t.Error("alice still an active member after leave")
	}
	resp, err := h.client.ListMessages(ctx, &ListMessagesRequest{ConversationID: "c1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Messages) != 0 {
		t.Errorf("got %d cached messages after leave, want 0", len(resp.Messages))
	}
	status, err := h.client.SyncStatus(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.Offline || len(status.Conversations) != 0 {
		t.Errorf("sync status after leave = %+v", status)
	}
}

func TestErrorCodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	tests := []struct {
		name string
		call func() error
		want codes.Code
	}{
		{"start without conversation", func() error {
			_, err := h.client.StartSync(ctx, &StartSyncRequest{})
			return err
		}, codes.InvalidArgument},
		{"send to unknown conversation", func() error {
			_, err := h.client.SendText(ctx, &SendTextRequest{ConversationID: "nope", Text: "hi"})
			return err
		}, codes.NotFound},
		{"send empty text", func() error {
			_, err := h.client.SendText(ctx, &SendTextRequest{ConversationID: "nope"})
			return err
		}, codes.InvalidArgument},
		{"create with bad type", func() error {
			_, err := h.client.CreateConversation(ctx, &CreateConversationRequest{ConversationID: "x", Type: "CHANNEL", MemberIDs: []string{"alice"}})
			return err
		}, codes.InvalidArgument},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := grpcstatus.Code(tt.call()); got != tt.want {
				t.Errorf("code = %v, want %v", got, tt.want)
			}
		})
	}
}
