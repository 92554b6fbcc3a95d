package remote_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/matheus3301/synapse/internal/chat"
	"github.com/matheus3301/synapse/internal/remote"
	"github.com/matheus3301/synapse/internal/remote/memstore"
	"go.uber.org/zap/zaptest"
)

func seed(t *testing.T, srv *memstore.Server, id string, localTS, serverTS int64) {
	t.Helper()
	if err := srv.SeedMessage(chat.Message{
		ID:                  id,
		ConversationID:      "c1",
		SenderID:            "bob",
		Text:                id,
		LocalTimestamp:      localTS,
		ServerTimestamp:     serverTS,
		MemberIDsAtCreation: []string{"alice", "bob"},
		Type:                chat.TextMessage,
	}); err != nil {
		t.Fatal(err)
	}
}

func next[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for snapshot")
	}
	var zero T
	return zero
}

// nextMatching skips conflated or duplicate snapshots until ok returns true.
func nextMatching[T any](t *testing.T, ch <-chan T, ok func(T) bool) T {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case v, open := <-ch:
			if !open {
				t.Fatal("subscription closed")
			}
			if ok(v) {
				return v
			}
		case <-deadline:
			t.Fatal("timeout waiting for matching snapshot")
		}
	}
}

func TestMessagesSnapshotOrderedAndFiltered(t *testing.T) {
	srv := memstore.NewServer()
	seed(t, srv, "m2", 2000, 2100)
	seed(t, srv, "m1", 1000, 1100)
	seed(t, srv, "m3", 3000, 3100)
	if err := srv.DeleteMessage("c1", "m2", "bob"); err != nil {
		t.Fatal(err)
	}
	srv.InjectRaw("c1", remote.Document{ID: "bad", Data: []byte(`{"senderId": 42}`)})

	l := remote.NewListener(srv.Client(), zaptest.NewLogger(t), 10*time.Millisecond)
	sub := l.Messages(context.Background(), "c1")
	defer sub.Close()

	snap := next(t, sub.C())
	if snap.Err != nil {
		t.Fatalf("unexpected error snapshot: %v", snap.Err)
	}
	if len(snap.Messages) != 2 || snap.Messages[0].ID != "m1" || snap.Messages[1].ID != "m3" {
		t.Fatalf("messages = %+v, want [m1 m3]", snap.Messages)
	}
	if snap.Messages[0].ConversationID != "c1" {
		t.Errorf("conversation id not set on decoded message")
	}
	if len(snap.Deleted) != 1 || snap.Deleted[0].ID != "m2" {
		t.Errorf("deleted = %+v, want [m2]", snap.Deleted)
	}
}

func TestListenerErrorEmitsEmptySnapshotAndResubscribes(t *testing.T) {
	srv := memstore.NewServer()
	seed(t, srv, "m1", 1000, 1100)
	client := srv.Client()

	// Long enough that the error snapshot is consumed before re-registration.
	l := remote.NewListener(client, zaptest.NewLogger(t), 200*time.Millisecond)
	sub := l.Messages(context.Background(), "c1")
	defer sub.Close()

	first := next(t, sub.C())
	if len(first.Messages) != 1 {
		t.Fatalf("first snapshot has %d messages", len(first.Messages))
	}

	boom := errors.New("connection reset")
	client.BreakListeners("c1", boom)

	failed := nextMatching(t, sub.C(), func(s remote.MessageSnapshot) bool { return s.Err != nil })
	if !errors.Is(failed.Err, boom) {
		t.Errorf("Err = %v, want %v", failed.Err, boom)
	}
	if len(failed.Messages) != 0 {
		t.Errorf("error snapshot carries %d messages", len(failed.Messages))
	}

	recovered := nextMatching(t, sub.C(), func(s remote.MessageSnapshot) bool { return s.Err == nil })
	if len(recovered.Messages) != 1 {
		t.Errorf("recovered snapshot has %d messages, want 1", len(recovered.Messages))
	}
	if recovered.Revision <= failed.Revision {
		t.Errorf("revision went from %d to %d", failed.Revision, recovered.Revision)
	}
}

func TestRegistrationFailureIsRetried(t *testing.T) {
	srv := memstore.NewServer()
	seed(t, srv, "m1", 1000, 1100)
	client := srv.Client()
	client.FailListens(errors.New("unavailable"))

	l := remote.NewListener(client, zaptest.NewLogger(t), 10*time.Millisecond)
	sub := l.Messages(context.Background(), "c1")
	defer sub.Close()

	if snap := next(t, sub.C()); snap.Err == nil {
		t.Fatal("expected an error snapshot while registration fails")
	}
	client.FailListens(nil)
	nextMatching(t, sub.C(), func(s remote.MessageSnapshot) bool { return s.Err == nil && len(s.Messages) == 1 })
}

func TestConcurrentCloseReleasesOnce(t *testing.T) {
	srv := memstore.NewServer()
	seed(t, srv, "m1", 1000, 1100)
	client := srv.Client()

	l := remote.NewListener(client, zaptest.NewLogger(t), 10*time.Millisecond)
	sub := l.Messages(context.Background(), "c1")
	next(t, sub.C())

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub.Close()
		}()
	}
	wg.Wait()
	sub.Wait()

	if n := client.Removals(); n != 1 {
		t.Errorf("removals = %d, want 1", n)
	}
	if n := srv.ListenerCount("c1"); n != 0 {
		t.Errorf("listeners = %d, want 0", n)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("channel still open after Close")
	}
}

func TestResubscribeAfterClose(t *testing.T) {
	srv := memstore.NewServer()
	seed(t, srv, "m1", 1000, 1100)
	client := srv.Client()
	l := remote.NewListener(client, zaptest.NewLogger(t), 10*time.Millisecond)

	first := l.Messages(context.Background(), "c1")
	next(t, first.C())
	second := l.Messages(context.Background(), "c1")
	first.Close()
	defer second.Close()

	nextMatching(t, second.C(), func(s remote.MessageSnapshot) bool { return len(s.Messages) == 1 })
	first.Wait()
	if n := srv.ListenerCount("c1"); n != 1 {
		t.Errorf("listeners = %d, want 1", n)
	}
}

func TestContextCancelClosesSubscription(t *testing.T) {
	srv := memstore.NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	l := remote.NewListener(srv.Client(), zaptest.NewLogger(t), 10*time.Millisecond)
	sub := l.Messages(ctx, "c1")
	cancel()
	sub.Wait()
	if n := srv.ListenerCount("c1"); n != 0 {
		t.Errorf("listeners = %d, want 0", n)
	}
}

func TestConversationSnapshots(t *testing.T) {
	srv := memstore.NewServer()
	srv.PutConversation(chat.Conversation{ID: "c1", Type: chat.Direct, MemberIDs: []string{"alice", "bob"}})
	client := srv.Client()

	l := remote.NewListener(client, zaptest.NewLogger(t), 10*time.Millisecond)
	sub := l.Conversation(context.Background(), "c1")
	defer sub.Close()

	snap := next(t, sub.C())
	if snap.Conversation == nil || snap.Conversation.ID != "c1" {
		t.Fatalf("conversation = %+v", snap.Conversation)
	}

	if err := client.MergeMemberStatus(context.Background(), "c1", "bob", chat.WatermarkPatch{LastSeenAt: 500}); err != nil {
		t.Fatal(err)
	}
	nextMatching(t, sub.C(), func(s remote.ConversationSnapshot) bool {
		return s.Conversation != nil && s.Conversation.Member("bob").LastSeenAt == 500
	})
}
