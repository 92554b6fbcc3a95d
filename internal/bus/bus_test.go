package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	defer unsub()

	b.Publish(Event{Kind: CacheUpserted, ConversationID: "c1", Payload: 3})

	select {
	case evt := <-ch:
		if evt.Kind != CacheUpserted {
			t.Errorf("got kind %q, want %s", evt.Kind, CacheUpserted)
		}
		if evt.Timestamp.IsZero() {
			t.Error("timestamp not filled in")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("sync.", 10)
	defer unsub()

	b.Publish(Event{Kind: CacheUpserted})
	b.Publish(Event{Kind: SyncStateChanged})

	select {
	case evt := <-ch:
		if evt.Kind != SyncStateChanged {
			t.Errorf("got kind %q, want %s", evt.Kind, SyncStateChanged)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestConversationFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeConversation("cache.", "c1", 10)
	defer unsub()

	b.Publish(Event{Kind: CacheUpserted, ConversationID: "c2"})
	b.Publish(Event{Kind: CacheUpserted, ConversationID: "c1"})
	b.Publish(Event{Kind: CacheTeardown})

	var got []string
	for range 2 {
		select {
		case evt := <-ch:
			got = append(got, evt.Kind+"/"+evt.ConversationID)
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for event")
		}
	}
	if got[0] != "cache.upserted/c1" || got[1] != "cache.teardown/" {
		t.Errorf("got %v, want [cache.upserted/c1 cache.teardown/]", got)
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected event for other conversation: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("cache.", 10)
	unsub()
	unsub() // idempotent

	b.Publish(Event{Kind: CacheUpserted})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}
