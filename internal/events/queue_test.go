package events

import (
	"context"
	"testing"
	"time"
)

func TestMemoryQueueFanOut(t *testing.T) {
	queue := NewMemoryQueue(4)
	first := queue.Subscribe()
	defer first.Close()
	second := queue.Subscribe()
	defer second.Close()

	event := Event{
		Type:       TypeSessionLive,
		SessionID:  "sess-1",
		OwnerID:    "user-1",
		OccurredAt: time.Now().UTC(),
	}
	if err := queue.Publish(context.Background(), event); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for _, sub := range []Subscription{first, second} {
		select {
		case got := <-sub.Events():
			if got.Type != TypeSessionLive || got.SessionID != "sess-1" {
				t.Fatalf("unexpected event %+v", got)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}

func TestMemoryQueueRejectsInvalidEvents(t *testing.T) {
	queue := NewMemoryQueue(1)
	if err := queue.Publish(context.Background(), Event{Type: "unknown", SessionID: "s"}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
	if err := queue.Publish(context.Background(), Event{Type: TypeSessionLive}); err == nil {
		t.Fatal("expected error for missing session id")
	}
}

func TestMemoryQueueDropsWhenSubscriberFull(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	defer sub.Close()

	for i := 0; i < 3; i++ {
		event := Event{Type: TypeSessionEnded, SessionID: "sess-1", OccurredAt: time.Now().UTC()}
		if err := queue.Publish(context.Background(), event); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	select {
	case <-sub.Events():
	case <-time.After(time.Second):
		t.Fatal("expected one buffered event")
	}
	select {
	case event := <-sub.Events():
		t.Fatalf("expected overflow to be dropped, got %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionCloseIsIdempotent(t *testing.T) {
	queue := NewMemoryQueue(1)
	sub := queue.Subscribe()
	sub.Close()
	sub.Close()

	if err := queue.Publish(context.Background(), Event{Type: TypeSessionLive, SessionID: "s"}); err != nil {
		t.Fatalf("Publish after close: %v", err)
	}
}
