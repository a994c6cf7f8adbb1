package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/chatrelay/internal/chat"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/relay"
	"github.com/MarcoPoloResearchLab/chatrelay/internal/transport"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "general")
	defer cleanup()

	dispatcher.Publish(relay.Event{
		Kind:      transport.DownloadMessage,
		Chatroom:  "general",
		Message:   &chat.Message{Text: "yo", SeqNum: 8},
		Outcome:   chat.MessageInserted,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Kind != transport.DownloadMessage {
			t.Fatalf("expected kind %s, got %s", transport.DownloadMessage, received.Kind)
		}
		if received.Message == nil || received.Message.SeqNum != 8 {
			t.Fatalf("expected message 8, got %+v", received.Message)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByChatroom(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generalStream, cleanup := dispatcher.Subscribe(ctx, "general")
	defer cleanup()
	lobbyStream, otherCleanup := dispatcher.Subscribe(ctx, "lobby")
	defer otherCleanup()

	dispatcher.Publish(relay.Event{Kind: transport.DownloadChatroom, Chatroom: "lobby", Timestamp: time.Now().UTC()})

	select {
	case <-generalStream:
		t.Fatal("did not expect an event for an unrelated chatroom")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-lobbyStream:
		if event.Chatroom != "lobby" {
			t.Fatalf("expected lobby, received %s", event.Chatroom)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event for subscribed chatroom")
	}
}

func TestRealtimeDispatcherBroadcastsPeerEvents(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	generalStream, cleanup := dispatcher.Subscribe(ctx, "general")
	defer cleanup()
	lobbyStream, otherCleanup := dispatcher.Subscribe(ctx, "lobby")
	defer otherCleanup()

	dispatcher.Publish(relay.Event{Kind: transport.DownloadPeer, Peer: "bob", Timestamp: time.Now().UTC()})

	for _, stream := range []<-chan relay.Event{generalStream, lobbyStream} {
		select {
		case event := <-stream:
			if event.Peer != "bob" {
				t.Fatalf("expected bob, got %+v", event)
			}
		case <-time.After(500 * time.Millisecond):
			t.Fatal("expected the peer event on every subscription")
		}
	}
}

func TestRealtimeDispatcherUnsubscribesOnCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "general")
	defer cleanup()
	if dispatcher.SubscriberCount("general") != 1 {
		t.Fatal("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("general") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected the subscription to end with its context")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
