package server

import (
	"context"
	"testing"
	"time"
)

func TestRealtimeDispatcherDeliversToAllSubscribers(testContext *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx)
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx)
	defer cleanupSecond()

	message := RealtimeMessage{
		EventType: RealtimeEventVaultChanged,
		Revision:  7,
		Timestamp: time.Now(),
	}
	dispatcher.Publish(message)

	for name, stream := range map[string]<-chan RealtimeMessage{"first": first, "second": second} {
		select {
		case received := <-stream:
			if received.Revision != 7 || received.EventType != RealtimeEventVaultChanged {
				testContext.Fatalf("subscriber %s received wrong message: %+v", name, received)
			}
		case <-time.After(time.Second):
			testContext.Fatalf("subscriber %s never received the message", name)
		}
	}
}

func TestRealtimeDispatcherDropsMessagesForSlowSubscriber(testContext *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	for i := 0; i < 40; i++ {
		dispatcher.Publish(RealtimeMessage{
			EventType: RealtimeEventVaultChanged,
			Revision:  int64(i),
			Timestamp: time.Now(),
		})
	}

	if len(stream) != cap(stream) {
		testContext.Fatalf("expected a full buffer, got %d of %d", len(stream), cap(stream))
	}
}

func TestRealtimeDispatcherIgnoresEmptyEventType(testContext *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx)
	defer cleanup()

	dispatcher.Publish(RealtimeMessage{Revision: 1})

	select {
	case message := <-stream:
		testContext.Fatalf("unexpected delivery of empty event: %+v", message)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRealtimeDispatcherCleansUpOnContextCancel(testContext *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	stream, _ := dispatcher.Subscribe(ctx)
	cancel()

	deadline := time.Now().Add(time.Second)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("subscriber was never unregistered after cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	dispatcher.Publish(RealtimeMessage{EventType: RealtimeEventVaultChanged, Revision: 1, Timestamp: time.Now()})
	if len(stream) != 0 {
		testContext.Fatalf("unregistered subscriber still receives messages")
	}
}
