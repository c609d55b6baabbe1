package events

import (
	"context"
	"net"
	"sync"
	"testing"
)

// A disconnecting observer must never crash a concurrent publish. The send
// case in Publish would be permanently ready if the subscriber channel were
// closed, so removal only signals done and never touches the channel.
func TestHubPublishRacingRemoveDoesNotPanic(t *testing.T) {
	for round := 0; round < 200; round++ {
		h := NewHub()
		server, client := net.Pipe()
		sub := &subscriber{
			conn:      server,
			extension: "1001",
			send:      make(chan Event, 1),
			done:      make(chan struct{}),
		}
		h.add(sub)

		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for j := 0; j < 32; j++ {
					if err := h.Publish(context.Background(), Event{Extension: "1001", Name: "transfer.complete"}); err != nil {
						t.Errorf("Publish: %v", err)
					}
				}
			}()
		}
		h.remove(sub)
		wg.Wait()
		_ = client.Close()

		if got := h.Observers(); got != 0 {
			t.Fatalf("observers = %d after remove, want 0", got)
		}
	}
}

func TestHubCloseDisconnectsObservers(t *testing.T) {
	h := NewHub()
	server, client := net.Pipe()
	sub := &subscriber{
		conn:      server,
		extension: "*",
		send:      make(chan Event, 1),
		done:      make(chan struct{}),
	}
	h.add(sub)

	if err := h.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := h.Observers(); got != 0 {
		t.Errorf("observers = %d after close, want 0", got)
	}
	select {
	case <-sub.done:
	default:
		t.Error("subscriber not signalled done after close")
	}
	_ = client.Close()

	// Publishing after close is a no-op, not a crash.
	if err := h.Publish(context.Background(), Event{Extension: "1001", Name: "transfer.complete"}); err != nil {
		t.Errorf("Publish after close: %v", err)
	}
}
