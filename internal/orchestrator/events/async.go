package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/eapache/queue"
)

// AsyncPublisher decouples workflows from the delivery transport with an
// unbounded FIFO drained by a single goroutine. Publishing never blocks a
// workflow, whatever the transport is doing.
type AsyncPublisher struct {
	next Publisher

	mu     sync.Mutex
	cond   *sync.Cond
	q      *queue.Queue
	closed bool
	done   chan struct{}
}

// NewAsyncPublisher wraps next with an asynchronous buffer.
func NewAsyncPublisher(next Publisher) *AsyncPublisher {
	p := &AsyncPublisher{
		next: next,
		q:    queue.New(),
		done: make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.drain()
	return p
}

func (p *AsyncPublisher) enqueue(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.q.Add(event)
	p.cond.Signal()
}

func (p *AsyncPublisher) Publish(ctx context.Context, event Event) error {
	p.enqueue(event)
	return nil
}

func (p *AsyncPublisher) PublishAsync(event Event) {
	p.enqueue(event)
}

// Flush blocks until the buffer is empty or ctx expires.
func (p *AsyncPublisher) Flush(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		empty := p.q.Length() == 0
		p.mu.Unlock()
		if empty {
			return p.next.Flush(ctx)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Close drains remaining events, then closes the underlying publisher.
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.closed = true
	p.cond.Signal()
	p.mu.Unlock()

	<-p.done
	return p.next.Close()
}

// Pending reports how many events are waiting for delivery.
func (p *AsyncPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.q.Length()
}

func (p *AsyncPublisher) drain() {
	for {
		p.mu.Lock()
		for p.q.Length() == 0 && !p.closed {
			p.cond.Wait()
		}
		if p.q.Length() == 0 && p.closed {
			p.mu.Unlock()
			close(p.done)
			return
		}
		event := p.q.Remove().(Event)
		p.mu.Unlock()

		if err := p.next.Publish(context.Background(), event); err != nil {
			// Best-effort delivery: log and keep draining.
			slog.Debug("async event delivery failed", "event", event.Name, "error", err)
		}
	}
}
