package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Hub pushes events to WebSocket observers. Each observer subscribes to one
// extension (or "*" for everything); slow observers are disconnected rather
// than allowed to back-pressure the workflows.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

// send is never closed; a closed send channel would make the send case in
// Publish permanently ready and panic. Shutdown is signalled through done.
type subscriber struct {
	conn      net.Conn
	extension string
	send      chan Event
	done      chan struct{}
	closeOnce sync.Once
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*subscriber]struct{})}
}

// ServeHTTP upgrades the request to a WebSocket and streams events for the
// extension given in the "extension" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	extension := r.URL.Query().Get("extension")
	if extension == "" {
		http.Error(w, "missing extension parameter", http.StatusBadRequest)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Debug("websocket upgrade failed", "error", err)
		return
	}

	sub := &subscriber{
		conn:      conn,
		extension: extension,
		send:      make(chan Event, 64),
		done:      make(chan struct{}),
	}
	h.add(sub)
	slog.Info("event observer connected", "extension", extension, "remote", conn.RemoteAddr().String())

	go h.writeLoop(sub)
	go h.readLoop(sub)
}

func (h *Hub) add(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subs[sub.extension]
	if !ok {
		set = make(map[*subscriber]struct{})
		h.subs[sub.extension] = set
	}
	set[sub] = struct{}{}
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[sub.extension]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.extension)
		}
	}
	sub.closeOnce.Do(func() {
		close(sub.done)
		_ = sub.conn.Close()
	})
}

func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case event := <-sub.send:
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			if err := wsutil.WriteServerMessage(sub.conn, ws.OpText, payload); err != nil {
				h.remove(sub)
				return
			}
		}
	}
}

// readLoop consumes and discards client frames so control frames are
// processed and a peer close is noticed promptly.
func (h *Hub) readLoop(sub *subscriber) {
	for {
		if _, _, err := wsutil.ReadClientData(sub.conn); err != nil {
			h.remove(sub)
			return
		}
	}
}

// Publish fans the event out to observers of its extension and of "*".
func (h *Hub) Publish(ctx context.Context, event Event) error {
	h.mu.Lock()
	targets := make([]*subscriber, 0, 4)
	for _, key := range []string{event.Extension, "*"} {
		for sub := range h.subs[key] {
			targets = append(targets, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range targets {
		select {
		case <-sub.done:
		case sub.send <- event:
		default:
			// Observer is not keeping up; drop it.
			slog.Warn("disconnecting slow event observer", "extension", sub.extension)
			h.remove(sub)
		}
	}
	return nil
}

func (h *Hub) PublishAsync(event Event) {
	_ = h.Publish(context.Background(), event)
}

func (h *Hub) Flush(ctx context.Context) error { return nil }

// Close disconnects every observer.
func (h *Hub) Close() error {
	h.mu.Lock()
	var all []*subscriber
	for _, set := range h.subs {
		for sub := range set {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range all {
		h.remove(sub)
	}
	return nil
}

// Observers reports the number of connected observers.
func (h *Hub) Observers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}
