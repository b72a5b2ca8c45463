package chat

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
)

const frameWriteTimeout = 5 * time.Second

// Hub tracks the websocket views open on each session so a change made
// through one surface re-renders every other view of the same session.
type Hub struct {
	mu     sync.RWMutex
	active map[string]map[*websocket.Conn]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{active: make(map[string]map[*websocket.Conn]struct{})}
}

// Register adds a connection viewing sessionKey.
func (h *Hub) Register(sessionKey string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.active[sessionKey]; !ok {
		h.active[sessionKey] = make(map[*websocket.Conn]struct{})
	}
	h.active[sessionKey][conn] = struct{}{}
	slog.Debug("Chat view registered", "session_key", sessionKey, "views", len(h.active[sessionKey]))
}

// Unregister removes a connection.
func (h *Hub) Unregister(sessionKey string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if views, ok := h.active[sessionKey]; ok {
		delete(views, conn)
		if len(views) == 0 {
			delete(h.active, sessionKey)
		}
	}
}

// Views returns the number of connections viewing sessionKey.
func (h *Hub) Views(sessionKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.active[sessionKey])
}

// Broadcast writes frame to every view of sessionKey except skip, which may
// be nil. Write failures are logged; the reader loop of a broken connection
// unregisters it.
func (h *Hub) Broadcast(sessionKey string, skip *websocket.Conn, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		slog.Error("Failed to marshal chat frame", "error", err)
		return
	}

	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.active[sessionKey]))
	for c := range h.active[sessionKey] {
		if c != skip {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range conns {
		ctx, cancel := context.WithTimeout(context.Background(), frameWriteTimeout)
		if err := c.Write(ctx, websocket.MessageText, data); err != nil {
			slog.Debug("Failed to write chat frame", "error", err, "session_key", sessionKey)
		}
		cancel()
	}
}

// CloseAll closes every registered connection.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	var conns []*websocket.Conn
	for key, views := range h.active {
		for c := range views {
			conns = append(conns, c)
		}
		delete(h.active, key)
	}
	h.mu.Unlock()

	// Close waits for the peer's close frame, which the read loops consume.
	for _, c := range conns {
		_ = c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}
