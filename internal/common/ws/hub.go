package ws

import (
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub stores all active viewer WebSocket connections keyed by viewer ID.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*websocket.Conn
	logger  *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*websocket.Conn),
		logger:  logger,
	}
}

// Add registers a new connection under a unique viewer ID.
func (h *Hub) Add(id string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[id]; ok {
		_ = old.Close()
	}
	h.clients[id] = conn
	h.logger.Info("ws_viewer_registered", "id", id)
}

// Remove deletes and closes a connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conn, ok := h.clients[id]; ok {
		_ = conn.Close()
		delete(h.clients, id)
		h.logger.Info("ws_viewer_removed", "id", id)
	}
}

// Broadcast sends a JSON message to every connected viewer. Connections that
// fail to write are dropped from the hub.
func (h *Hub) Broadcast(msg any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, conn := range h.clients {
		if err := conn.WriteJSON(msg); err != nil {
			h.logger.Warn("ws_viewer_write_failed", "id", id, "error", err.Error())
			_ = conn.Close()
			delete(h.clients, id)
		}
	}
}

// Count returns the number of connected viewers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
