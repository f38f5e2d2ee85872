package chain

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"foundry/internal/logging"
)

// Hub fans out ImportResult events to every subscribed websocket client
// (§4.7 "notifies registered observers"). One hub serves one importer.
type Hub struct {
	upgrader websocket.Upgrader
	mu       sync.Mutex
	clients  map[*websocket.Conn]struct{}
}

// NewHub builds an empty notifier hub.
func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades an incoming request to a websocket subscription; the
// connection receives every subsequent Notify call as a JSON frame until it
// disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.L().WithError(err).Warn("notifier: upgrade failed")
		return
	}
	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	go h.drainUntilClosed(conn)
}

// drainUntilClosed discards inbound frames (this hub is push-only) until the
// client disconnects, then unregisters it.
func (h *Hub) drainUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

// Notify broadcasts result to every subscribed client. A client whose write
// fails is dropped rather than retried.
func (h *Hub) Notify(result ImportResult) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		if err := conn.WriteJSON(result); err != nil {
			conn.Close()
			delete(h.clients, conn)
		}
	}
}

// NumSubscribers reports the current subscriber count, for metrics.
func (h *Hub) NumSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
