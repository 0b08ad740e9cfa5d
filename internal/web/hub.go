package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sweeney/mediminder/internal/logic"
)

const writeWait = 100 * time.Millisecond

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Message is one frame pushed to websocket clients.
type Message struct {
	Type      string     `json:"type"` // "connection" or "event"
	Connected *bool      `json:"connected,omitempty"`
	Timestamp string     `json:"timestamp,omitempty"`
	Event     *EventJSON `json:"event,omitempty"`
}

func connectionMessage(connected bool, now time.Time) Message {
	return Message{Type: "connection", Connected: &connected, Timestamp: now.UTC().Format(time.RFC3339)}
}

func eventMessage(ev logic.Event) Message {
	e := formatEvent(ev)
	return Message{Type: "event", Event: &e}
}

// Hub fans messages out to connected websocket clients.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]bool)}
}

// Serve registers conn and reads until the client goes away. If initial is
// set, its message is written first; it is evaluated under the hub lock so no
// broadcast can slip in between. Inbound frames are discarded.
func (h *Hub) Serve(conn *websocket.Conn, initial func() Message) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if initial != nil {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(initial()); err != nil {
			h.mu.Unlock()
			conn.Close()
			return
		}
	}
	h.clients[conn] = true
	h.mu.Unlock()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(conn)
}

// Broadcast writes msg to every client. Clients that fail the write are dropped.
// Writes happen under the hub lock so frames reach each client in publish order.
func (h *Hub) Broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			log.Printf("web: dropping websocket client %s: %v", conn.RemoteAddr(), err)
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
	}
	conn.Close()
}
