package server

import (
	"log"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/ssd-technologies/driftwatch/internal/respond"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub fans emitted response records out to connected WebSocket clients.
// Clients that cannot keep up are disconnected rather than allowed to
// back-pressure the pipeline.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan *respond.Record
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]chan *respond.Record)}
}

// Broadcast queues a record for every connected client. Satisfies the
// engine's sink signature.
func (h *Hub) Broadcast(rec *respond.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, ch := range h.clients {
		select {
		case ch <- rec:
		default:
			// Slow consumer: drop the connection.
			delete(h.clients, conn)
			close(ch)
			conn.Close()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) add(conn *websocket.Conn) chan *respond.Record {
	ch := make(chan *respond.Record, 64)
	h.mu.Lock()
	h.clients[conn] = ch
	h.mu.Unlock()
	return ch
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	if ch, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(ch)
	}
	h.mu.Unlock()
	conn.Close()
}

// handleStream handles GET /api/stream: upgrades to WebSocket and pushes
// every emitted response record as JSON until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[server] websocket upgrade error: %v", err)
		return
	}

	ch := s.hub.add(conn)
	defer s.hub.remove(conn)

	// Reader goroutine: detect client disconnect. Incoming messages are
	// ignored; the stream is one-way.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case rec, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteJSON(rec); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("[server] websocket write error: %v", err)
				}
				return
			}
		}
	}
}
