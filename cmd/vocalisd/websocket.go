// WebSocket status hub: pushes sync status changes to local UI clients.
package main

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ljchuang/vocalis/backend/internal/logging"
	syncpkg "github.com/ljchuang/vocalis/backend/internal/sync"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// Only local UI clients may connect.
		return strings.HasPrefix(r.Host, "localhost") || strings.HasPrefix(r.Host, "127.0.0.1")
	},
}

// WSEnvelope wraps every message sent over the status socket.
type WSEnvelope struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"`
}

const EventStatusChanged = "sync.status_changed"

type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
}

// WSHub maintains active client connections and broadcasts status changes.
type WSHub struct {
	mu      sync.RWMutex
	clients map[string]*wsClient
}

// NewWSHub creates an empty hub.
func NewWSHub() *WSHub {
	return &WSHub{clients: make(map[string]*wsClient)}
}

// ServeWS upgrades an HTTP request to a status subscription.
func (h *WSHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warn("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}

	client := &wsClient{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan []byte, 64),
	}

	h.mu.Lock()
	h.clients[client.id] = client
	h.mu.Unlock()
	logging.Debug("Status client connected", map[string]interface{}{"id": client.id})

	go h.writeLoop(client)
	go h.readLoop(client)
}

func (h *WSHub) writeLoop(c *wsClient) {
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			break
		}
	}
	c.conn.Close()
}

// readLoop drains the connection so close frames are processed; clients never
// send application messages.
func (h *WSHub) readLoop(c *wsClient) {
	defer h.drop(c)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WSHub) drop(c *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[c.id]; ok {
		delete(h.clients, c.id)
		close(c.send)
	}
	h.mu.Unlock()
	logging.Debug("Status client disconnected", map[string]interface{}{"id": c.id})
}

// BroadcastStatus fans a status snapshot out to every connected client.
// Clients with a full send buffer are dropped rather than blocking the engine.
func (h *WSHub) BroadcastStatus(status syncpkg.Status) {
	envelope := WSEnvelope{
		Type:      EventStatusChanged,
		Data:      status,
		Timestamp: time.Now().UnixMilli(),
	}
	message, err := json.Marshal(envelope)
	if err != nil {
		logging.Error("Failed to marshal status envelope", err, nil)
		return
	}

	h.mu.Lock()
	for id, client := range h.clients {
		select {
		case client.send <- message:
		default:
			delete(h.clients, id)
			close(client.send)
		}
	}
	h.mu.Unlock()
}
