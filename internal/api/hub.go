package api

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/coopco/sessiond/internal/bus"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Hub relays every bus notification to the connected websocket clients.
type Hub struct {
	bus   *bus.NotificationBus
	subID bus.SubscriptionID

	mu      sync.RWMutex
	clients map[*client]bool
}

func NewHub(b *bus.NotificationBus) *Hub {
	h := &Hub{bus: b, clients: make(map[*client]bool)}
	h.subID = b.Subscribe("websocket-hub", h.broadcast)
	return h
}

func (h *Hub) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	return c
}

func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

func (h *Hub) broadcast(ev bus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("hub: marshal event", "error", err)
		return
	}

	// Sends happen under the read lock so RemoveClient cannot close a
	// channel mid-send.
	var slow []*client
	h.mu.RLock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range slow {
		slog.Warn("hub: client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		h.RemoveClient(c)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close detaches from the bus and disconnects every client.
func (h *Hub) Close() {
	h.bus.Unsubscribe(h.subID)
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}
