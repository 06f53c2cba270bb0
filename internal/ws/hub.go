package ws

import (
	"log"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chat-session/internal/observability"
)

const writeWait = 10 * time.Second

// client is one broker-side websocket connection. gorilla connections allow a
// single concurrent writer, so writes go through writeMu.
type client struct {
	conn    *websocket.Conn
	info    ConnInfo
	writeMu sync.Mutex
}

func (c *client) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(env)
}

// Hub maintains topic subscriptions of connected sessions.
type Hub struct {
	topics  map[string]map[*client]bool
	clients map[*client]map[string]bool
	online  map[string]int
	mu      sync.RWMutex
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		topics:  make(map[string]map[*client]bool),
		clients: make(map[*client]map[string]bool),
		online:  make(map[string]int),
	}
}

// Add registers a connection. It reports whether this is the participant's
// first live connection.
func (h *Hub) Add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		return false
	}
	h.clients[c] = make(map[string]bool)
	h.online[c.info.ParticipantID]++
	return h.online[c.info.ParticipantID] == 1
}

// Remove drops a connection and all its subscriptions. It reports whether the
// participant has no live connection left.
func (h *Hub) Remove(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.clients[c]
	if !ok {
		return false
	}
	for topic := range topics {
		h.unbindLocked(c, topic)
	}
	delete(h.clients, c)
	h.online[c.info.ParticipantID]--
	if h.online[c.info.ParticipantID] <= 0 {
		delete(h.online, c.info.ParticipantID)
		return true
	}
	return false
}

// Subscribe binds topic to the connection. Binding twice is a no-op.
func (h *Hub) Subscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	topics, ok := h.clients[c]
	if !ok {
		return
	}
	topics[topic] = true
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[*client]bool)
	}
	h.topics[topic][c] = true
}

func (h *Hub) Unsubscribe(c *client, topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if topics, ok := h.clients[c]; ok {
		delete(topics, topic)
	}
	h.unbindLocked(c, topic)
}

func (h *Hub) unbindLocked(c *client, topic string) {
	if conns, ok := h.topics[topic]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.topics, topic)
		}
	}
}

// Publish delivers body to every connection bound to topic and returns the
// number of successful deliveries. Connections that fail a write are dropped.
func (h *Hub) Publish(topic string, body []byte) int {
	h.mu.RLock()
	targets := make([]*client, 0, len(h.topics[topic]))
	for c := range h.topics[topic] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	delivered := 0
	env := Envelope{Op: OpDeliver, Topic: topic, Body: body}
	for _, c := range targets {
		if err := c.write(env); err != nil {
			log.Printf("websocket write error: conn=%s topic=%s: %v", c.info.ConnID, topic, err)
			c.conn.Close()
			h.Remove(c)
			observability.IncWSEvent("broker", "ws_error")
			continue
		}
		delivered++
	}
	return delivered
}

// Online reports whether the participant has a live connection.
func (h *Hub) Online(participantID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.online[participantID] > 0
}

// OnlineIDs lists participants with at least one live connection, sorted.
func (h *Hub) OnlineIDs() []string {
	h.mu.RLock()
	ids := make([]string, 0, len(h.online))
	for id := range h.online {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Subscribers returns the number of connections bound to topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
