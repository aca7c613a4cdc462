// Package realtime is the server side of the channel contract: named rooms
// over WebSocket with presence tracking (track/untrack) and broadcast (send).
// Chapter viewer counts ride on channels named presence:chapter:<id>; the
// shared heartbeat stream uses presence:heartbeats.
package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

// Message is the standard frame exchanged over a channel connection.
type Message struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Allow all origins. Adjust this in production!
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type Hub struct {
	channels   map[string]map[*Client]bool
	register   chan *Client
	unregister chan *Client
	mu         sync.RWMutex
}

func NewHub() *Hub {
	return &Hub{
		channels:   make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

type Client struct {
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	channel string
	done    chan struct{}

	// presence payload this client tracked, keyed by its "key" field
	trackKey string
	tracked  map[string]any
}

func NewClient(hub *Hub, conn *websocket.Conn, channel string) *Client {
	return &Client{
		hub:     hub,
		conn:    conn,
		send:    make(chan []byte, 256),
		channel: channel,
		done:    make(chan struct{}),
	}
}

// Run listens on the register and unregister channels and updates hub state.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if _, exists := h.channels[client.channel]; !exists {
				h.channels[client.channel] = make(map[*Client]bool)
				log.Printf("Created channel %s", client.channel)
			}
			h.channels[client.channel][client] = true
			log.Printf("Client %p joined channel %s. Total: %d", client, client.channel, len(h.channels[client.channel]))
			h.mu.Unlock()

			h.broadcastPresenceState(client.channel)

		case client := <-h.unregister:
			h.mu.Lock()
			removed := false
			if room, exists := h.channels[client.channel]; exists {
				if _, ok := room[client]; ok {
					delete(room, client)
					close(client.send)
					close(client.done)
					removed = true
					log.Printf("Client %p left channel %s. Remaining: %d", client, client.channel, len(room))
					if len(room) == 0 {
						delete(h.channels, client.channel)
					}
				}
			}
			h.mu.Unlock()

			if removed {
				h.broadcastPresenceState(client.channel)
			}
		}
	}
}

// PresenceState returns tracked payloads grouped by presence key for the
// given channel.
func (h *Hub) PresenceState(channel string) map[string][]map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.presenceStateLocked(channel)
}

func (h *Hub) presenceStateLocked(channel string) map[string][]map[string]any {
	states := make(map[string][]map[string]any)
	for client := range h.channels[channel] {
		if client.trackKey == "" {
			continue
		}
		states[client.trackKey] = append(states[client.trackKey], client.tracked)
	}
	return states
}

func (h *Hub) broadcastPresenceState(channel string) {
	h.mu.RLock()
	states := h.presenceStateLocked(channel)
	h.mu.RUnlock()

	h.BroadcastMessage(channel, "presence_state", map[string]any{
		"states": states,
	})
}

// BroadcastMessage marshals the message and sends it to every client on the
// channel.
func (h *Hub) BroadcastMessage(channel string, messageType string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		log.Printf("Error marshaling %s payload: %v", messageType, err)
		return
	}
	messageBytes, err := json.Marshal(Message{Type: messageType, Data: payload})
	if err != nil {
		log.Printf("Error marshaling message: %v", err)
		return
	}
	h.broadcastToChannel(channel, messageBytes)
}

func (h *Hub) broadcastToChannel(channel string, message []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.channels[channel]))
	for client := range h.channels[channel] {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	for _, client := range clients {
		select {
		case client.send <- message:
		default:
			log.Printf("Send channel full for client %p; unregistering", client)
			go func(c *Client) { h.unregister <- c }(client)
		}
	}
}

// HandleWebSocket upgrades the connection and joins the named channel.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	channel := vars["channel"]
	if channel == "" {
		http.Error(w, "Missing channel name", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	client := NewClient(h, conn, channel)
	h.register <- client

	go client.writePump()
	go client.readPump()
}

func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Unexpected close: %v", err)
			}
			break
		}
		c.handleMessage(message)
	}
}

func (c *Client) handleMessage(message []byte) {
	var msg Message
	if err := json.Unmarshal(message, &msg); err != nil {
		log.Printf("Error unmarshaling message: %v", err)
		return
	}

	switch msg.Type {
	case "track":
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("Error unmarshaling track payload: %v", err)
			return
		}
		key, _ := payload["key"].(string)
		if key == "" {
			log.Printf("Track payload from client %p has no key; ignoring", c)
			return
		}
		c.hub.mu.Lock()
		c.trackKey = key
		c.tracked = payload
		c.hub.mu.Unlock()
		c.hub.broadcastPresenceState(c.channel)

	case "untrack":
		c.hub.mu.Lock()
		c.trackKey = ""
		c.tracked = nil
		c.hub.mu.Unlock()
		c.hub.broadcastPresenceState(c.channel)

	case "send":
		var payload map[string]any
		if err := json.Unmarshal(msg.Data, &payload); err != nil {
			log.Printf("Error unmarshaling send payload: %v", err)
			return
		}
		c.hub.BroadcastMessage(c.channel, "broadcast", payload)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Printf("Error writing message to client %p: %v", c, err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
