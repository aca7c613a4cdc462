package remote

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
)

// wire message exchanged with the realtime hub.
type wsMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// WSRealtime implements Realtime over the backend's WebSocket hub. Each
// Channel dials its own connection to /ws/{name}.
type WSRealtime struct {
	baseURL string
	token   string
	dialer  *websocket.Dialer
}

func NewWSRealtime(baseURL, token string) *WSRealtime {
	return &WSRealtime{
		baseURL: baseURL,
		token:   token,
		dialer:  websocket.DefaultDialer,
	}
}

func (r *WSRealtime) Channel(name string) Channel {
	return &wsChannel{
		realtime: r,
		name:     name,
		handlers: make(map[string][]Handler),
		state:    make(map[string][]map[string]any),
	}
}

type wsChannel struct {
	realtime *WSRealtime
	name     string

	mu       sync.Mutex
	conn     *websocket.Conn
	handlers map[string][]Handler
	state    map[string][]map[string]any
	closed   bool
}

func (c *wsChannel) On(event string, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[event] = append(c.handlers[event], h)
}

func (c *wsChannel) Subscribe(ctx context.Context) error {
	url := wsURL(c.realtime.baseURL) + "/ws/" + c.name
	header := http.Header{}
	if c.realtime.token != "" {
		header.Set("Authorization", "Bearer "+c.realtime.token)
	}

	conn, _, err := c.realtime.dialer.DialContext(ctx, url, header)
	if err != nil {
		return &NetworkError{Op: "dial " + c.name, Err: err}
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(conn)
	return nil
}

func (c *wsChannel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("channel %s: dropping malformed message: %v", c.name, err)
			continue
		}
		switch msg.Type {
		case "presence_state":
			var body struct {
				States map[string][]map[string]any `json:"states"`
			}
			if err := json.Unmarshal(msg.Data, &body); err != nil {
				log.Printf("channel %s: bad presence state: %v", c.name, err)
				continue
			}
			c.mu.Lock()
			c.state = body.States
			c.mu.Unlock()
			c.emit(EventSync, nil)
		case "broadcast":
			var payload map[string]any
			if err := json.Unmarshal(msg.Data, &payload); err != nil {
				log.Printf("channel %s: bad broadcast payload: %v", c.name, err)
				continue
			}
			c.emit(EventBroadcast, payload)
		}
	}
}

func (c *wsChannel) emit(event string, payload map[string]any) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[event]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(payload)
	}
}

func (c *wsChannel) Track(payload map[string]any) error {
	return c.write("track", payload)
}

func (c *wsChannel) Send(payload map[string]any) error {
	return c.write("send", payload)
}

func (c *wsChannel) write(msgType string, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return &ValidationError{Table: c.name, Msg: "unencodable payload"}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.closed {
		return &NetworkError{Op: msgType + " " + c.name, Err: errNotSubscribed}
	}
	if err := c.conn.WriteJSON(wsMessage{Type: msgType, Data: data}); err != nil {
		return &NetworkError{Op: msgType + " " + c.name, Err: err}
	}
	return nil
}

func (c *wsChannel) PresenceState() map[string][]map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string][]map[string]any, len(c.state))
	for k, v := range c.state {
		out[k] = v
	}
	return out
}

func (c *wsChannel) Unsubscribe() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

var errNotSubscribed = &subscriptionError{}

type subscriptionError struct{}

func (*subscriptionError) Error() string { return "channel not subscribed" }

func wsURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return base
	}
}
