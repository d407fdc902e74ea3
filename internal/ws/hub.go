package ws

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/openmoba/broker/internal/message"
)

// MessageType tags gateway control messages. Broker commands and events
// share the same envelope but are defined in the message package.
type MessageType string

const (
	// Client -> Server
	MessageTypePing MessageType = "PING"

	// Server -> Client
	MessageTypePong     MessageType = "PONG"
	MessageTypeLaneInit MessageType = "LANE_INIT"
	MessageTypeError    MessageType = "ERROR"
)

// LaneInit tells a broadcast client where to attach the fast lane of a
// shell session it just connected.
type LaneInit struct {
	SessionID string `json:"sessionId"`
	Path      string `json:"path"`
	Token     string `json:"token"`
}

// ErrorReply reports a command the gateway could not accept.
type ErrorReply struct {
	SessionID string `json:"sessionId,omitempty"`
	Error     string `json:"error"`
	Code      string `json:"code"`
}

// Client represents a WebSocket client connection.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	id     string
	send   chan []byte
	mu     sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client.
func NewClient(hub *Hub, conn *websocket.Conn, id string) *Client {
	return &Client{
		hub:  hub,
		conn: conn,
		id:   id,
		send: make(chan []byte, 256),
	}
}

// Send queues a message to be sent to the client.
func (c *Client) Send(data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	select {
	case c.send <- data:
	default:
		// Buffer full, close the client
		c.closeLocked()
	}
}

// SendMessage marshals a control message and queues it.
func (c *Client) SendMessage(typ MessageType, payload any) error {
	env, err := message.NewEnvelope(string(typ), payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.Send(data)
	return nil
}

// Close closes the client connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeLocked()
}

func (c *Client) closeLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// IsClosed returns true if the client is closed.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.id
}

// Conn returns the underlying WebSocket connection.
func (c *Client) Conn() *websocket.Conn {
	return c.conn
}

// SendChan returns the send channel for the client.
func (c *Client) SendChan() <-chan []byte {
	return c.send
}

// Hub fans broadcast events out to every connected client.
type Hub struct {
	clients map[*Client]bool
	mu      sync.RWMutex
	logger  *slog.Logger
}

// NewHub creates a new Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		clients: make(map[*Client]bool),
		logger:  logger.With("component", "hub"),
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client] = true
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()

	client.Close()
}

// BroadcastRaw sends already encoded data to all connected clients.
func (h *Hub) BroadcastRaw(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		client.Send(data)
	}
}

// Broadcast encodes ev and sends it to all connected clients. With no
// clients connected the event is dropped.
func (h *Hub) Broadcast(ev message.Event) {
	data, err := encodeEvent(ev)
	if err != nil {
		h.logger.Error("encode event", "type", ev.Kind(), "error", err)
		return
	}
	h.BroadcastRaw(data)
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HasClients returns true if there are connected clients.
func (h *Hub) HasClients() bool {
	return h.ClientCount() > 0
}

// Close closes all client connections.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.Close()
	}
}

func encodeEvent(ev message.Event) ([]byte, error) {
	env, err := message.EncodeEvent(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(env)
}
