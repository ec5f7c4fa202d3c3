package websocket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/gocomet/ride-coordination/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 2048
	sendBuffer     = 256
)

// MessageHandler receives every client message the client does not handle itself
type MessageHandler func(c *Client, msg ClientMessage)

// Client represents a WebSocket client connection
type Client struct {
	ID            string
	UserID        string
	Role          string
	Hub           *Hub
	Conn          *websocket.Conn
	Send          chan []byte
	subscriptions map[string]bool // tripIDs this client follows
	handler       MessageHandler
	registered    chan struct{}
	mu            sync.RWMutex
	logger        *logger.Logger
}

// ClientMessage represents a message from the client
type ClientMessage struct {
	Type   string          `json:"type"`
	TripID string          `json:"trip_id,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, userID, role string, handler MessageHandler, log *logger.Logger) *Client {
	id := uuid.NewString()
	return &Client{
		ID:            id,
		UserID:        userID,
		Role:          role,
		Hub:           hub,
		Conn:          conn,
		Send:          make(chan []byte, sendBuffer),
		subscriptions: make(map[string]bool),
		handler:       handler,
		registered:    make(chan struct{}),
		logger:        log.With(logger.String("client_id", id), logger.UserID(userID)),
	}
}

// ReadPump pumps messages from the WebSocket connection to the handler
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.Unregister(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Error("WebSocket read error", logger.Err(err))
			}
			break
		}

		c.handleMessage(message)
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes incoming messages from the client
func (c *Client) handleMessage(message []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		c.logger.Warn("Failed to unmarshal client message", logger.Err(err))
		c.SendMessage(Message{Type: "error", Data: "malformed message"})
		return
	}

	switch msg.Type {
	case "ping":
		c.SendMessage(Message{Type: "pong"})
		return
	case "subscribe":
		c.Subscribe(msg.TripID)
	case "unsubscribe":
		c.Unsubscribe(msg.TripID)
	}
	if c.handler != nil {
		c.handler(c, msg)
	}
}

// Subscribe follows a trip
func (c *Client) Subscribe(tripID string) {
	if tripID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions[tripID] = true
	c.logger.Debug("Client subscribed to trip", logger.TripID(tripID))
}

// Unsubscribe stops following a trip
func (c *Client) Unsubscribe(tripID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscriptions, tripID)
	c.logger.Debug("Client unsubscribed from trip", logger.TripID(tripID))
}

// IsSubscribedToTrip checks if client follows a trip
func (c *Client) IsSubscribedToTrip(tripID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subscriptions[tripID]
}

// SendMessage sends a message to this client only
func (c *Client) SendMessage(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to marshal message", logger.Err(err))
		return
	}

	defer func() {
		// Send is closed once the hub has unregistered the client
		if recover() != nil {
			c.logger.Debug("Dropped message for closed client")
		}
	}()
	select {
	case c.Send <- data:
	default:
		c.logger.Warn("Client send buffer full")
	}
}
