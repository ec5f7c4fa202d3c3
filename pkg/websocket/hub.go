package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gocomet/ride-coordination/pkg/logger"
)

// Hub maintains active client connections and routes messages to users and trips
type Hub struct {
	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	mu         sync.RWMutex
	logger     *logger.Logger

	onDisconnect func(c *Client, remaining int)
}

// Message represents a WebSocket message
type Message struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// NewHub creates a new WebSocket hub
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     log.Named("websocket"),
	}
}

// OnDisconnect sets a hook run after a client leaves, with the number of
// connections that user still has open. Set it before Run.
func (h *Hub) OnDisconnect(fn func(c *Client, remaining int)) {
	h.onDisconnect = fn
}

// Run starts the hub's main loop and closes every client when ctx is done
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.Send)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			close(client.registered)
			h.logger.Info("Client registered",
				logger.String("client_id", client.ID),
				logger.UserID(client.UserID),
				logger.Role(client.Role),
			)

		case client := <-h.unregister:
			h.mu.Lock()
			_, ok := h.clients[client]
			if ok {
				delete(h.clients, client)
				close(client.Send)
			}
			remaining := h.countLocked(func(c *Client) bool { return c.UserID == client.UserID })
			h.mu.Unlock()
			if !ok {
				continue
			}
			h.logger.Info("Client unregistered", logger.String("client_id", client.ID))
			if h.onDisconnect != nil {
				h.onDisconnect(client, remaining)
			}
		}
	}
}

// Register registers a new client and returns once it can receive messages
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
		<-client.registered
	case <-h.done:
		client.Conn.Close()
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// SendToUser sends a message to every connection of userID and returns how
// many received it
func (h *Hub) SendToUser(userID string, message Message) int {
	return h.send(message, func(c *Client) bool { return c.UserID == userID })
}

// SendToTrip sends a message to userID's connections subscribed to tripID
func (h *Hub) SendToTrip(tripID, userID string, message Message) int {
	return h.send(message, func(c *Client) bool {
		return c.UserID == userID && c.IsSubscribedToTrip(tripID)
	})
}

func (h *Hub) send(message Message, match func(*Client) bool) int {
	data, err := json.Marshal(message)
	if err != nil {
		h.logger.Error("Failed to marshal message", logger.Err(err))
		return 0
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	sent := 0
	for client := range h.clients {
		if !match(client) {
			continue
		}
		select {
		case client.Send <- data:
			sent++
		default:
			h.logger.Warn("Client send buffer full",
				logger.String("client_id", client.ID),
				logger.String("type", message.Type),
			)
		}
	}
	return sent
}

// GetActiveConnections returns the number of active connections
func (h *Hub) GetActiveConnections() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetClientsByRole returns count of clients by role
func (h *Hub) GetClientsByRole(role string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked(func(c *Client) bool { return c.Role == role })
}

func (h *Hub) countLocked(match func(*Client) bool) int {
	count := 0
	for client := range h.clients {
		if match(client) {
			count++
		}
	}
	return count
}
