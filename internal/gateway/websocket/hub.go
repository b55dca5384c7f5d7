// Package websocket implements the gateway's stream endpoint: one
// authorized connection per subscriber, delivering committed envelopes in
// commit order, with client acks advancing a durable cursor. The store
// stays the durability boundary; a dropped connection replays from the
// cursor on reconnect.
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	ws "github.com/solarbus/solarbus/pkg/websocket"
)

// Hub tracks the connected stream clients.
type Hub struct {
	clients map[*Client]bool

	register   chan *Client
	unregister chan *Client

	dispatcher *ws.Dispatcher

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a stream hub.
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		dispatcher: dispatcher,
		logger:     log.WithFields(zap.String("component", "stream-hub")),
	}
}

// Run processes client registration until the context ends, then closes
// every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("stream hub started")
	defer h.logger.Info("stream hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("stream client connected",
				zap.String("client_id", client.ID),
				zap.String("identity", client.identity),
				zap.String("project_id", client.projectID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// closeAllClients detaches and closes every connection.
func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		// The session must stop sending before the channel closes.
		client.detach()
		close(client.send)
		delete(h.clients, client)
	}
}

// removeClient drops one client. The caller has already detached its
// session, so nothing sends on the channel after it closes.
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
	}
	h.logger.Debug("stream client disconnected", zap.String("client_id", client.ID))
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Dispatcher returns the request frame dispatcher.
func (h *Hub) Dispatcher() *ws.Dispatcher {
	return h.dispatcher
}
