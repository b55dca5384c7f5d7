package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/solarbus/solarbus/internal/common/logger"
	ws "github.com/solarbus/solarbus/pkg/websocket"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 64 * 1024 // 64KB; inbound frames are acks and requests
)

// Client is one stream connection: an authorized identity following a
// project's envelope stream.
type Client struct {
	ID        string
	identity  string
	projectID string
	consumer  string

	conn    *websocket.Conn
	hub     *Hub
	send    chan []byte
	session *session
	detachO sync.Once
	logger  *logger.Logger
}

// NewClient creates a stream client.
func NewClient(id, identity, projectID, consumer string, conn *websocket.Conn, hub *Hub, log *logger.Logger) *Client {
	return &Client{
		ID:        id,
		identity:  identity,
		projectID: projectID,
		consumer:  consumer,
		conn:      conn,
		hub:       hub,
		send:      make(chan []byte, 256),
		logger:    log.WithFields(zap.String("client_id", id), zap.String("identity", identity)),
	}
}

// detach stops the delivery session. Idempotent; must complete before the
// send channel closes.
func (c *Client) detach() {
	c.detachO.Do(func() {
		if c.session != nil {
			c.session.stop()
		}
	})
}

// ReadPump consumes frames from the connection until it drops.
func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.detach()
		c.hub.Unregister(c)
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
				c.logger.Error("stream read error", zap.Error(err))
			}
			break
		}

		var msg ws.Message
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Error("failed to parse frame", zap.Error(err))
			c.sendError("", "", ws.ErrorCodeBadRequest, "invalid message format", nil)
			continue
		}

		c.handleMessage(ctx, &msg)
	}
}

// handleMessage processes an incoming frame. Acks are handled inline; other
// requests go through the dispatcher.
func (c *Client) handleMessage(ctx context.Context, msg *ws.Message) {
	c.logger.Debug("received frame",
		zap.String("action", msg.Action),
		zap.String("id", msg.ID))

	if msg.Action == ws.ActionStreamAck {
		c.handleAck(ctx, msg)
		return
	}

	response, err := c.hub.dispatcher.Dispatch(ctx, msg)
	if err != nil {
		c.logger.Error("handler error",
			zap.String("action", msg.Action),
			zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, err.Error(), nil)
		return
	}
	if response != nil {
		c.sendMessage(response)
	}
}

// handleAck advances the durable cursor. Success is silent; the cursor only
// matters on the next connect.
func (c *Client) handleAck(ctx context.Context, msg *ws.Message) {
	var ack ws.AckPayload
	if err := msg.ParsePayload(&ack); err != nil {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, "invalid payload: "+err.Error(), nil)
		return
	}
	if ack.Seq <= 0 {
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeValidation, "seq must be positive", nil)
		return
	}
	if c.session == nil {
		return
	}
	if err := c.session.ack(ctx, ack.Seq); err != nil {
		c.logger.Warn("failed to commit cursor",
			zap.Int64("seq", ack.Seq), zap.Error(err))
		c.sendError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "failed to commit cursor", nil)
	}
}

// sendMessage queues a frame for the write pump.
func (c *Client) sendMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("failed to marshal frame", zap.Error(err))
		return
	}

	select {
	case c.send <- data:
	default:
		c.logger.Warn("client send buffer full")
	}
}

// sendError sends an error frame to the client.
func (c *Client) sendError(id, action, code, message string, details map[string]interface{}) {
	msg, err := ws.NewError(id, action, code, message, details)
	if err != nil {
		c.logger.Error("failed to create error frame", zap.Error(err))
		return
	}
	c.sendMessage(msg)
}

// WritePump pumps queued frames to the connection. A dead connection
// detaches the session so a blocked delivery never outlives the socket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.detach()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Batch additional queued frames
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
