package relay

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mossy-p/webrtc-rooms/internal/models"
	"github.com/rs/zerolog"
)

// Client represents a WebSocket client connection
type Client struct {
	ID          string
	RoomID      string
	DisplayName string

	hub    *Hub
	conn   *websocket.Conn
	logger zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func newClient(hub *Hub, conn *websocket.Conn, p models.Participant, roomID string) *Client {
	return &Client{
		ID:          p.ID,
		RoomID:      roomID,
		DisplayName: p.DisplayName,
		hub:         hub,
		conn:        conn,
		send:        make(chan []byte, hub.opts.SendBuffer),
		logger: hub.logger.With().
			Str("roomID", roomID).
			Str("peerID", p.ID).
			Logger(),
	}
}

// enqueue never blocks. A full queue means the consumer is too slow, and it is
// disconnected instead of stalling the room or losing an envelope mid-stream.
func (c *Client) enqueue(data []byte) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	select {
	case c.send <- data:
		c.mu.Unlock()
		return true
	default:
	}
	c.mu.Unlock()

	c.logger.Warn().Int("buffer", cap(c.send)).Msg("send buffer full, disconnecting slow consumer")
	c.hub.slowConsumers.Inc()
	c.closeSend()
	return false
}

func (c *Client) enqueueMessage(msg models.SignalEnvelope) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to marshal message")
		return false
	}
	return c.enqueue(data)
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) readPump() {
	defer func() {
		c.hub.leave(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.logger.Trace().Msg("got pong")
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.opts.PongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("websocket read error")
			}
			return
		}

		// Parse message
		var msg models.SignalEnvelope
		if err := json.Unmarshal(message, &msg); err != nil {
			c.logger.Debug().Err(err).Msg("failed to parse message")
			c.reject("invalid signaling payload")
			continue
		}

		c.hub.route(c, msg)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.opts.PingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("failed to write message")
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reject(reason string) {
	msg, err := models.NewEnvelope(models.SignalTypeError, c.RoomID, "", c.ID, models.ErrorPayload{Error: reason})
	if err != nil {
		return
	}
	c.enqueueMessage(msg)
}
